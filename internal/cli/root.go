package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	jsonOutput bool
	projectDir string
	verbose    bool

	// Colors for help output sections
	groupTitleColor   = color.New(color.FgCyan, color.Bold)
	sectionTitleColor = color.New(color.FgBlue, color.Bold)
)

// rootCmd is the root command for plugkit.
var rootCmd = &cobra.Command{
	Use:     "plugkit",
	Version: "dev",
	Short:   "Transactional plugin installer for frontend projects",
	Long: `plugkit installs and wires third-party plugins (routing, state, UI, tooling)
into an existing frontend project.

Every install is validated before the project is touched, runs as one audited
transaction, and is rolled back file by file if any step fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// customHelpFunc renders help with coloured group titles and examples.
func customHelpFunc(cmd *cobra.Command, args []string) {
	var help strings.Builder

	desc := cmd.Long
	if desc == "" {
		desc = cmd.Short
	}
	if desc != "" {
		help.WriteString(desc)
		help.WriteString("\n\n")
	}

	help.WriteString(sectionTitleColor.Sprint("Usage:"))
	fmt.Fprintf(&help, "\n  %s\n", cmd.UseLine())
	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(&help, "  %s [command]\n", cmd.CommandPath())
	}
	help.WriteString("\n")

	if cmd.Example != "" {
		help.WriteString(sectionTitleColor.Sprint("Examples:"))
		fmt.Fprintf(&help, "\n%s\n\n", cmd.Example)
	}

	width := 0
	for _, c := range cmd.Commands() {
		if c.IsAvailableCommand() && len(c.Name()) > width {
			width = len(c.Name())
		}
	}
	writeCommands := func(title string, titleColor *color.Color, keep func(*cobra.Command) bool) {
		var lines []string
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() && keep(c) {
				lines = append(lines, fmt.Sprintf("  %-*s  %s\n", width, c.Name(), c.Short))
			}
		}
		if len(lines) == 0 {
			return
		}
		help.WriteString(titleColor.Sprint(title))
		help.WriteString("\n")
		help.WriteString(strings.Join(lines, ""))
		help.WriteString("\n")
	}

	for _, group := range cmd.Groups() {
		id := group.ID
		writeCommands(group.Title, groupTitleColor, func(c *cobra.Command) bool { return c.GroupID == id })
	}
	title := "Commands:"
	if len(cmd.Groups()) > 0 {
		title = "Additional Commands:"
	}
	writeCommands(title, sectionTitleColor, func(c *cobra.Command) bool { return c.GroupID == "" })

	if flags := cmd.LocalFlags().FlagUsages(); flags != "" {
		help.WriteString(sectionTitleColor.Sprint("Flags:"))
		help.WriteString("\n")
		help.WriteString(flags)
		help.WriteString("\n")
	}
	if flags := cmd.InheritedFlags().FlagUsages(); flags != "" {
		help.WriteString(sectionTitleColor.Sprint("Global Flags:"))
		help.WriteString("\n")
		help.WriteString(flags)
		help.WriteString("\n")
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(&help, "Use \"%s [command] --help\" for more information about a command.\n", cmd.CommandPath())
	}

	_, _ = fmt.Fprint(cmd.OutOrStdout(), help.String())
}

func init() {
	rootCmd.SetHelpFunc(customHelpFunc)

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(&cobra.Group{
		ID:    "plugins",
		Title: "Plugins:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "diagnostics",
		Title: "Diagnostics & Recovery:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cli-tooling",
		Title: "CLI & Tooling:",
	})

	versionCmd := &cobra.Command{
		Use:     "version",
		Short:   "Print the plugkit CLI version",
		Args:    cobra.NoArgs,
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	helpCmd := &cobra.Command{
		Use:     "help [command]",
		Short:   "Help about any command",
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			target, _, err := cmd.Root().Find(args)
			if err != nil || target == nil {
				target = cmd.Root()
			}
			_ = target.Help()
		},
	}
	rootCmd.SetHelpCommand(helpCmd)

	completionCmd := &cobra.Command{
		Use:     "completion",
		Short:   "Generate the autocompletion script for the specified shell",
		GroupID: "cli-tooling",
		Long: `Generate the autocompletion script for plugkit for the specified shell.
Plugin names are completed from the catalog.`,
	}
	shells := []struct {
		name string
		gen  func(io.Writer) error
	}{
		{"bash", rootCmd.GenBashCompletion},
		{"zsh", rootCmd.GenZshCompletion},
		{"fish", func(w io.Writer) error { return rootCmd.GenFishCompletion(w, true) }},
		{"powershell", rootCmd.GenPowerShellCompletionWithDesc},
	}
	for _, sh := range shells {
		gen := sh.gen
		completionCmd.AddCommand(&cobra.Command{
			Use:                   sh.name,
			Short:                 "Generate the autocompletion script for " + sh.name,
			Args:                  cobra.NoArgs,
			DisableFlagsInUseLine: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return gen(cmd.OutOrStdout())
			},
		})
	}
	rootCmd.AddCommand(completionCmd)

	installCmd.GroupID = "plugins"
	listCmd.GroupID = "plugins"
	searchCmd.GroupID = "plugins"
	statusCmd.GroupID = "plugins"
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)

	historyCmd.GroupID = "diagnostics"
	snapshotCmd.GroupID = "diagnostics"
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

// FormatError renders err with any hints attached to it.
func FormatError(err error) string {
	var b strings.Builder
	b.WriteString(errorColor.Sprintf("Error: %v", err))
	for _, hint := range errors.GetAllHints(err) {
		b.WriteString("\n")
		b.WriteString(dimColor.Sprintf("hint: %s", hint))
	}
	return b.String()
}
