package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search plugins by name, description or category",
	Example: `  plugkit search router
  plugkit search "state management"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	query := strings.Join(args, " ")
	installed, err := a.tracker.Load()
	if err != nil {
		a.log.Debugw("tracker unavailable", "error", err)
		installed = nil
	}

	return printPlugins(cmd, a.registry.Search(query), installed, "No plugins match \""+query+"\"")
}
