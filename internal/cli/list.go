package cli

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
)

var (
	listCategory   string
	listFramework  string
	listCompatible bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available plugins",
	Long: `List the plugins in the catalog.

Filters combine: --category and --framework narrow the catalog, and
--compatible keeps only plugins that fit the detected project.`,
	Example: `  plugkit list
  plugkit list --category state
  plugkit list --framework vue
  plugkit list --compatible --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listCategory, "category", "", "Only show plugins in this category")
	listCmd.Flags().StringVar(&listFramework, "framework", "", "Only show plugins supporting this framework")
	listCmd.Flags().BoolVar(&listCompatible, "compatible", false, "Only show plugins compatible with the project")

	_ = listCmd.RegisterFlagCompletionFunc("category", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var names []string
		for _, c := range plugin.Categories() {
			names = append(names, string(c))
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	})
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	plugins := a.registry.All()

	if listCategory != "" {
		category := plugin.Category(strings.ToLower(listCategory))
		if !category.Valid() {
			return errors.WithHint(
				errors.Newf("unknown category %q", listCategory),
				"valid categories: "+categoryNames(),
			)
		}
		plugins = intersect(plugins, a.registry.ByCategory(category))
	}

	if listFramework != "" {
		plugins = intersect(plugins, a.registry.ByFramework(project.Framework(strings.ToLower(listFramework))))
	}

	if listCompatible {
		pctx, err := a.detectProject()
		if err != nil {
			return err
		}
		plugins = intersect(plugins, a.registry.Compatible(pctx))
	}

	installed, err := a.tracker.Load()
	if err != nil {
		a.log.Debugw("tracker unavailable", "error", err)
		installed = nil
	}

	return printPlugins(cmd, plugins, installed, "No plugins match")
}

// intersect keeps the plugins of base that also appear in keep, in base order.
func intersect(base, keep []plugin.Plugin) []plugin.Plugin {
	names := make(map[string]bool, len(keep))
	for _, p := range keep {
		names[p.Info().Name] = true
	}
	out := make([]plugin.Plugin, 0, len(base))
	for _, p := range base {
		if names[p.Info().Name] {
			out = append(out, p)
		}
	}
	return out
}

func categoryNames() string {
	cats := plugin.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
