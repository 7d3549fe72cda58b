package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/plugkit/internal/txlog"
)

var (
	historyLimit  int
	historyFailed bool
)

var historyCmd = &cobra.Command{
	Use:   "history [transaction-id]",
	Short: "Show install transaction history",
	Long: `Show recorded install transactions, newest first.

With a transaction id, print every entry logged during that install.`,
	Example: `  plugkit history
  plugkit history --failed
  plugkit history 01J9Z8Q4W6X2V3T5R7N9M1K0PA`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of transactions to show")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "Only show failed transactions")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sink, err := a.history()
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	out := cmd.OutOrStdout()

	if len(args) == 1 {
		tx, err := sink.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(out, tx)
		}
		_, _ = fmt.Fprint(out, txlog.Format(tx))
		return nil
	}

	txs, err := sink.List(cmd.Context(), txlog.ListOpts{Limit: historyLimit, FailedOnly: historyFailed})
	if err != nil {
		return err
	}
	if jsonOutput {
		reports := make([]*txlog.Report, len(txs))
		for i, tx := range txs {
			reports[i] = txlog.NewReport(tx)
		}
		return outputJSON(out, reports)
	}
	printHistory(out, txs)
	return nil
}

func printHistory(w io.Writer, txs []*txlog.Transaction) {
	if len(txs) == 0 {
		PrintEmptyState(w, "No transactions recorded")
		return
	}

	rows := make([][]string, len(txs))
	for i, tx := range txs {
		rows[i] = []string{
			tx.ID,
			tx.StartedAt.Local().Format(time.DateTime),
			txStatus(tx),
			strings.Join(tx.PluginNames, ", "),
			fmt.Sprintf("%d", tx.ErrorCount()),
			fmt.Sprintf("%d", tx.WarningCount()),
		}
	}
	PrintTable(w, []string{"ID", "STARTED", "STATUS", "PLUGINS", "ERRORS", "WARNINGS"}, rows)
}

func txStatus(tx *txlog.Transaction) string {
	switch {
	case !tx.Ended():
		return "in progress"
	case tx.Success:
		return "success"
	default:
		return "failed"
	}
}
