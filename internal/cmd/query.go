package cmd

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RomainBuono/Emergency-manager/internal/guard"
)

var queryWaitMinutes int

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run one guarded protocol query and print the result as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryWaitMinutes, "wait", 0, "referenced patient wait in minutes (for coherence checks)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "query")
	defer span.End()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.engine.Query(ctx, strings.Join(args, " "), guard.QueryContext{
		WaitMinutes: queryWaitMinutes,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
