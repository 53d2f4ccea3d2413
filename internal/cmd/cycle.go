package cmd

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one decision cycle over the current department snapshot",
	RunE:  runCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cycle")
	defer span.End()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.states.Current()
	if snap == nil {
		return errors.New("no department snapshot: write " + a.cfg.StatePath() + " first")
	}

	dec, err := a.orch.Cycle(ctx, snap)
	if err != nil {
		return err
	}
	if a.audits != nil {
		if err := a.audits.RecordDecision(ctx, dec); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dec)
}
