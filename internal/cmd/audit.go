package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/RomainBuono/Emergency-manager/internal/audit"
	"github.com/RomainBuono/Emergency-manager/internal/config"
)

var (
	auditFormat string
	auditLimit  int
	auditOutput string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and export the signed audit trail",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export query audit records with signature verification",
	Long: `Exports the query audit trail as JSON lines or CSV. Each record is
checked against its HMAC signature; tampered rows export with
signature_valid=false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAuditStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var out io.Writer = os.Stdout
		if auditOutput != "" {
			f, err := os.Create(auditOutput)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		n, err := store.Export(cmd.Context(), out, auditFormat, auditLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d records\n", n)
		return nil
	},
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.AuditSigningKey == "" {
		return nil, fmt.Errorf("audit_signing_key is not configured, no audit trail to export")
	}
	return audit.NewStore(cfg.AuditDBPath(), cfg.AuditSigningKey)
}

func init() {
	auditExportCmd.Flags().StringVar(&auditFormat, "format", "json", "export format (json, csv)")
	auditExportCmd.Flags().IntVar(&auditLimit, "limit", 0, "maximum records (0 = store default)")
	auditExportCmd.Flags().StringVar(&auditOutput, "output", "", "output file (default: stdout)")

	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}
