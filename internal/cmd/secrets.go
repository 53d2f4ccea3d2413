package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RomainBuono/Emergency-manager/internal/config"
	"github.com/RomainBuono/Emergency-manager/internal/secrets"
)

var (
	secretValue      string
	secretComponents []string
	secretForbidden  []string
	secretLogLimit   int
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted credential vault",
	Long: `Store and inspect operational credentials (reasoning API key, audit
signing key) encrypted at rest. Requires EMERGENCY_SECRETS_KEY.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a credential (value via --value or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		value := []byte(secretValue)
		if secretValue == "" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading value from stdin: %w", err)
			}
			value = []byte(strings.TrimSpace(string(data)))
		}
		if len(value) == 0 {
			return fmt.Errorf("empty credential value")
		}

		scope := secrets.Scope{Components: secretComponents, Forbidden: secretForbidden}
		if err := vault.Set(cmd.Context(), args[0], value, scope); err != nil {
			return err
		}
		fmt.Printf("credential %s stored\n", args[0])
		return nil
	},
}

var secretsGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Read a credential value (access is logged)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		cred, err := vault.Get(cmd.Context(), args[0], "cli")
		if err != nil {
			return err
		}
		fmt.Println(string(cred.Value))
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials (values are never shown)",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		metas, err := vault.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("vault is empty")
			return nil
		}
		for _, m := range metas {
			scope := "all components"
			if len(m.Scope.Components) > 0 {
				scope = strings.Join(m.Scope.Components, ",")
			}
			fmt.Printf("%-24s scope=%-20s accesses=%d\n", m.Name, scope, m.AccessCount)
		}
		return nil
	},
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Re-encrypt a credential with a fresh nonce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		if err := vault.Rotate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("credential %s rotated\n", args[0])
		return nil
	},
}

var secretsLogCmd = &cobra.Command{
	Use:   "log [name]",
	Short: "Show the credential access log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		records, err := vault.AccessLog(cmd.Context(), name, secretLogLimit)
		if err != nil {
			return err
		}
		for _, r := range records {
			outcome := "allowed"
			if !r.Allowed {
				outcome = "DENIED (" + r.Reason + ")"
			}
			fmt.Printf("%s  %-24s %-10s %s\n", r.Timestamp.Format("2006-01-02 15:04:05"), r.Name, r.Component, outcome)
		}
		return nil
	},
}

func openVault() (*secrets.Vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.SecretsKey == "" {
		return nil, fmt.Errorf("secrets_key is not configured (set EMERGENCY_SECRETS_KEY)")
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	return secrets.Open(cfg.VaultDBPath(), cfg.SecretsKey)
}

func init() {
	secretsSetCmd.Flags().StringVar(&secretValue, "value", "", "credential value (omit to read from stdin)")
	secretsSetCmd.Flags().StringSliceVar(&secretComponents, "components", nil, "components allowed to read (default: all)")
	secretsSetCmd.Flags().StringSliceVar(&secretForbidden, "forbidden", nil, "components explicitly denied")
	secretsLogCmd.Flags().IntVar(&secretLogLimit, "limit", 50, "maximum log entries")

	secretsCmd.AddCommand(secretsSetCmd, secretsGetCmd, secretsListCmd, secretsRotateCmd, secretsLogCmd)
	rootCmd.AddCommand(secretsCmd)
}
