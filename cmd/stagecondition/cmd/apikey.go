package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/flowflex/stagecondition/internal/core/auth"
	"github.com/flowflex/stagecondition/internal/core/config"
	"github.com/flowflex/stagecondition/internal/core/db"
	"github.com/flowflex/stagecondition/internal/types"
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage tenant API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for a tenant",
	RunE:  runAPIKeyCreate,
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:   "revoke API_KEY_ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyRevokeCmd)

	apiKeyCreateCmd.Flags().String("tenant", "", "tenant id the key authenticates as")
	apiKeyCreateCmd.Flags().String("name", "", "human readable key name")
	apiKeyCreateCmd.Flags().String("secret-id", "", "HMAC secret to sign with (defaults to the only configured secret)")
	_ = apiKeyCreateCmd.MarkFlagRequired("tenant")
}

func openAuthenticator(cmd *cobra.Command) (*auth.Authenticator, map[string][]byte, func() error, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}

	conn, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	queries, err := db.LoadQueries(conn)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return auth.NewAuthenticator(secrets, queries), secrets, conn.Close, nil
}

func runAPIKeyCreate(cmd *cobra.Command, _ []string) error {
	authenticator, secrets, closeDB, err := openAuthenticator(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	secretID, _ := cmd.Flags().GetString("secret-id")
	if secretID == "" {
		if len(secrets) != 1 {
			ids := make([]string, 0, len(secrets))
			for id := range secrets {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return fmt.Errorf("--secret-id required when %d secrets are configured %v", len(secrets), ids)
		}
		for id := range secrets {
			secretID = id
		}
	}

	id, key, err := authenticator.Issue(cmd.Context(), types.TenantID(tenant), secretID, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "api_key_id: %s\napi_key:    %s\n", id, key)
	fmt.Fprintln(cmd.ErrOrStderr(), "The key is shown once. Store it now.")
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	authenticator, _, closeDB, err := openAuthenticator(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := authenticator.Revoke(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
	return nil
}
