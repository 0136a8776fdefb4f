package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openstreamrotator/osrweb/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if output == "" {
				output = "osrweb.json"
			}
			return writeStarterConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./osrweb.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr":            ":8080",
			"allowed_origins": []string{"*"},
			"public_url":      "",
		},
		"auth": map[string]any{
			"provider":   "builtin",
			"jwt_secret": secret,
			"jwt_expiry": "24h",
			"discord": map[string]any{
				"client_id":     "",
				"client_secret": "",
				"redirect_uri":  "http://localhost:8080/auth/discord/callback",
			},
		},
		"storage": map[string]any{
			"driver": "sqlite",
			"dsn":    "osrweb.db",
		},
		"relay": map[string]any{
			"log_cache_size": 2000,
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s — fill in the discord oauth credentials before starting\n", path)
	return nil
}
