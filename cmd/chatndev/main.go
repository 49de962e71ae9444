package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:           "chatndev",
		Short:         "chatndev: chat rooms that build and run the project they talk about",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default ./chatndev.yaml or ~/.chatndev/config.yaml)")

	root.AddCommand(
		serveCmd(),
		tokenCmd(),
		projectCmd(),
		chatCmd(),
		pushCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file, falling back to the usual locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfig()
	}
	return config.Load(path)
}

func credentialStore() (*auth.CredentialStore, error) {
	dir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, err
	}
	return auth.NewCredentialStore(dir), nil
}

// clientCredentials merges saved credentials with --server and --token.
func clientCredentials(cmd *cobra.Command) (*auth.Credentials, error) {
	creds := &auth.Credentials{}
	if cs, err := credentialStore(); err == nil {
		if saved, err := cs.Load(); err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		} else if saved != nil {
			creds = saved
		}
	}
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		creds.Server = s
	}
	if t, _ := cmd.Flags().GetString("token"); t != "" {
		creds.Token = t
		creds.ExpiresAt = 0
	}
	if creds.Server == "" {
		creds.Server = "ws://localhost:8080/ws"
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("no token: run 'chatndev token --save' or pass --token")
	}
	if !creds.Valid() {
		return nil, fmt.Errorf("saved token expired: run 'chatndev token --save' again")
	}
	return creds, nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "gateway URL (default from saved credentials, else ws://localhost:8080/ws)")
	cmd.Flags().String("token", "", "bearer token (default from saved credentials)")
}

func expandHome(p string) string {
	if len(p) > 1 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
