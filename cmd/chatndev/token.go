package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/chatndev/internal/auth"
)

func tokenCmd() *cobra.Command {
	var userFlag, emailFlag, serverFlag string
	var ttlFlag time.Duration
	var saveFlag bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for local development",
		Long:  "Signs a token with the server's jwt_secret. Use --save to store it for chat and push.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if userFlag == "" && emailFlag == "" {
				return fmt.Errorf("--user or --email is required")
			}
			id := auth.Identity{ID: userFlag, Email: emailFlag}
			if id.ID == "" {
				id.ID = id.Email
			}
			tok, err := auth.Issue([]byte(cfg.Auth.JWTSecret), id, ttlFlag)
			if err != nil {
				return err
			}
			if !saveFlag {
				fmt.Println(tok)
				return nil
			}

			cs, err := credentialStore()
			if err != nil {
				return err
			}
			creds := &auth.Credentials{
				Server: serverFlag,
				Token:  tok,
				UserID: id.ID,
				Email:  id.Email,
			}
			if ttlFlag > 0 {
				creds.ExpiresAt = time.Now().Add(ttlFlag).Unix()
			}
			if err := cs.Save(creds); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			fmt.Printf("token for %s saved to %s\n", id.ID, cs.Dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&userFlag, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&emailFlag, "email", "", "user email")
	cmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	cmd.Flags().BoolVar(&saveFlag, "save", false, "save as the default credentials")
	cmd.Flags().StringVar(&serverFlag, "server", "ws://localhost:8080/ws", "gateway URL saved with --save")

	return cmd
}
