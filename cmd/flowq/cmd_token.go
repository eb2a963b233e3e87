package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/flowq/internal/server"
)

var (
	tokenSecret  string
	tokenSubject string
	tokenRole    string
	tokenQueues  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an HS256 bearer token signed with the server's JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("--secret (or FLOWQ_JWT_SECRET) is required")
		}
		switch tokenRole {
		case server.RoleAdmin, server.RoleWorker, server.RoleReadonly:
		default:
			return fmt.Errorf("role must be admin, worker or readonly")
		}
		auth, err := server.NewJWTAuthenticator(tokenSecret)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(tokenSubject, tokenRole, tokenQueues, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenSecret, "secret", os.Getenv("FLOWQ_JWT_SECRET"), "JWT signing secret")
	f.StringVar(&tokenSubject, "subject", "cli", "Token subject")
	f.StringVar(&tokenRole, "role", server.RoleWorker, "Role: admin, worker or readonly")
	f.StringSliceVar(&tokenQueues, "queues", nil, "Queues the token is scoped to (default all)")
	f.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
