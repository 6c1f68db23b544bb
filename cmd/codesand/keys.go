package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesand/codesand/internal/auth"
)

var (
	subjectFlag string
	ttlFlag     time.Duration
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed, expiring key",
	Long: `Issue a signed key for a subject. The server accepts it in the key
header until it expires. Requires auth.jwt_secret to be set.

Examples:
  codesand keys issue --subject ircbot --ttl 720h`,
	Args: cobra.NoArgs,
	RunE: runKeysIssue,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysIssueCmd)

	keysIssueCmd.Flags().StringVar(&subjectFlag, "subject", "", "Who the key is for")
	keysIssueCmd.Flags().DurationVar(&ttlFlag, "ttl", 30*24*time.Hour, "How long the key is valid")
	keysIssueCmd.MarkFlagRequired("subject")
}

func runKeysIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ks := auth.NewKeySet(nil, cfg.Auth.JWTSecret)
	token, err := ks.Issue(subjectFlag, ttlFlag)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
