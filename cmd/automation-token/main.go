// Command automation-token prepares credentials for the automation endpoint:
// a bcrypt hash for AUTOMATION_SECRET_BCRYPT or a short-lived bearer token.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/ticket-automation/internal/auth"
)

var errSecretMissing = errors.New("secret is required: pass --secret or set AUTOMATION_SECRET")

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout, os.Getenv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, getenv func(string) string) *cobra.Command {
	root := &cobra.Command{
		Use:          "automation-token",
		Short:        "Automation endpoint credentials",
		Long:         `Hash the shared automation secret or mint a bearer token signed with it.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(newHashCmd(getenv), newTokenCmd(getenv))
	return root
}

func secretFrom(flag string, getenv func(string) string) (string, error) {
	secret := strings.TrimSpace(flag)
	if secret == "" {
		secret = strings.TrimSpace(getenv("AUTOMATION_SECRET"))
	}
	if secret == "" {
		return "", errSecretMissing
	}
	return secret, nil
}

func newHashCmd(getenv func(string) string) *cobra.Command {
	var (
		secret string
		cost   int
	)
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print a bcrypt hash for AUTOMATION_SECRET_BCRYPT",
		Long: `Hash the automation secret so the service can be configured without
the plain value.

Examples:
  automation-token hash --secret=s3cret
  AUTOMATION_SECRET=s3cret automation-token hash --cost=12`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plain, err := secretFrom(secret, getenv)
			if err != nil {
				return err
			}
			hashed, err := auth.HashSecret(plain, cost)
			if err != nil {
				return fmt.Errorf("hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "secret to hash (defaults to AUTOMATION_SECRET)")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func newTokenCmd(getenv func(string) string) *cobra.Command {
	var (
		secret     string
		subject    string
		ttlMinutes int
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for POST /api/automation/run",
		Long: `Mint an HS256 token carrying the automation:run scope.

Examples:
  automation-token token --subject=scheduler
  automation-token token --secret=s3cret --ttl-minutes=5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plain, err := secretFrom(secret, getenv)
			if err != nil {
				return err
			}
			token, expiresAt, err := auth.NewTokenManager(plain, ttlMinutes).GenerateToken(subject)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), "expires", expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to AUTOMATION_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "scheduler", "token subject")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 15, "token lifetime in minutes")
	return cmd
}
