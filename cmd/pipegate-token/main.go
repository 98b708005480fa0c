// Command pipegate-token mints a bearer JWT for the jwt auth mode,
// echoing original_source/pipegate/auth.py's `make_jwt_bearer` utility:
// a 21-day-lived token whose subject is the connection id the Client
// will attach under.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pipegate/pipegate/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile      string
		connectionID string
		secret       string
		algorithm    string
		ttl          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pipegate-token",
		Short: "Mint a bearer JWT for a pipegate connection id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("loading .env: %w", err)
			}
			if secret == "" {
				secret = os.Getenv("PIPEGATE_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret (or PIPEGATE_JWT_SECRET) is required")
			}
			if connectionID == "" {
				connectionID = uuid.New().String()
			}

			method := jwt.GetSigningMethod(algorithm)
			if method == nil {
				return fmt.Errorf("unsupported signing algorithm %q", algorithm)
			}

			claims := jwt.RegisteredClaims{
				Subject:   connectionID,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			}
			token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}

			bold := color.New(color.Bold)
			bold.Fprint(os.Stdout, "Connection-id: ")
			fmt.Println(connectionID)
			bold.Fprint(os.Stdout, "JWT Bearer:    ")
			color.Green(token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "path to a .env file of PIPEGATE_* settings")
	flags.StringVar(&connectionID, "connection-id", "", "connection id to mint a token for (random if omitted)")
	flags.StringVar(&secret, "secret", "", "HMAC secret to sign with (defaults to PIPEGATE_JWT_SECRET)")
	flags.StringVar(&algorithm, "algorithm", "HS256", "JWT signing algorithm")
	flags.DurationVar(&ttl, "ttl", 21*24*time.Hour, "token lifetime")

	return cmd
}
