// Command pipegate-server runs the pipegate reverse-tunnel gateway:
// the public HTTP ingress surface and the WebSocket control channel
// Clients attach to (spec.md §4, §6), echoing
// original_source/pipegate/server.py's `start_server` subcommand.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipegate/pipegate/internal/auth"
	"github.com/pipegate/pipegate/internal/config"
	"github.com/pipegate/pipegate/internal/relay"
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
		listenAddr   string
		authMode     string
		sharedToken  string
		sharedHeader string
		jwtSecret    string
		jwtAlgos     []string
		queueSoftCap int
		waiterTO     time.Duration
		certFile     string
		keyFile      string
	)

	cmd := &cobra.Command{
		Use:   "pipegate-server",
		Short: "Run the pipegate reverse-tunnel gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("loading .env: %w", err)
			}

			cfg, err := config.ServerFromEnv(config.Server{
				ListenAddr:    listenAddr,
				AuthMode:      authMode,
				SharedToken:   sharedToken,
				SharedHeader:  sharedHeader,
				JWTSecret:     jwtSecret,
				JWTAlgorithms: jwtAlgos,
				QueueSoftCap:  queueSoftCap,
				WaiterTimeout: waiterTO,
				TLSCertFile:   certFile,
				TLSKeyFile:    keyFile,
			})
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, &cfg, listenAddr, authMode, sharedToken, sharedHeader, jwtSecret, certFile, keyFile, queueSoftCap, waiterTO)

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "path to a .env file of PIPEGATE_* settings")
	flags.StringVar(&listenAddr, "listen", ":8080", "address to listen on")
	flags.StringVar(&authMode, "auth-mode", "shared", `authentication mode: "shared" or "jwt"`)
	flags.StringVar(&sharedToken, "shared-token", "", "shared secret for shared-token auth mode")
	flags.StringVar(&sharedHeader, "shared-header", "PIPEGATE-CLIENT-TOKEN", "header carrying the shared token")
	flags.StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret for jwt auth mode")
	flags.StringSliceVar(&jwtAlgos, "jwt-algorithms", []string{"HS256"}, "allowed JWT signing algorithms")
	flags.IntVar(&queueSoftCap, "queue-soft-cap", relay.DefaultQueueSoftCap, "per-tunnel outbound queue soft cap")
	flags.DurationVar(&waiterTO, "waiter-timeout", relay.DefaultWaiterTimeout, "ingress waiter deadline")
	flags.StringVar(&certFile, "tls-cert", "", "TLS certificate file (optional)")
	flags.StringVar(&keyFile, "tls-key", "", "TLS key file (optional)")

	return cmd
}

// applyFlagOverrides lets any flag the user actually passed win over the
// environment-derived config, matching
// original_source/pipegate/schemas.py's env-first-but-CLI-overridable
// precedence.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Server, listenAddr, authMode, sharedToken, sharedHeader, jwtSecret, certFile, keyFile string, queueSoftCap int, waiterTO time.Duration) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if f.Changed("auth-mode") {
		cfg.AuthMode = authMode
	}
	if f.Changed("shared-token") {
		cfg.SharedToken = sharedToken
	}
	if f.Changed("shared-header") {
		cfg.SharedHeader = sharedHeader
	}
	if f.Changed("jwt-secret") {
		cfg.JWTSecret = jwtSecret
	}
	if f.Changed("jwt-algorithms") {
		cfg.JWTAlgorithms, _ = f.GetStringSlice("jwt-algorithms")
	}
	if f.Changed("tls-cert") {
		cfg.TLSCertFile = certFile
	}
	if f.Changed("tls-key") {
		cfg.TLSKeyFile = keyFile
	}
	if f.Changed("queue-soft-cap") {
		cfg.QueueSoftCap = queueSoftCap
	}
	if f.Changed("waiter-timeout") {
		cfg.WaiterTimeout = waiterTO
	}
}

func run(cfg config.Server) error {
	logger := log.New(os.Stderr, "pipegate-server: ", log.LstdFlags)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	rl := relay.New(relay.Options{
		Verifier:      verifier,
		QueueSoftCap:  cfg.QueueSoftCap,
		WaiterTimeout: cfg.WaiterTimeout,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: rl.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (auth mode %s)", cfg.ListenAddr, cfg.AuthMode)
		var err error
		if cfg.TLSCertFile != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Printf("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	return rl.Shutdown(ctx)
}

func buildVerifier(cfg config.Server) (auth.Verifier, error) {
	switch strings.ToLower(cfg.AuthMode) {
	case "shared":
		return auth.NewSharedTokenVerifier(cfg.SharedHeader, cfg.SharedToken), nil
	case "jwt":
		return auth.NewSignedTokenVerifier([]byte(cfg.JWTSecret), cfg.JWTAlgorithms), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}
