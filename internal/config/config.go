// Package config loads pipegate's `PIPEGATE_*` settings from a `.env`
// file and the environment, echoing
// original_source/pipegate/schemas.py's pydantic-settings pattern:
// environment first, with each binary's flags able to override it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server holds pipegate-server's settings.
type Server struct {
	ListenAddr    string
	AuthMode      string // "shared" or "jwt"
	SharedToken   string
	SharedHeader  string
	JWTSecret     string
	JWTAlgorithms []string
	QueueSoftCap  int
	WaiterTimeout time.Duration
	TLSCertFile   string
	TLSKeyFile    string
}

// LoadDotEnv loads a `.env` file from path into the process environment
// if it exists, without overriding variables already set. A missing file
// is not an error — most deployments configure purely via the real
// environment.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// ServerFromEnv builds a Server from PIPEGATE_* environment variables,
// applying the given defaults for anything unset. Flags parsed by the
// caller take precedence by being applied after this call returns.
func ServerFromEnv(defaults Server) (Server, error) {
	s := defaults

	if v := os.Getenv("PIPEGATE_LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv("PIPEGATE_AUTH_MODE"); v != "" {
		s.AuthMode = v
	}
	if v := os.Getenv("PIPEGATE_SHARED_TOKEN"); v != "" {
		s.SharedToken = v
	}
	if v := os.Getenv("PIPEGATE_SHARED_HEADER"); v != "" {
		s.SharedHeader = v
	}
	if v := os.Getenv("PIPEGATE_JWT_SECRET"); v != "" {
		s.JWTSecret = v
	}
	if v := os.Getenv("PIPEGATE_JWT_ALGORITHMS"); v != "" {
		s.JWTAlgorithms = strings.Split(v, ",")
	}
	if v := os.Getenv("PIPEGATE_TLS_CERT_FILE"); v != "" {
		s.TLSCertFile = v
	}
	if v := os.Getenv("PIPEGATE_TLS_KEY_FILE"); v != "" {
		s.TLSKeyFile = v
	}
	if v := os.Getenv("PIPEGATE_QUEUE_SOFT_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("config: PIPEGATE_QUEUE_SOFT_CAP: %w", err)
		}
		s.QueueSoftCap = n
	}
	if v := os.Getenv("PIPEGATE_WAITER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return s, fmt.Errorf("config: PIPEGATE_WAITER_TIMEOUT: %w", err)
		}
		s.WaiterTimeout = d
	}

	return s, nil
}

// Validate checks that the selected auth mode has the credentials it
// needs.
func (s Server) Validate() error {
	switch s.AuthMode {
	case "shared":
		if s.SharedToken == "" {
			return fmt.Errorf("config: auth mode %q requires PIPEGATE_SHARED_TOKEN", s.AuthMode)
		}
	case "jwt":
		if s.JWTSecret == "" {
			return fmt.Errorf("config: auth mode %q requires PIPEGATE_JWT_SECRET", s.AuthMode)
		}
	default:
		return fmt.Errorf("config: unknown auth mode %q (want \"shared\" or \"jwt\")", s.AuthMode)
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("config: TLS cert and key must both be set or both be empty")
	}
	return nil
}
