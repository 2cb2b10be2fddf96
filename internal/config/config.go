// Cutout is a UWS-conformant asynchronous job service.
// Copyright (C) 2025 The Cutout Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads process configuration from the environment, with
// command-line flags layered on top as overrides.
package config

import (
	"flag"
	"os"
	"time"
)

// Config holds every tunable the engine and its HTTP surface need.
type Config struct {
	HTTPAddr string // HTTP_ADDR
	DBPath   string // DATABASE_URL
	// DatabasePassword is accepted for parity with spec.md's enumerated
	// options; the sqlite store in this deployment has no credential of
	// its own, so it is plumbed through but unused by internal/uws/store.
	DatabasePassword string // DATABASE_PASSWORD (do not log value)

	ExecutionDuration time.Duration // EXECUTION_DURATION (0 = no default cap)
	Lifetime          time.Duration // LIFETIME
	WaitTimeout       time.Duration // WAIT_TIMEOUT
	SyncTimeout       time.Duration // SYNC_TIMEOUT
	URLLifetime       time.Duration // URL_LIFETIME

	SigningServiceAccount  string // SIGNING_SERVICE_ACCOUNT
	SigningSecret          string // SIGNING_SECRET (do not log value)
	SigningExternalBaseURL string // SIGNING_EXTERNAL_BASE_URL: public scheme+host signed result URLs are rewritten onto

	WebhookSecret  string // WEBHOOK_SECRET (do not log value)
	QueueActorName string // QUEUE_ACTOR_NAME

	LogLevel string // LOG_LEVEL: debug|info|warn|error
}

// Default returns the engine's built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:               ":8080",
		DBPath:                 "./cutout.db",
		DatabasePassword:       "",
		ExecutionDuration:      10 * time.Minute,
		Lifetime:               24 * time.Hour,
		WaitTimeout:            10 * time.Minute,
		SyncTimeout:            30 * time.Second,
		URLLifetime:            15 * time.Minute,
		SigningServiceAccount:  "cutout-signer",
		SigningSecret:          "",
		SigningExternalBaseURL: "https://cutouts.example.org",
		WebhookSecret:          "",
		QueueActorName:         "cutout",
		LogLevel:               "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load builds the Config from env vars, then layers command-line flag
// overrides from args (typically os.Args[1:]) on top.
func Load(args []string) (Config, error) {
	def := Default()

	cfg := Config{
		HTTPAddr:               getenv("HTTP_ADDR", def.HTTPAddr),
		DBPath:                 getenv("DATABASE_URL", def.DBPath),
		DatabasePassword:       getenv("DATABASE_PASSWORD", def.DatabasePassword),
		ExecutionDuration:      getenvDuration("EXECUTION_DURATION", def.ExecutionDuration),
		Lifetime:               getenvDuration("LIFETIME", def.Lifetime),
		WaitTimeout:            getenvDuration("WAIT_TIMEOUT", def.WaitTimeout),
		SyncTimeout:            getenvDuration("SYNC_TIMEOUT", def.SyncTimeout),
		URLLifetime:            getenvDuration("URL_LIFETIME", def.URLLifetime),
		SigningServiceAccount:  getenv("SIGNING_SERVICE_ACCOUNT", def.SigningServiceAccount),
		SigningSecret:          getenv("SIGNING_SECRET", def.SigningSecret),
		SigningExternalBaseURL: getenv("SIGNING_EXTERNAL_BASE_URL", def.SigningExternalBaseURL),
		WebhookSecret:          getenv("WEBHOOK_SECRET", def.WebhookSecret),
		QueueActorName:         getenv("QUEUE_ACTOR_NAME", def.QueueActorName),
		LogLevel:               getenv("LOG_LEVEL", def.LogLevel),
	}

	fs := flag.NewFlagSet("cutout", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "database-url", cfg.DBPath, "sqlite database path")
	fs.DurationVar(&cfg.ExecutionDuration, "execution-duration", cfg.ExecutionDuration, "default per-job execution duration cap (0 disables)")
	fs.DurationVar(&cfg.Lifetime, "lifetime", cfg.Lifetime, "default destruction-time offset from creation")
	fs.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "maximum long-poll wait")
	fs.DurationVar(&cfg.SyncTimeout, "sync-timeout", cfg.SyncTimeout, "maximum wait in the sync façade")
	fs.DurationVar(&cfg.URLLifetime, "url-lifetime", cfg.URLLifetime, "signed-URL TTL")
	fs.StringVar(&cfg.SigningServiceAccount, "signing-service-account", cfg.SigningServiceAccount, "identity used by the signed-URL minter")
	fs.StringVar(&cfg.SigningExternalBaseURL, "signing-external-base-url", cfg.SigningExternalBaseURL, "public scheme+host signed result URLs are rewritten onto")
	fs.StringVar(&cfg.QueueActorName, "queue-actor-name", cfg.QueueActorName, "work-queue actor name this deployment dispatches to")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// RedactedSecret returns s with all but its first and last two
// characters replaced, safe to include in logs.
func RedactedSecret(s string) string {
	if len(s) <= 4 {
		if s == "" {
			return ""
		}
		return "****"
	}
	stars := ""
	for i := 0; i < len(s)-4; i++ {
		stars += "*"
	}
	return s[:2] + stars + s[len(s)-2:]
}

// LogFields returns a flattened key/value list suitable for
// slog.Logger.Info("config", cfg.LogFields()...), with secrets redacted.
func (c Config) LogFields() []any {
	return []any{
		"http_addr", c.HTTPAddr,
		"database_url", c.DBPath,
		"database_password", redactIfSet(c.DatabasePassword),
		"execution_duration", c.ExecutionDuration.String(),
		"lifetime", c.Lifetime.String(),
		"wait_timeout", c.WaitTimeout.String(),
		"sync_timeout", c.SyncTimeout.String(),
		"url_lifetime", c.URLLifetime.String(),
		"signing_service_account", c.SigningServiceAccount,
		"signing_secret", redactIfSet(c.SigningSecret),
		"signing_external_base_url", c.SigningExternalBaseURL,
		"webhook_secret", redactIfSet(c.WebhookSecret),
		"queue_actor_name", c.QueueActorName,
		"log_level", c.LogLevel,
	}
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return RedactedSecret(s)
}
