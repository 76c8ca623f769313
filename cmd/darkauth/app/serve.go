// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/install"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/keys"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/metrics"
	"github.com/darkauth/darkauth/pkg/oidc"
	"github.com/darkauth/darkauth/pkg/opaque"
	"github.com/darkauth/darkauth/pkg/otp"
	"github.com/darkauth/darkauth/pkg/ratelimit"
	"github.com/darkauth/darkauth/pkg/server"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
	"github.com/darkauth/darkauth/pkg/storage/sqlcore"
	"github.com/darkauth/darkauth/pkg/storage/transient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DarkAuth server",
	Long: `Start the user and admin HTTP surfaces. On an uninitialized database the
server prints a one-time install token and only serves the install flow
until the first admin completes it.`,
	RunE: runServe,
}

const (
	defaultRateLimitMax    = 30
	defaultRateLimitWindow = time.Minute
)

func init() {
	flags := serveCmd.Flags()
	flags.String("config", "", "Config file (YAML or TOML); flags and environment override it")
	flags.String("user-addr", ":9080", "Listen address for the user surface")
	flags.String("admin-addr", ":9081", "Listen address for the admin surface")
	flags.String("issuer", "http://localhost:9080", "Issuer URL stamped into tokens and discovery")
	flags.String("public-origin", "", "Browser-facing origin seeded into settings; consent redirects become absolute")
	flags.String("db-driver", sqlcore.DriverSQLite, "Database driver: sqlite or postgres")
	flags.String("sqlite-path", defaultSQLitePath(), "SQLite database file (sqlite driver)")
	flags.String("postgres-uri", "", "PostgreSQL connection URI (postgres driver)")
	flags.String("redis-url", "", "Redis URL for login state and rate limits; in-memory when empty")
	flags.String("consent-path", "/", "Path the authorize endpoint hands pending requests to")
	flags.Bool("secure-cookies", true, "Mark session cookies Secure (disable for plain-HTTP development)")
	flags.Bool("is-development", false, "Development mode: session cookies lose the Secure attribute")
	flags.Int64("rate-limit-max", defaultRateLimitMax, "Requests allowed per key per window")
	flags.Duration("rate-limit-window", defaultRateLimitWindow, "Rate limit window")

	// Accepted for config compatibility; the core serves no UI assets and
	// does not do WebAuthn, so both are ignored.
	flags.Bool("proxy-ui", false, "Accepted and ignored; the core serves no UI")
	flags.String("rp-id", "", "Accepted and ignored; reserved for WebAuthn relying-party use")

	viper.SetEnvPrefix("DARKAUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", f.Name, err)
		}
	})

	// The passphrase only travels through the environment, never argv.
	// The older variable names are accepted for existing deployments.
	if err := viper.BindEnv("kek-passphrase",
		"DARKAUTH_KEK_PASSPHRASE", "ZKAUTH_KEK_PASSPHRASE", "KEK_PASSPHRASE"); err != nil {
		logger.Fatalf("Failed to bind kek-passphrase: %v", err)
	}
}

// configKeyAliases maps the camelCase config-file option names onto the flag
// names. Keys arrive lowercased from viper.
var configKeyAliases = map[string]string{
	"useraddr":        "user-addr",
	"adminaddr":       "admin-addr",
	"publicorigin":    "public-origin",
	"dbdriver":        "db-driver",
	"sqlitepath":      "sqlite-path",
	"postgresuri":     "postgres-uri",
	"redisurl":        "redis-url",
	"consentpath":     "consent-path",
	"securecookies":   "secure-cookies",
	"isdevelopment":   "is-development",
	"proxyui":         "proxy-ui",
	"rpid":            "rp-id",
	"kekpassphrase":   "kek-passphrase",
	"ratelimitmax":    "rate-limit-max",
	"ratelimitwindow": "rate-limit-window",
}

// loadConfigFile merges a YAML or TOML config file into viper, accepting
// both the flag names and their camelCase forms. Flags set on the command
// line and environment variables keep precedence over file values; file
// values beat flag defaults.
func loadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	settings := file.AllSettings()
	normalized := make(map[string]any, len(settings))
	for key, value := range settings {
		if canonical, ok := configKeyAliases[key]; ok {
			key = canonical
		}
		normalized[key] = value
	}
	if err := viper.MergeConfigMap(normalized); err != nil {
		return fmt.Errorf("merging config file %s: %w", path, err)
	}
	logger.Infof("Loaded configuration from %s", path)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadConfigFile(viper.GetString("config")); err != nil {
		return err
	}

	passphrase := viper.GetString("kek-passphrase")
	if passphrase == "" {
		return fmt.Errorf("DARKAUTH_KEK_PASSPHRASE must be set")
	}

	store, err := sqlcore.Open(ctx, sqlcore.Config{
		Driver:      viper.GetString("db-driver"),
		SQLitePath:  viper.GetString("sqlite-path"),
		PostgresURI: viper.GetString("postgres-uri"),
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	kekSvc, err := kek.Derive(ctx, store, passphrase)
	if stderrors.Is(err, kek.ErrUninitialized) {
		// First boot. The install flow completes the rest of the setup.
		kekSvc, err = kek.Initialize(ctx, store, passphrase)
	}
	if err != nil {
		return fmt.Errorf("deriving key-encryption key: %w", err)
	}

	setup, err := opaque.LoadOrCreateSetup(ctx, store, kekSvc)
	if err != nil {
		return fmt.Errorf("loading OPAQUE server setup: %w", err)
	}

	transientStore, counter, err := buildTransient(ctx, viper.GetString("redis-url"))
	if err != nil {
		return err
	}
	defer transientStore.Close()

	km := keys.NewManager(store, kekSvc)
	if err := km.Load(ctx); err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}

	// Operator-tunable limits and lifetimes come from the settings rows; the
	// flag values stay in effect until a row exists.
	limiter := ratelimit.NewLimiter(counter,
		viper.GetInt64("rate-limit-max"), viper.GetDuration("rate-limit-window"),
		ratelimit.WithSettings(store))
	mtr := metrics.New()
	rec := audit.NewRecorder(store)
	secure := viper.GetBool("secure-cookies") && !viper.GetBool("is-development")
	sessionOpts := session.SettingsOptions(ctx, store)
	userSessions := session.NewManager(store, storage.CohortUser, secure, sessionOpts...)
	adminSessions := session.NewManager(store, storage.CohortAdmin, secure, sessionOpts...)
	engine := opaque.NewEngine(setup, store, store, transientStore)

	if origin := viper.GetString("public-origin"); origin != "" {
		if err := store.SetSetting(ctx, storage.Setting{
			Key: storage.SettingPublicOrigin, Value: origin, UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("storing public origin: %w", err)
		}
	}

	provider := oidc.NewProvider(oidc.Config{
		Issuer:      viper.GetString("issuer"),
		Clients:     store,
		Pending:     store,
		Codes:       store,
		Users:       store,
		Policy:      store,
		Settings:    store,
		Keys:        km,
		KEK:         kekSvc,
		Sessions:    userSessions,
		StepUp:      otp.NewPolicy(store),
		Limiter:     limiter,
		Audit:       rec,
		Metrics:     mtr,
		ConsentPath: viper.GetString("consent-path"),
	})

	installer, err := install.New(ctx, store, store, engine, km, rec)
	if err != nil {
		return fmt.Errorf("preparing install flow: %w", err)
	}
	if installer.Initialized() {
		if err := km.EnsureKey(ctx); err != nil {
			return fmt.Errorf("ensuring active signing key: %w", err)
		}
	}

	srv := server.New(server.Config{
		UserAddr:  viper.GetString("user-addr"),
		AdminAddr: viper.GetString("admin-addr"),
		Issuer:    viper.GetString("issuer"),
	}, server.Deps{
		Store:         store,
		Transient:     transientStore,
		KEK:           kekSvc,
		Keys:          km,
		Engine:        engine,
		Provider:      provider,
		Installer:     installer,
		Metrics:       mtr,
		Audit:         rec,
		Limiter:       limiter,
		UserSessions:  userSessions,
		AdminSessions: adminSessions,
	})

	return srv.Run(ctx)
}

// defaultSQLitePath places the database under the XDG data directory.
func defaultSQLitePath() string {
	path, err := xdg.DataFile("darkauth/darkauth.db")
	if err != nil {
		return "darkauth.db"
	}
	return path
}

// buildTransient selects the backing for single-use login state and rate
// counters: Redis when a URL is given, process memory otherwise.
func buildTransient(ctx context.Context, redisURL string) (storage.TransientLoginStore, ratelimit.Counter, error) {
	if redisURL == "" {
		return transient.NewMemoryStore(), ratelimit.NewMemoryCounter(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return transient.NewRedisStoreWithClient(client), ratelimit.NewRedisCounter(client), nil
}
