// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/keys"
	"github.com/darkauth/darkauth/pkg/storage/sqlcore"
)

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Generate a new active signing key",
	Long: `Generate a new token signing key and make it active. The previous key stays
in the published JWKS so tokens signed with it keep verifying until they
expire; retire it later once they have.`,
	RunE: runRotateKey,
}

func runRotateKey(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	passphrase := viper.GetString("kek-passphrase")
	if passphrase == "" {
		return fmt.Errorf("DARKAUTH_KEK_PASSPHRASE must be set")
	}

	driver, _ := cmd.Flags().GetString("db-driver")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	postgresURI, _ := cmd.Flags().GetString("postgres-uri")
	store, err := sqlcore.Open(ctx, sqlcore.Config{
		Driver:      driver,
		SQLitePath:  sqlitePath,
		PostgresURI: postgresURI,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	kekSvc, err := kek.Derive(ctx, store, passphrase)
	if err != nil {
		return fmt.Errorf("deriving key-encryption key: %w", err)
	}

	km := keys.NewManager(store, kekSvc)
	if err := km.Load(ctx); err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}
	kid, err := km.Rotate(ctx)
	if err != nil {
		return fmt.Errorf("rotating signing key: %w", err)
	}

	fmt.Printf("New active signing key: %s\n", kid)
	return nil
}

func init() {
	flags := rotateKeyCmd.Flags()
	flags.String("db-driver", sqlcore.DriverSQLite, "Database driver: sqlite or postgres")
	flags.String("sqlite-path", defaultSQLitePath(), "SQLite database file (sqlite driver)")
	flags.String("postgres-uri", "", "PostgreSQL connection URI (postgres driver)")
}
