// Package app wires the shared process bootstrap: workspace, database,
// migrations, config, and a fully configured engine.
package app

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"

	"driveline/internal/config"
	"driveline/internal/db"
	"driveline/internal/engine"
	"driveline/internal/migrate"
	"driveline/internal/sign"
)

// App holds the process-wide dependencies built once at startup.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Bootstrap opens the workspace database, applies migrations, loads the
// config, and builds the engine. Signing and verification keys are
// loaded when configured; a missing key file is a startup error, not a
// silent downgrade to unsigned operation.
func Bootstrap(workspace, processName, processVersion string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return bootstrapWith(workspace, processName, processVersion, cfg)
}

// BootstrapOptional is Bootstrap with a default config when
// driveline.yml does not exist yet. Used by commands that must work
// before dl init, like dl init itself.
func BootstrapOptional(workspace, processName, processVersion string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	return bootstrapWith(workspace, processName, processVersion, cfg)
}

func bootstrapWith(workspace, processName, processVersion string, cfg *config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	e := engine.New(conn, cfg.Registration, processName, processVersion)
	if cfg.Signing.PrivateKey != "" {
		key, err := sign.LoadPrivateKey(cfg.Signing.PrivateKey)
		if err != nil {
			conn.Close()
			return nil, err
		}
		e.Signer = sign.NewSigner(key)
	}
	if len(cfg.Signing.PublicKeys) > 0 {
		keys := make([]ed25519.PublicKey, 0, len(cfg.Signing.PublicKeys))
		for _, path := range cfg.Signing.PublicKeys {
			key, err := sign.LoadPublicKey(path)
			if err != nil {
				conn.Close()
				return nil, err
			}
			keys = append(keys, key)
		}
		e.Verifier = sign.NewVerifier(keys...)
	}

	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    e,
	}, nil
}

// Close releases the database connection.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
