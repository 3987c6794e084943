package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"ncrtrack/internal/config"
	"ncrtrack/internal/db"
	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine"
	"ncrtrack/internal/migrate"
)

// AdminPasswordEnv overrides the password of the seeded admin account.
const AdminPasswordEnv = "NCRTRACK_ADMIN_PASSWORD"

// Workspace is an opened, migrated workspace with its engine.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Options selects the workspace to open. ConfigPath, when set, replaces the
// workspace's ncrtrack.yml.
type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *log.Logger
}

// Open opens the workspace database, applies migrations, loads the config
// (falling back to defaults) and seeds the admin account on first use.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Resolve(opts.Workspace, opts.ConfigPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e, err := engine.NewSQLite(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Logger = opts.Logger
	if _, _, err := e.EnsureAdmin(ctx, AdminPassword()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	return &Workspace{DB: conn, Config: cfg, Engine: e}, nil
}

// SchemaVersion reports the applied and the latest embedded schema versions.
func (w *Workspace) SchemaVersion() (current, latest int, err error) {
	if current, err = migrate.CurrentVersion(w.DB); err != nil {
		return 0, 0, err
	}
	if latest, err = migrate.Latest(); err != nil {
		return 0, 0, err
	}
	return current, latest, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

func AdminPassword() string {
	if pw := os.Getenv(AdminPasswordEnv); pw != "" {
		return pw
	}
	return config.DefaultAdminPassword
}

// ResolveActor turns the username given on the command line or in .env into
// an Actor.
func ResolveActor(ctx context.Context, e engine.Engine, username string) (domain.Actor, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Actor{}, fmt.Errorf("actor not specified; use --actor or ncr use-actor <username>")
	}
	return e.ActorFor(ctx, username)
}
