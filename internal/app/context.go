package app

import (
	"context"
	"database/sql"
	"fmt"

	"stitchflow/internal/config"
	"stitchflow/internal/db"
	"stitchflow/internal/engine"
	"stitchflow/internal/migrate"
)

// Open prepares a workspace for use: it opens the SQLite database, applies
// pending migrations, loads stitchflow.yml (built-in defaults when absent),
// and seeds the stage template catalog. The caller owns the returned
// connection.
func Open(ctx context.Context, workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	if err := e.SeedTemplates(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("seed templates: %w", err)
	}
	return e, conn, nil
}
