// Package app wires a workspace into a ready engine: config, logger, database,
// migrations and metrics.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"sitswap/internal/config"
	"sitswap/internal/db"
	"sitswap/internal/engine"
	"sitswap/internal/logging"
	"sitswap/internal/metrics"
	"sitswap/internal/migrate"
	"sitswap/internal/server"
)

type App struct {
	Workspace     string
	DB            *sql.DB
	Config        *config.Config
	Log           *logrus.Logger
	Metrics       *metrics.Metrics
	Engine        engine.Engine
	SchemaVersion int
}

// Open loads sitswap.yml if present, then opens and migrates the workspace
// database. Logs go to logOut.
func Open(ctx context.Context, workspace string, logOut io.Writer) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log, logOut)
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("schema version: %w", err)
	}
	m := metrics.New()
	e := engine.New(conn, cfg)
	e.Log = log
	e.Metrics = m
	log.WithFields(logrus.Fields{"workspace": workspace, "db": db.Path(workspace), "schema_version": version}).Debug("workspace opened")
	return &App{
		Workspace:     workspace,
		DB:            conn,
		Config:        cfg,
		Log:           log,
		Metrics:       m,
		Engine:        e,
		SchemaVersion: version,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Handler builds the HTTP API from the server section of the config.
func (a *App) Handler(jwtSecret string) (http.Handler, error) {
	ttl, err := a.Config.TokenTTL()
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: jwtSecret, TokenTTL: ttl},
		RateLimit: server.RateLimit{
			RequestsPerSecond: a.Config.Server.RateLimit.RequestsPerSecond,
			Burst:             a.Config.Server.RateLimit.Burst,
		},
		Log:     a.Log,
		Metrics: a.Metrics,
	})
}
