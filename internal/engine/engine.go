package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sitswap/internal/config"
	"sitswap/internal/domain"
	"sitswap/internal/events"
	"sitswap/internal/ledger"
	"sitswap/internal/logging"
	"sitswap/internal/metrics"
	"sitswap/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Policy  ledger.Policy
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Policy: ledger.Default,
		Log:    logging.Discard(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// observe records the outcome of a lifecycle operation.
func (e Engine) observe(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	e.Metrics.RecordTransition(operation, outcome)
}

// RecentEvents returns the audit log, newest first.
func (e Engine) RecentEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evts, nil
}

func userNotFound(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return newError(KindNotFound, "user %s not found", id)
	}
	return fmt.Errorf("load user %s: %w", id, err)
}

func requestNotFound(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return newError(KindNotFound, "dogsit request %s not found", id)
	}
	return fmt.Errorf("load dogsit request %s: %w", id, err)
}
