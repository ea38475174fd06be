package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/launchpad/db"
)

// Runner applies the launchpad schema through a goose provider.
type Runner struct {
	dsn  string
	fsys fs.FS
	log  *slog.Logger
}

// New returns a Runner. An empty dir selects the migrations compiled into the binary.
func New(dsn, dir string, log *slog.Logger) (Runner, error) {
	if strings.TrimSpace(dsn) == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	fsys, err := migrationsFS(dir)
	if err != nil {
		return Runner{}, err
	}
	return Runner{dsn: dsn, fsys: fsys, log: log}, nil
}

func migrationsFS(dir string) (fs.FS, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		sub, err := fs.Sub(db.Migrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return sub, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	return os.DirFS(dir), nil
}

// Up applies pending migrations.
func (r Runner) Up(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		for _, res := range results {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("migrations applied", "count", len(results))
		return nil
	})
}

// Status logs every known migration and whether it has been applied.
func (r Runner) Status(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			r.log.Info("migration", "version", st.Source.Version, "path", st.Source.Path, "state", string(st.State), "applied_at", st.AppliedAt)
		}
		return nil
	})
}

// Down rolls back the latest migration, or down to target when target > 0.
func (r Runner) Down(ctx context.Context, target int64) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		if target > 0 {
			results, err := p.DownTo(ctx, target)
			for _, res := range results {
				r.logResult(res)
			}
			if err != nil {
				return fmt.Errorf("rollback to version %d: %w", target, err)
			}
			return nil
		}
		res, err := p.Down(ctx)
		if res != nil {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

// Version reports the current schema version.
func (r Runner) Version(ctx context.Context) (int64, error) {
	var version int64
	err := r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func (r Runner) logResult(res *goose.MigrationResult) {
	if res == nil || res.Source == nil {
		return
	}
	attrs := []any{"version", res.Source.Version, "direction", res.Direction, "duration", res.Duration}
	if res.Error != nil {
		r.log.Error("migration failed", append(attrs, "error", res.Error)...)
		return
	}
	r.log.Info("migration", attrs...)
}

func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	conn, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer conn.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, conn, r.fsys)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()

	runCtx, cancelRun := context.WithTimeout(ctx, time.Minute)
	defer cancelRun()
	return fn(runCtx, provider)
}
