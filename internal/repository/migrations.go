package repository

import (
	"context"
	"embed"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"telemetry-ingest/internal/util"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

type migration struct {
	id   int
	name string
	sql  string
}

// versionedDB is the minimum a backend provides to run migrations.
type versionedDB interface {
	exec(ctx context.Context, sql string) error
	readVersion(ctx context.Context) (int, error)
	setVersion(ctx context.Context, version int) error
}

// updateDatabase applies, in id order, every migration newer than the
// recorded schema version.
func updateDatabase(ctx context.Context, db versionedDB, migrations []migration, logger *util.MetricsLogger) error {
	version, err := db.readVersion(ctx)
	if err != nil {
		return errors.Wrap(err, "reading schema version")
	}
	logger.LogEvent(util.LOG_LEVEL_INFO, "Current schema version", version)

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		if err := db.exec(ctx, m.sql); err != nil {
			return errors.Wrapf(err, "applying migration %s", m.name)
		}
		version = m.id
		if err := db.setVersion(ctx, version); err != nil {
			return errors.Wrapf(err, "recording schema version %d", version)
		}
		logger.LogEvent(util.LOG_LEVEL_INFO, "Applied migration", m.name)
	}
	return nil
}

// loadMigrations reads the embedded migrations of one dialect. File names
// start with the numeric migration id followed by an underscore.
func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, e := range entries {
		content, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(e.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s has no numeric prefix", e.Name())
		}
		migrations = append(migrations, migration{id: id, name: e.Name(), sql: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].id < migrations[j].id })
	return migrations, nil
}
