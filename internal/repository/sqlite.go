package repository

import (
	"context"
	"database/sql"
	"strconv"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/util"
)

const (
	sqliteInsertHostMetric = `INSERT INTO host_metrics (time, host_id, metric_name, metric_value, metric_meta)
VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	sqliteInsertProcessMetric = `INSERT INTO process_metrics (time, host_id, pid, proc_name, cpu_pct, mem_mb, io_read_bytes, io_write_bytes, threads)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
)

// SQLiteStore keeps metrics in a local SQLite file. It serves single-node
// deployments and tests; the conflict semantics match PostgresStore.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	logger *util.MetricsLogger
}

func NewSQLiteStore(path string, logger *util.MetricsLogger) *SQLiteStore {
	return &SQLiteStore{dbPath: path, logger: logger}
}

func (s *SQLiteStore) dsn() string {
	return "file:" + s.dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return errors.Wrap(err, "error opening database")
	}
	if s.dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return errors.Wrap(err, "error connecting to database")
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		db.Close()
		return err
	}
	if err = updateDatabase(ctx, sqliteVersioned{db}, migrations, s.logger); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.logger.LogEvent(util.LOG_LEVEL_INFO, "SQLiteStore initialized at", s.dbPath)
	return nil
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreNotInitialized
	}
	return s.db, nil
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx domain.MetricTx) error) (err error) {
	db, err := s.handle()
	if err != nil {
		return sqliteError("acquire", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return sqliteError("acquire", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertHostMetrics(ctx context.Context, rows []domain.HostMetricRow) (int, error) {
	return t.execBatch(ctx, "insert host_metrics", sqliteInsertHostMetric, len(rows), func(i int) []interface{} {
		return rows[i].Values()
	})
}

func (t *sqliteTx) InsertProcessMetrics(ctx context.Context, rows []domain.ProcessMetricRow) (int, error) {
	return t.execBatch(ctx, "insert process_metrics", sqliteInsertProcessMetric, len(rows), func(i int) []interface{} {
		return rows[i].Values()
	})
}

func (t *sqliteTx) execBatch(ctx context.Context, op, query string, n int, values func(i int) []interface{}) (int, error) {
	if n == 0 {
		return 0, nil
	}

	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, sqliteError(op, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, values(i)...); err != nil {
			return 0, sqliteError(op, errors.Wrapf(err, "row %d", i))
		}
	}
	return n, nil
}

type sqliteVersioned struct {
	db *sql.DB
}

func (v sqliteVersioned) exec(ctx context.Context, query string) error {
	_, err := v.db.ExecContext(ctx, query)
	return err
}

func (v sqliteVersioned) readVersion(ctx context.Context) (int, error) {
	_, err := v.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS database_version (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		version INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO database_version (id, version) VALUES (0, 0);`)
	if err != nil {
		return 0, err
	}

	var version int
	err = v.db.QueryRowContext(ctx, `SELECT version FROM database_version WHERE id = 0`).Scan(&version)
	return version, err
}

func (v sqliteVersioned) setVersion(ctx context.Context, version int) error {
	_, err := v.db.ExecContext(ctx, `UPDATE database_version SET version = ? WHERE id = 0`, version)
	return err
}

// sqliteError wraps err as a StorageError. Busy and locked databases are
// reported as transient.
func sqliteError(op string, err error) *domain.StorageError {
	serr := &domain.StorageError{Op: op, Err: errors.WithStack(err)}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		serr.Code = strconv.Itoa(int(sqlErr.ExtendedCode))
		serr.Transient = sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return serr
}
