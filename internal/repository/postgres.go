package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/util"
)

const (
	pgInsertHostMetric = `INSERT INTO host_metrics (time, host_id, metric_name, metric_value, metric_meta)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (time, host_id, metric_name) DO NOTHING`

	pgInsertProcessMetric = `INSERT INTO process_metrics (time, host_id, pid, proc_name, cpu_pct, mem_mb, io_read_bytes, io_write_bytes, threads)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (time, host_id, pid) DO NOTHING`
)

var hypertables = []string{"host_metrics", "process_metrics"}

// PostgresStore writes metrics through a pgx connection pool. The pool is
// created by Init and released by Close.
type PostgresStore struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	config config.PostgresConfig
	logger *util.MetricsLogger
}

func NewPostgresStore(cfg config.PostgresConfig, logger *util.MetricsLogger) *PostgresStore {
	return &PostgresStore{config: cfg, logger: logger}
}

// CreateConnectionString renders libpq keyword/value pairs, quoting every value.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func (s *PostgresStore) connString() string {
	if s.config.URL != "" {
		return s.config.URL
	}
	return CreateConnectionString(s.config.ConnectionValues())
}

func (s *PostgresStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	poolConfig, err := pgxpool.ParseConfig(s.connString())
	if err != nil {
		return errors.Wrap(err, "error parsing postgres connection settings")
	}
	if s.config.MaxConns > 0 {
		poolConfig.MaxConns = s.config.MaxConns
	}
	poolConfig.MinConns = s.config.MinConns

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return errors.Wrap(err, "error connecting to postgres")
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, "error pinging postgres")
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		pool.Close()
		return err
	}
	if err = updateDatabase(ctx, pgVersioned{pool}, migrations, s.logger); err != nil {
		pool.Close()
		return err
	}
	if s.config.Timescale {
		if err = s.enableHypertables(ctx, pool); err != nil {
			pool.Close()
			return err
		}
	}

	s.pool = pool
	s.logger.LogEvent(util.LOG_LEVEL_INFO, "PostgresStore initialized with pool size", poolConfig.MinConns, "-", poolConfig.MaxConns)
	return nil
}

// enableHypertables converts both metric tables into TimescaleDB hypertables
// partitioned on time. Without the extension the tables stay plain.
func (s *PostgresStore) enableHypertables(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS timescaledb`); err != nil {
		s.logger.LogEvent(util.LOG_LEVEL_WARN, "TimescaleDB extension unavailable, keeping plain tables. Err -", err)
		return nil
	}
	for _, table := range hypertables {
		_, err := pool.Exec(ctx,
			`SELECT create_hypertable($1::regclass, 'time', if_not_exists => TRUE, migrate_data => TRUE)`, table)
		if err != nil {
			return errors.Wrapf(err, "error converting %s to a hypertable", table)
		}
	}
	return nil
}

func (s *PostgresStore) handle() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, ErrStoreNotInitialized
	}
	return s.pool, nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx domain.MetricTx) error) (err error) {
	pool, err := s.handle()
	if err != nil {
		return pgError("acquire", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		serr := pgError("acquire", err)
		serr.Transient = true
		return serr
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return pgError("begin", err)
	}
	defer func() {
		// the request context may already be done; the rollback must still run
		if p := recover(); p != nil {
			_ = tx.Rollback(context.Background())
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.handle()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertHostMetrics(ctx context.Context, rows []domain.HostMetricRow) (int, error) {
	return t.execBatch(ctx, "insert host_metrics", pgInsertHostMetric, len(rows), func(i int) []interface{} {
		return rows[i].Values()
	})
}

func (t *pgTx) InsertProcessMetrics(ctx context.Context, rows []domain.ProcessMetricRow) (int, error) {
	return t.execBatch(ctx, "insert process_metrics", pgInsertProcessMetric, len(rows), func(i int) []interface{} {
		return rows[i].Values()
	})
}

// execBatch sends all rows in a single round trip.
func (t *pgTx) execBatch(ctx context.Context, op, query string, n int, values func(i int) []interface{}) (int, error) {
	if n == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := 0; i < n; i++ {
		batch.Queue(query, values(i)...)
	}

	results := t.tx.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return 0, pgError(op, errors.Wrapf(err, "row %d", i))
		}
	}
	if err := results.Close(); err != nil {
		return 0, pgError(op, err)
	}
	return n, nil
}

type pgVersioned struct {
	pool *pgxpool.Pool
}

func (v pgVersioned) exec(ctx context.Context, sql string) error {
	_, err := v.pool.Exec(ctx, sql)
	return err
}

func (v pgVersioned) readVersion(ctx context.Context) (int, error) {
	_, err := v.pool.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, err
	}

	var version int
	err = v.pool.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version)
	return version, err
}

func (v pgVersioned) setVersion(ctx context.Context, version int) error {
	_, err := v.pool.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return err
}

// pgError wraps err as a StorageError carrying the SQLSTATE. Serialization
// failures, deadlocks, connection exceptions and server shutdowns are
// transient.
func pgError(op string, err error) *domain.StorageError {
	serr := &domain.StorageError{
		Op:        op,
		Err:       errors.WithStack(err),
		Transient: pgconn.SafeToRetry(err) || pgconn.Timeout(err),
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		serr.Code = pgErr.Code
		switch pgErr.Code {
		case pgerrcode.SerializationFailure,
			pgerrcode.DeadlockDetected,
			pgerrcode.TooManyConnections,
			pgerrcode.AdminShutdown,
			pgerrcode.CrashShutdown,
			pgerrcode.CannotConnectNow:
			serr.Transient = true
		default:
			serr.Transient = strings.HasPrefix(pgErr.Code, "08")
		}
	}
	return serr
}
