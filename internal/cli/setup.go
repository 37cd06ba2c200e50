package cli

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/dbconn"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/queue"
	"github.com/partitioncache/partitioncache/internal/util"
	"github.com/partitioncache/partitioncache/pkg/partitioncache"
)

// Runtime is the fully wired stack one pcache binary runs against: the
// configuration, the shared connection pool, the reference Postgres backend
// for the configured partition key, the durable queue store, and the public
// Client over all of it.
type Runtime struct {
	Cfg      *config.Config
	Conn     *dbconn.PgxConn
	Backend  cache.Backend
	Store    queue.Store
	Exec     queue.Executor
	Client   *partitioncache.Client
	Logger   *zap.Logger
	Datatype pktype.Datatype
}

// Open loads configuration and connects everything. Configuration failures
// carry config.ErrInvalid so main maps them to exit code 2; everything else
// is a runtime failure (exit 3).
func Open(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, util.WrapError("build logger", err)
	}

	conn, err := dbconn.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	dt, err := cfg.ParsedDatatype()
	if err != nil {
		conn.Close()
		return nil, err
	}

	kind, err := cfg.BackendKind()
	if err != nil {
		conn.Close()
		return nil, err
	}

	pk := cfg.Cache.PartitionKey

	backend, err := cache.OpenPostgresBackend(ctx, conn, cache.Naming{Prefix: cfg.Cache.TablePrefix}, pk, dt, kind, cfg.Cache.DefaultBitsize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	store, err := queue.OpenPostgresStore(ctx, conn, cfg.Cache.TablePrefix)
	if err != nil {
		conn.Close()
		return nil, err
	}

	exec := queue.ConnExecutor{Conn: conn}
	backends := map[string]cache.Backend{pk: backend}

	client := partitioncache.New(store, backends, exec, partitioncache.Options{
		FactTable: cfg.Cache.FactTable,
		Declared:  map[string]pktype.Datatype{pk: dt},
		Worker: queue.Options{
			StatementTimeout: cfg.Queue.Timeout,
			ResultLimit:      cfg.Queue.ResultLimit,
			StaleAfter:       cfg.Queue.StaleAfter,
		},
		QueueMaxSize: cfg.Queue.MaxSize,
		Logger:       logger,
	})

	return &Runtime{
		Cfg:      cfg,
		Conn:     conn,
		Backend:  backend,
		Store:    store,
		Exec:     exec,
		Client:   client,
		Logger:   logger,
		Datatype: dt,
	}, nil
}

// Close releases the connection pool and flushes the logger.
func (r *Runtime) Close() {
	r.Conn.Close()
	_ = r.Logger.Sync()
}

// DatabaseName extracts the database name out of a connection URL, for the
// derived job names. It tolerates DSNs it cannot parse by returning
// the whole trailing segment.
func DatabaseName(url string) string {
	trimmed := strings.TrimRight(url, "/")

	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}

	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}

	return trimmed
}
