package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"duck-semantic/internal/config"
	internaldb "duck-semantic/internal/db"
	"duck-semantic/internal/db/repository"
	"duck-semantic/internal/dialect"
	"duck-semantic/internal/engine"
	"duck-semantic/internal/schema"
	"duck-semantic/internal/service/refresh"
	"duck-semantic/internal/service/semantic"
)

// app holds the resolved configuration shared by the commands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	output       string
	envFile      string
	schemaFlag   string
	dialectFlag  string
	logLevelFlag string

	cfg    *config.Config
	logger *slog.Logger
}

// init resolves configuration with flag > env > .env > default precedence.
func (a *app) init(_ *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.schemaFlag != "" {
		cfg.SchemaSource = a.schemaFlag
	}
	if a.dialectFlag != "" {
		d, err := dialect.Get(strings.ToLower(a.dialectFlag))
		if err != nil {
			return err
		}
		cfg.Dialect = d.Name()
	}
	if a.logLevelFlag != "" {
		cfg.LogLevel = a.logLevelFlag
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.SlogLevel())
	return nil
}

// newLogger writes colored text to terminals and JSON everywhere else.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) loadSchema(ctx context.Context) (*schema.Compiled, error) {
	return schema.LoadLocation(ctx, a.cfg.SchemaSource, a.cfg.Remote, a.cfg.SchemaOptions(), a.logger)
}

func (a *app) semantic() (*semantic.Service, error) {
	d, err := dialect.Get(a.cfg.Dialect)
	if err != nil {
		return nil, err
	}
	return semantic.NewService(d, a.logger,
		semantic.WithDefaultTimezone(a.cfg.DefaultTimezone),
		semantic.WithPreAggregationsSchema(a.cfg.PreAggregationsSchema),
	), nil
}

var errNeedsDuckDB = errors.New("running SQL needs SQL_DIALECT=duckdb (or --dialect duckdb)")

// runtime is the execution side: DuckDB plus the freshness store.
type runtime struct {
	duck    *sql.DB
	exec    *engine.DuckDBExecutor
	writeDB *sql.DB
	readDB  *sql.DB
}

func (a *app) openExecutor() (*sql.DB, *engine.DuckDBExecutor, error) {
	if a.cfg.Dialect != (dialect.DuckDB{}).Name() {
		return nil, nil, errNeedsDuckDB
	}
	duck, err := engine.OpenDuckDB(a.cfg.DuckDBPath)
	if err != nil {
		return nil, nil, err
	}
	r := a.cfg.Remote
	if err := engine.CreateSecrets(context.Background(), duck, engine.ObjectStoreCredentials{
		S3KeyID:          r.S3KeyID,
		S3Secret:         r.S3Secret,
		S3Endpoint:       r.S3Endpoint,
		S3Region:         r.S3Region,
		S3URLStyle:       a.cfg.S3URLStyle,
		GCSKeyFile:       r.GCSCredentialsFile,
		AzureAccountName: r.AzureAccountName,
		AzureAccountKey:  r.AzureAccountKey,
	}); err != nil {
		_ = duck.Close()
		return nil, nil, err
	}
	return duck, engine.NewDuckDBExecutor(duck, a.logger), nil
}

func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	duck, exec, err := a.openExecutor()
	if err != nil {
		return nil, err
	}
	writeDB, readDB, err := internaldb.OpenStore(ctx, a.cfg.MetaDBPath)
	if err != nil {
		_ = duck.Close()
		return nil, fmt.Errorf("open freshness store: %w", err)
	}
	return &runtime{duck: duck, exec: exec, writeDB: writeDB, readDB: readDB}, nil
}

func (r *runtime) Close() {
	_ = r.readDB.Close()
	_ = r.writeDB.Close()
	_ = r.duck.Close()
}

func (a *app) refreshService(rt *runtime, sem *semantic.Service, schemaFn refresh.SchemaFunc) *refresh.Service {
	var opts []refresh.Option
	if a.cfg.RefreshRateLimit > 0 {
		opts = append(opts, refresh.WithRateLimit(a.cfg.RefreshRateLimit))
	}
	return refresh.NewService(sem, schemaFn, rt.exec,
		repository.NewPreAggregationStateRepo(rt.writeDB),
		repository.NewRefreshRunRepo(rt.writeDB),
		a.logger, opts...)
}
