package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"duck-semantic/internal/api"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/middleware"
	"duck-semantic/internal/schema"
	"duck-semantic/internal/service/refresh"
)

func newServeCmd(a *app) *cobra.Command {
	var noRefresh bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: "Serves /v1/sql, /v1/load, /v1/meta and /v1/pre-aggregations. With the DuckDB dialect\n" +
			"queries are executed and a background worker keeps rollups fresh on REFRESH_SCHEDULE.\n" +
			"SIGHUP reloads the model.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			for _, w := range a.cfg.Warnings {
				a.logger.Warn(w)
			}

			compiled, err := a.loadSchema(ctx)
			if err != nil {
				return err
			}
			var current atomic.Pointer[schema.Compiled]
			current.Store(compiled)
			schemaFn := current.Load
			go a.reloadOnHangup(ctx, &current)

			sem, err := a.semantic()
			if err != nil {
				return err
			}

			var (
				exec      domain.QueryExecutor
				refresher api.Refresher
			)
			if rt, err := a.openRuntime(ctx); err == nil {
				defer rt.Close()
				exec = rt.exec
				svc := a.refreshService(rt, sem, schemaFn)
				refresher = svc
				if !noRefresh {
					sched := refresh.NewScheduler(svc, a.logger)
					if err := sched.Start(ctx, a.cfg.RefreshSchedule); err != nil {
						return err
					}
					defer sched.Stop()
				}
			} else if errors.Is(err, errNeedsDuckDB) {
				a.logger.Info("query execution disabled", "dialect", a.cfg.Dialect)
			} else {
				return err
			}

			rc := api.RouterConfig{
				AllowedOrigins: a.cfg.CORSAllowedOrigins,
				Logger:         a.logger,
			}
			if a.cfg.APISecret != "" {
				v, err := middleware.NewHS256Validator(a.cfg.APISecret)
				if err != nil {
					return err
				}
				rc.Validator = v
			}
			if a.cfg.LoadRateLimitRPS > 0 {
				rc.LoadRateLimit = &middleware.RateLimitConfig{
					RequestsPerSecond: a.cfg.LoadRateLimitRPS,
					Burst:             a.cfg.LoadRateLimitBurst,
				}
			}

			h := api.NewHandler(sem, schemaFn, exec, refresher, a.logger)
			return api.ListenAndServe(ctx, a.cfg.ListenAddr, api.NewRouter(h, rc), a.logger)
		},
	}
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "Do not run the background rollup refresh")
	return cmd
}

// reloadOnHangup swaps in a freshly loaded model on SIGHUP. A model that
// fails to load is logged and the previous one stays active.
func (a *app) reloadOnHangup(ctx context.Context, current *atomic.Pointer[schema.Compiled]) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			compiled, err := a.loadSchema(ctx)
			if err != nil {
				a.logger.Error("reload model", "error", err)
				continue
			}
			current.Store(compiled)
			a.logger.Info("model reloaded", "source", a.cfg.SchemaSource)
		}
	}
}
