package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/ecrig/action"
	"github.com/nasa-jpl/ecrig/generichttp/actuator"
	"github.com/nasa-jpl/ecrig/procedure"
	"github.com/nasa-jpl/ecrig/server/middleware/locker"
)

// runProcedure executes every routine of the procedure once with env
func runProcedure(ctx context.Context, r *rig, eng *action.Engine, env *action.Env) (procedure.Report, error) {
	x := procedure.NewExecutor(r.Proc, eng, env, nil)
	return x.Run(ctx)
}

func printReport(rep procedure.Report) {
	fmt.Printf("run %s: %d routines in %v\n", rep.RunID, len(rep.Results), rep.Elapsed.Round(time.Millisecond))
	for _, res := range rep.Results {
		fmt.Printf("  %s: %d steps, ended %s\n", res.Routine, len(res.Steps), res.Final)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the procedure in --config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(doc.Routines) == 0 {
			return fmt.Errorf("%s defines no routines", flags.config)
		}
		return withRig(func(ctx context.Context, r *rig) error {
			eng := action.NewEngine(action.Builtins(), nil, logger)
			rep, err := runProcedure(ctx, r, eng, r.Env)
			printReport(rep)
			return err
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "expose the rig over HTTP",
	Long: `serve exposes the rig over HTTP at the configured addr.  Motion routes are
refused with 423 while a procedure runs; /stop always works.  Prometheus
metrics are served at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRig(serve)
	},
}

func serve(ctx context.Context, r *rig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eng := action.NewEngine(action.Builtins(), action.NewMetrics(reg), logger)

	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "stop")
	runner := actuator.NewRunner(ctx, func(ctx context.Context) (procedure.Report, error) {
		return runProcedure(ctx, r, eng, r.NewEnv())
	}, lock, logger)
	rig := actuator.NewHTTPRig(r.Env.Positioner, r.HAL, r.Proc.Thresholds, runner)
	locker.Inject(rig, lock)

	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(lock.Check)
	rig.RouteTable.Bind(root)
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: doc.Addr, Handler: root}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("now listening for requests", "addr", doc.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		runner.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd)
}
