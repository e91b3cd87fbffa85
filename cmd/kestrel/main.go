// Command kestrel runs security-automation workflows: it validates a
// definition, executes it through the run registry, and prints the final
// snapshot and step results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kestrelsec/kestrel/internal/audit"
	"github.com/kestrelsec/kestrel/internal/capability"
	"github.com/kestrelsec/kestrel/internal/engine"
	"github.com/kestrelsec/kestrel/internal/expressions"
	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/scheduler"
	"github.com/kestrelsec/kestrel/internal/store"
	"github.com/kestrelsec/kestrel/internal/validation"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var code int
	switch os.Args[1] {
	case "run":
		code = cmdRun(cfg, logger, os.Args[2:])
	case "schedule":
		code = cmdSchedule(cfg, logger, os.Args[2:])
	case "validate":
		code = cmdValidate(logger, os.Args[2:])
	case "capabilities":
		code = cmdCapabilities()
	default:
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  kestrel run <workflow.json> [params.json]        execute a workflow and wait
  kestrel schedule <cron> <workflow.json> [params.json]
                                                   submit a workflow on a cron schedule
  kestrel validate <workflow.json>                 check a definition without running it
  kestrel capabilities                             list built-in capabilities`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func builtinCapabilities() (*capability.Registry, error) {
	caps := capability.NewRegistry()
	httpCfg := capability.HTTPConfig{}
	for _, c := range []capability.Capability{
		capability.NewHTTPRequestCapability(httpCfg),
		capability.NewHTTPGetCapability(httpCfg),
		capability.NewHTTPPostCapability(httpCfg),
		capability.NewCommandRunCapability(capability.CommandConfig{}),
		capability.NewExprEvalCapability(),
		capability.NewJQTransformCapability(),
	} {
		if err := caps.Register(c); err != nil {
			return nil, err
		}
	}
	return caps, nil
}

func cmdCapabilities() int {
	caps, err := builtinCapabilities()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, info := range caps.List() {
		fmt.Printf("%-16s %s\n", info.Name, info.Description)
	}
	return 0
}

func loadParams(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return params, nil
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

func cmdValidate(logger *slog.Logger, args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	def, err := loadDefinition(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	caps, err := builtinCapabilities()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	validator, err := validation.NewValidator(caps, cel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := validator.ValidateDefinition(def); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %s\n", err)
		return 1
	}
	fmt.Printf("%s: ok (%d steps)\n", def.Name, len(def.Steps))
	return 0
}

// runtime bundles the engine stack shared by the run and schedule commands.
type runtime struct {
	registry  *engine.Registry
	validator *validation.Validator
	close     func()
}

func newRuntime(cfg Config, logger *slog.Logger) (*runtime, error) {
	caps, err := builtinCapabilities()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewValidator(caps, cel)
	if err != nil {
		return nil, err
	}

	sink := audit.Sink(audit.NewLogSink(logger))
	var persister engine.RunPersister
	closeStore := func() {}
	if cfg.Persist {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			logger.Warn("create data dir failed", slog.String("error", err.Error()))
		}
		st, serr := store.NewLibSQLStore("file:" + cfg.DBPath)
		if serr != nil {
			logger.Warn("open store failed, running without persistence", slog.String("error", serr.Error()))
		} else if merr := st.Migrate(context.Background()); merr != nil {
			logger.Warn("migrate failed, running without persistence", slog.String("error", merr.Error()))
			_ = st.Close()
		} else {
			sink = audit.NewMultiSink(audit.NewLogSink(logger), store.NewSink(st))
			persister = store.NewPersister(st)
			closeStore = func() { _ = st.Close() }
		}
	}

	machine := engine.NewMachine(engine.MachineConfig{
		Capabilities: caps,
		CEL:          cel,
		Sink:         sink,
		Logger:       logger,
		MaxParallel:  cfg.MaxParallel,
	})
	registry := engine.NewRegistry(engine.RegistryConfig{
		Machine:   machine,
		Validator: validator,
		Persister: persister,
		Logger:    logger,
	})
	return &runtime{registry: registry, validator: validator, close: closeStore}, nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	def, err := loadDefinition(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var params map[string]any
	if len(args) > 1 {
		if params, err = loadParams(args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()
	registry := rt.registry

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := registry.Submit(ctx, def, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %s\n", err)
		return 1
	}
	logger.Info("run submitted", slog.String("run_id", runID), slog.String("workflow", def.Name))

	snap, err := registry.Wait(ctx, runID)
	if err != nil {
		// Interrupted: cancel and wait briefly for a clean stop.
		logger.Info("interrupt received, cancelling run", slog.String("run_id", runID))
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = registry.Cancel(cancelCtx, runID)
		snap, _ = registry.Wait(cancelCtx, runID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = registry.Shutdown(shutdownCtx)

	results, _ := registry.Results(runID)
	out := map[string]any{
		"run":     snap,
		"results": results,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if snap.Status != schema.RunStatusCompleted {
		return 1
	}
	return 0
}

func cmdSchedule(cfg Config, logger *slog.Logger, args []string) int {
	if len(args) < 2 {
		usage()
		return 2
	}
	cronExpr := args[0]

	def, err := loadDefinition(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var params map[string]any
	if len(args) > 2 {
		if params, err = loadParams(args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()

	// Reject a bad definition now rather than at the first tick.
	if err := rt.validator.ValidateDefinition(def); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %s\n", err)
		return 1
	}

	sched := scheduler.NewScheduler(rt.registry, logger)
	jobID, err := sched.AddJob(def.Name, cronExpr, def, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedule: %s\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Info("workflow scheduled",
		slog.String("job_id", jobID),
		slog.String("workflow", def.Name),
		slog.String("cron", cronExpr),
	)

	<-ctx.Done()
	_ = sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rt.registry.Shutdown(shutdownCtx)
	return 0
}
