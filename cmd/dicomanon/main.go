package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/eargollo/dicomanon/internal/anonymizer"
	"github.com/eargollo/dicomanon/internal/api"
	"github.com/eargollo/dicomanon/internal/batch"
	"github.com/eargollo/dicomanon/internal/codec"
	"github.com/eargollo/dicomanon/internal/config"
	"github.com/eargollo/dicomanon/internal/db"
	"github.com/eargollo/dicomanon/internal/dcm"
	"github.com/eargollo/dicomanon/internal/filter"
	"github.com/eargollo/dicomanon/internal/ledger"
	"github.com/eargollo/dicomanon/internal/outpath"
	"github.com/eargollo/dicomanon/internal/pipeline"
	"github.com/eargollo/dicomanon/internal/pixel"
	"github.com/eargollo/dicomanon/internal/scheduler"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

const usage = `Usage: dicomanon -in <path> [switches]

  -in <path>            input file or directory (required)
  -out [path]           output file or directory; no value writes in place
  -outPattern [pattern] route outputs by a %Keyword% pattern
  -f [script]           filter script (default dicom-filter.script)
  -da [script]          element anonymizer script (no value: built-in)
  -lut <file>           lookup table (default lookup-table.properties)
  -dpa [script]         pixel anonymizer script (no value: built-in)
  -dec, -rec            decompress before and recompress after pixel anonymization
  -test                 fill redacted regions with mid-grey instead of black
  -check [first|last|all] decode frames after anonymization (default last)
  -n <workers>          number of parallel workers (default 1)
  -p<NAME> <value>      set a script parameter
  -e<element> <action>  override an element rule
  -v                    list every processed file
  -debug                print the parsed switches and exit
  -config <file>        YAML config file (default dicomanon.yaml)
  -env <file>           environment file (default .env)
  -db <file>            record runs in a SQLite ledger
  -http <addr>          serve the status API and keep running
  -schedule <cron>      re-run on a cron schedule and keep running
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	// ── Logging (initial, overridden once config is loaded) ────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	args := config.ParseArgs(argv)
	if args.Len() == 0 {
		fmt.Print(usage)
		checkConfig()
		return 0
	}
	if args.Has("-debug") {
		args.Dump(os.Stdout)
		return 0
	}

	// ── Config ─────────────────────────────────────────────────────────────
	envFile, _ := args.Get("-env")
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		slog.Error("load env file", "error", err)
		return 1
	}
	configPath := config.DefaultPath
	if v, ok := args.Get("-config"); ok && v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}
	cfg.ApplyEnv(os.Getenv)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	plan, err := config.Resolve(args, cfg)
	switch {
	case errors.Is(err, config.ErrNoInput):
		fmt.Println("Input path was not specified.")
		return 0
	case errors.Is(err, config.ErrInputNotFound):
		in, _ := args.Get("-in")
		fmt.Printf("Input path (%s) does not exist.\n", in)
		return 0
	case err != nil:
		slog.Error("invalid arguments", "error", err)
		return 1
	}

	// ── Pipeline ───────────────────────────────────────────────────────────
	pcfg, err := buildPipeline(plan, cfg)
	if err != nil {
		slog.Error("build pipeline", "error", err)
		return 1
	}
	var tmpl *outpath.Template
	if plan.Pattern != "" {
		tmpl = outpath.Parse(plan.Pattern)
	}

	// ── Ledger ─────────────────────────────────────────────────────────────
	observers := batch.Observers{batch.NewConsole(os.Stdout, plan.Verbose)}
	var database *sql.DB
	if plan.DBPath != "" {
		database, err = db.OpenMigrated(plan.DBPath)
		if err != nil {
			slog.Error("open ledger", "path", plan.DBPath, "error", err)
			return 1
		}
		defer database.Close()
		if err := ledger.MarkStaleRunsFailed(database); err != nil {
			slog.Warn("mark stale runs", "error", err)
		}
		observers = append(observers, ledger.NewRecorder(database))
	}

	mgr := batch.NewManager(batch.Options{
		Input:    plan.Input,
		Output:   plan.Output,
		Template: tmpl,
		Workers:  plan.Workers,
		Runner:   pipeline.New(pcfg),
		Observer: observers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if plan.Schedule == "" && plan.HTTPAddr == "" {
		if _, err := mgr.Run(ctx, "cli"); err != nil {
			slog.Error("run failed", "error", err)
			return 1
		}
		return 0
	}
	return serve(ctx, plan, database, mgr)
}

// serve keeps the process alive for scheduled runs and the status API
// until ctx is cancelled.
func serve(ctx context.Context, plan *config.Plan, database *sql.DB, mgr *batch.Manager) int {
	slog.Info("dicomanon starting",
		"version", version,
		"input", plan.Input,
		"output", plan.Output,
		"schedule", plan.Schedule,
		"http_addr", plan.HTTPAddr,
		"db_path", plan.DBPath)

	sched := scheduler.New()
	if plan.Schedule != "" {
		if err := sched.SetJob(plan.Schedule, scheduler.BatchJob(ctx, mgr)); err != nil {
			slog.Error("invalid schedule", "error", err)
			return 1
		}
	}
	sched.Start()
	defer sched.Stop(context.Background())

	if plan.HTTPAddr == "" {
		<-ctx.Done()
		slog.Info("dicomanon stopped")
		return 0
	}
	srv := api.New(ctx, plan.HTTPAddr, database, mgr, sched, version)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}
	slog.Info("dicomanon stopped")
	return 0
}

// buildPipeline loads every enabled stage's script.
func buildPipeline(plan *config.Plan, cfg *config.Config) (pipeline.Config, error) {
	pcfg := pipeline.Config{
		Loader:     dcm.Loader{},
		OutputRoot: plan.Output,
		Decompress: plan.Decompress,
		Recompress: plan.Recompress,
		TestMode:   plan.TestMode,
		Check:      plan.Check,
		Verbose:    plan.Verbose,
	}

	if plan.FilterEnabled {
		src, err := os.ReadFile(plan.FilterScript)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("filter script not found, accepting all files", "path", plan.FilterScript)
		case err != nil:
			return pcfg, fmt.Errorf("read filter script: %w", err)
		default:
			f, err := filter.Compile(string(src))
			if err != nil {
				return pcfg, err
			}
			pcfg.Filter = f
		}
	}

	if plan.AnonymizerEnabled {
		script, err := anonymizer.LoadScript(plan.AnonymizerScript, plan.AnonymizerDefault)
		if err != nil {
			return pcfg, err
		}
		lut, err := anonymizer.LoadLUT(plan.LookupTable)
		if err != nil {
			return pcfg, err
		}
		a, err := anonymizer.New(anonymizer.Options{
			Script:   script,
			LUT:      lut,
			Params:   plan.Params,
			Elements: plan.Elements,
		})
		if err != nil {
			return pcfg, err
		}
		slog.Debug("element anonymizer ready", "rules", a.Rules(), "lut_entries", lut.Len())
		pcfg.Element = a
	}

	if plan.PixelEnabled {
		script, err := pixel.LoadScript(plan.PixelScript, plan.PixelDefault)
		if err != nil {
			return pcfg, err
		}
		e, err := pixel.New(script)
		if err != nil {
			return pcfg, err
		}
		slog.Debug("pixel anonymizer ready", "signatures", e.Len())
		pcfg.Pixel = e
	}

	if plan.Decompress || plan.Recompress {
		c, err := codec.New(cfg.Codec.Decompress, cfg.Codec.Recompress)
		if err != nil {
			return pcfg, err
		}
		pcfg.Codec = c
	}
	return pcfg, nil
}

// checkConfig prints the environment the tool depends on.
func checkConfig() {
	fmt.Println()
	fmt.Printf("dicomanon %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		fmt.Printf("Configuration: %v\n", err)
		return
	}
	c, err := codec.New(cfg.Codec.Decompress, cfg.Codec.Recompress)
	if err != nil {
		fmt.Printf("Codec: %v\n", err)
		return
	}
	for _, tool := range c.Tools() {
		if path, ok := codec.Available(tool); ok {
			fmt.Printf("Codec tool %s: %s\n", tool, path)
		} else {
			fmt.Printf("Codec tool %s: not found (-dec and -rec unavailable)\n", tool)
		}
	}
}
