package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"backtestd/internal/api"
	"backtestd/internal/app"
	"backtestd/internal/config"
	"backtestd/internal/domain"
	"backtestd/internal/job"
	"backtestd/internal/report"
	"backtestd/internal/store"
	"backtestd/internal/util"
	"backtestd/pkg/backtestd"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: backtest-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Local commands:\n")
	fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  validate <file>      Validate strategy source without a server\n")
	fmt.Fprintf(os.Stderr, "  run <file>           Run one backtest in-process and print its result\n")
	fmt.Fprintf(os.Stderr, "  symbols              List symbols in the configured bar store\n")
	fmt.Fprintf(os.Stderr, "\nServer commands:\n")
	fmt.Fprintf(os.Stderr, "  strategy <file>      Store strategy source (-id adds a version)\n")
	fmt.Fprintf(os.Stderr, "  submit               Queue a backtest job\n")
	fmt.Fprintf(os.Stderr, "  status <job-id>      Show a job\n")
	fmt.Fprintf(os.Stderr, "  list                 List jobs\n")
	fmt.Fprintf(os.Stderr, "  cancel <job-id>      Cancel a job\n")
	fmt.Fprintf(os.Stderr, "  retry <job-id>       Retry a failed or cancelled job\n")
	fmt.Fprintf(os.Stderr, "  result <job-id>      Print a job's result\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfgPath := "config/backtestd.yaml"
	if p := os.Getenv("BACKTESTD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "version":
		fmt.Printf("backtest-cli %s\n", version)
	case "validate":
		err = validate(ctx, cfg, args)
	case "run":
		err = run(ctx, cfg, args)
	case "symbols":
		err = symbols(ctx, cfg)
	case "strategy", "submit", "status", "list", "cancel", "retry", "result":
		err = remote(ctx, cfg, cmd, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Local commands
// ---------------------------------------------------------------------------

func validate(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: validate <file>")
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	mem := store.NewMemoryStore()
	st, err := app.Build(cfg, mem, mem, mem, nil, quietLogger(cfg))
	if err != nil {
		return err
	}
	res := st.Sandbox.Validate(ctx, string(source))
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%d problem(s) in %s", len(res.Diagnostics), args[0])
	}
	return nil
}

// run executes one job in-process: jobs live in memory and bars come from
// the configured bar source.
func run(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	jf := addJobFlags(fs)
	export := fs.Bool("export", false, "write equity curve and trades as Parquet under data_dir/results")
	full := fs.Bool("full", false, "print the full result as JSON instead of a summary")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: run [options] <file>")
	}
	source, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	logger := quietLogger(cfg)
	var sqlite *store.SQLiteStore
	if cfg.Storage.BarSource == "sqlite" {
		if sqlite, err = app.OpenSQLite(cfg.Storage.SQLitePath); err != nil {
			return err
		}
		defer sqlite.Close()
	}
	bars, closeBars, err := app.OpenBarStore(ctx, cfg, sqlite)
	if err != nil {
		return err
	}
	defer closeBars()

	mem := store.NewMemoryStore()
	var factors store.AdjustFactorStore = mem
	if af, ok := bars.(store.AdjustFactorStore); ok {
		factors = af
	}
	st, err := app.Build(cfg, mem, bars, factors, nil, logger)
	if err != nil {
		return err
	}

	strat, vres, err := st.Orchestrator.CreateStrategy(ctx, "", string(source))
	if err != nil {
		printJSON(vres)
		return err
	}
	req, err := jf.request(strat.ID)
	if err != nil {
		return err
	}
	j, err := req.Job(st.Orchestrator.Defaults())
	if err != nil {
		return err
	}
	j, err = st.Orchestrator.Submit(ctx, j)
	if err != nil {
		return err
	}

	pool := job.NewPool(mem, st.Orchestrator, 1, time.Millisecond, "cli", logger)
	if err := pool.Drain(ctx); err != nil {
		return err
	}
	j, err = st.Orchestrator.Get(ctx, j.ID)
	if err != nil {
		return err
	}
	if j.State != domain.JobSucceeded {
		printJSON(j)
		return fmt.Errorf("job %s", j.State)
	}
	res, err := st.Orchestrator.Result(ctx, j.ID)
	if err != nil {
		return err
	}
	return printResult(cfg, res, *full, *export)
}

func symbols(ctx context.Context, cfg *config.Config) error {
	var sqlite *store.SQLiteStore
	if cfg.Storage.BarSource == "sqlite" {
		var err error
		if sqlite, err = app.OpenSQLite(cfg.Storage.SQLitePath); err != nil {
			return err
		}
		defer sqlite.Close()
	}
	bars, closeBars, err := app.OpenBarStore(ctx, cfg, sqlite)
	if err != nil {
		return err
	}
	defer closeBars()

	syms, err := bars.ListSymbols(ctx, cfg.Storage.Market)
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Println(s)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server commands
// ---------------------------------------------------------------------------

func remote(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(cfg), "backtestd gRPC address")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")

	var (
		jf      *jobFlags
		id      *string
		state   *string
		limit   *int
		full    *bool
		export  *bool
		waitFor *bool
	)
	switch cmd {
	case "strategy":
		id = fs.String("id", "", "existing strategy to add a version to")
	case "submit":
		jf = addJobFlags(fs)
		id = fs.String("strategy", "", "strategy ID")
		waitFor = fs.Bool("wait", false, "poll until the job finishes")
	case "list":
		state = fs.String("state", "", "only jobs in this state")
		limit = fs.Int("limit", 20, "maximum jobs to list")
	case "result":
		full = fs.Bool("full", false, "print the full result as JSON instead of a summary")
		export = fs.Bool("export", false, "write equity curve and trades as Parquet under data_dir/results")
	}
	fs.Parse(args)

	client, err := backtestd.Dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	rctx, done := context.WithTimeout(ctx, *timeout)
	defer done()

	switch cmd {
	case "strategy":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: strategy [-id ID] <file>")
		}
		source, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		st, vres, err := client.CreateStrategy(rctx, *id, string(source))
		if err != nil {
			return err
		}
		if st == nil {
			printJSON(vres)
			return fmt.Errorf("source rejected")
		}
		return printJSON(st)

	case "submit":
		if *id == "" {
			return fmt.Errorf("-strategy is required")
		}
		req, err := jf.request(*id)
		if err != nil {
			return err
		}
		j, err := client.SubmitJob(rctx, req)
		if err != nil {
			return err
		}
		if *waitFor {
			if j, err = waitJob(ctx, client, j.ID); err != nil {
				return err
			}
		}
		return printJSON(j)

	case "list":
		jobs, err := client.ListJobs(rctx, &backtestd.ListRequest{State: domain.JobState(*state), Limit: *limit})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-9s  %s v%d  %s..%s  attempt %d\n", j.ID, j.State, j.StrategyID, j.StrategyVersion,
				j.Start.Format(domain.DateLayout), j.End.Format(domain.DateLayout), j.Attempt)
		}
		return nil
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s <job-id>", cmd)
	}
	jobID := fs.Arg(0)
	switch cmd {
	case "status":
		j, err := client.GetJob(rctx, jobID)
		if err != nil {
			return err
		}
		return printJSON(j)
	case "cancel":
		j, err := client.CancelJob(rctx, jobID)
		if err != nil {
			return err
		}
		return printJSON(j)
	case "retry":
		j, err := client.RetryJob(rctx, jobID)
		if err != nil {
			return err
		}
		return printJSON(j)
	case "result":
		res, err := client.GetResult(rctx, jobID)
		if err != nil {
			return err
		}
		return printResult(cfg, res, *full, *export)
	}
	return nil
}

func waitJob(ctx context.Context, client *backtestd.Client, id string) (*domain.BacktestJob, error) {
	for {
		j, err := client.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func defaultAddr(cfg *config.Config) string {
	if v := os.Getenv("BACKTESTD_ADDR"); v != "" {
		return v
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Server.GRPCPort)
}

// ---------------------------------------------------------------------------
// Job flags
// ---------------------------------------------------------------------------

type jobFlags struct {
	fs         *flag.FlagSet
	symbols    *string
	start      *string
	end        *string
	cash       *string
	params     *string
	margin     *bool
	short      *bool
	fractional *bool
	maxPos     *float64
	maxLoss    *float64
	rfr        *float64
}

func addJobFlags(fs *flag.FlagSet) *jobFlags {
	return &jobFlags{
		fs:         fs,
		symbols:    fs.String("symbols", "", "comma-separated universe"),
		start:      fs.String("start", "", "first date (YYYY-MM-DD)"),
		end:        fs.String("end", "", "last date (YYYY-MM-DD)"),
		cash:       fs.String("cash", "", "initial cash (default from config)"),
		params:     fs.String("params", "", "strategy parameters, e.g. short=5,long=20"),
		margin:     fs.Bool("margin", false, "allow buying on margin (default from config)"),
		short:      fs.Bool("short", false, "allow short selling (default from config)"),
		fractional: fs.Bool("fractional", false, "allow fractional quantities (default from config)"),
		maxPos:     fs.Float64("max-position", 0, "max position as a fraction of equity (default from config)"),
		maxLoss:    fs.Float64("max-daily-loss", 0, "max daily loss as a fraction of equity (default from config)"),
		rfr:        fs.Float64("risk-free", 0, "annual risk-free rate (default from config)"),
	}
}

// given returns v when the named flag was set on the command line, so unset
// flags fall through to the server's defaults.
func given[T any](fs *flag.FlagSet, name string, v *T) *T {
	set := false
	fs.Visit(func(f *flag.Flag) { set = set || f.Name == name })
	if !set {
		return nil
	}
	return v
}

func (f *jobFlags) request(strategyID string) (*api.JobRequest, error) {
	params, err := parseParams(*f.params)
	if err != nil {
		return nil, err
	}
	var universe []string
	for _, s := range strings.Split(*f.symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			universe = append(universe, strings.ToUpper(s))
		}
	}
	return &api.JobRequest{
		StrategyID:       strategyID,
		Params:           params,
		Universe:         universe,
		Start:            *f.start,
		End:              *f.end,
		InitialCash:      *f.cash,
		AllowMargin:      given(f.fs, "margin", f.margin),
		AllowShort:       given(f.fs, "short", f.short),
		FractionalShares: given(f.fs, "fractional", f.fractional),
		MaxPositionPct:   given(f.fs, "max-position", f.maxPos),
		MaxDailyLossPct:  given(f.fs, "max-daily-loss", f.maxLoss),
		RiskFreeRate:     given(f.fs, "risk-free", f.rfr),
	}, nil
}

// parseParams reads "a=1,b=2.5" into a parameter map.
func parseParams(s string) (map[string]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[string]float64)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("param %q: want name=value", kv)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printResult(cfg *config.Config, res *domain.BacktestResult, full, export bool) error {
	if export {
		dir, err := store.NewParquetStore(cfg.Storage.DataDir).ExportResult(res)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported to %s\n", dir)
	}
	if full {
		return printJSON(res)
	}
	return report.WriteSummary(os.Stdout, res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// quietLogger logs warnings and above to stdout so local runs keep their
// output readable.
func quietLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if util.ParseLevel(level) < slog.LevelWarn {
		level = "warn"
	}
	return util.NewLogger(level, "text")
}
