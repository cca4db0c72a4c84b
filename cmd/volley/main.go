package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/volley/internal/api"
	"github.com/seantiz/volley/internal/config"
	"github.com/seantiz/volley/internal/engine"
	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

var version = "0.1.0"

var (
	flagURL         string
	flagRequestFile string
	flagRunFile     string
	flagWorkers     int
	flagReadFreq    int
	flagPerConn     int
	flagCount       int
	flagInsecure    bool
	flagPrint       bool
	flagLimit       int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volley",
	Short: "Pipelined HTTP request engine",
	Long: `volley sends a raw HTTP request many times over a pool of keep-alive
connections, writing several requests back-to-back before reading their
responses.

Examples:
  volley run -u https://target.test -r request.txt -t 8 --read-freq 16
  volley run -c run.yaml --print
  volley serve
  volley runs --limit 5`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one run and print its throughput",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := config.NewLogger(os.Stdout, cfg.LogLevel)

		logger.Info("volley: starting",
			"listen_addr", cfg.ListenAddr,
			"db_path", cfg.DBPath,
		)

		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		eng := engine.NewEngine(db, logger, engine.WithLimits(limits(cfg)))
		return api.NewServer(cfg.ListenAddr, db, eng, logger).Run()
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		runs, total, err := db.ListRuns(cmd.Context(), flagLimit, 0)
		if err != nil {
			return err
		}
		printRuns(cmd.OutOrStdout(), runs, total)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&flagURL, "url", "u", "", "Target URL (http or https)")
	runCmd.Flags().StringVarP(&flagRequestFile, "request", "r", "", "File holding the raw request")
	runCmd.Flags().StringVarP(&flagRunFile, "config", "c", "", "Run file (.yaml, .yml or .json)")
	runCmd.Flags().IntVarP(&flagWorkers, "workers", "t", config.DefaultWorkers, "Number of connection workers")
	runCmd.Flags().IntVar(&flagReadFreq, "read-freq", config.DefaultReadFreq, "Requests written before reading responses")
	runCmd.Flags().IntVar(&flagPerConn, "per-conn", config.DefaultRequestsPerConnection, "Requests per connection before reconnecting")
	runCmd.Flags().IntVarP(&flagCount, "count", "n", config.DefaultCount, "Number of requests to send")
	runCmd.Flags().BoolVar(&flagInsecure, "insecure", false, "Skip TLS certificate verification")
	runCmd.Flags().BoolVar(&flagPrint, "print", false, "Print a status line for every response")

	runsCmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of runs to list")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	rf, err := buildRunFile(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var observe engine.Observer
	if flagPrint {
		observe = func(line string) { fmt.Fprintln(out, line) }
	}

	run, err := engine.NewEngine(db, logger, engine.WithLimits(limits(cfg))).Run(ctx, rf.NewRun(), observe)
	if err != nil {
		return err
	}
	if run.Status == model.StatusFailed {
		return errors.New(run.Error)
	}

	printSummary(out, run)
	return nil
}

// buildRunFile merges the run file, if any, with explicitly set flags.
// Flags win.
func buildRunFile(cmd *cobra.Command) (*config.RunFile, error) {
	rf := &config.RunFile{}
	if flagRunFile != "" {
		loaded, err := config.LoadRunFile(flagRunFile)
		if err != nil {
			return nil, err
		}
		rf = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		rf.URL = flagURL
	}
	if flags.Changed("request") {
		raw, err := os.ReadFile(flagRequestFile)
		if err != nil {
			return nil, fmt.Errorf("read request file: %w", err)
		}
		rf.Request = string(raw)
		rf.RequestB64 = ""
	}
	if flags.Changed("workers") || rf.Workers == 0 {
		rf.Workers = flagWorkers
	}
	if flags.Changed("read-freq") || rf.ReadFreq == 0 {
		rf.ReadFreq = flagReadFreq
	}
	if flags.Changed("per-conn") || rf.RequestsPerConnection == 0 {
		rf.RequestsPerConnection = flagPerConn
	}
	if flags.Changed("count") || rf.Count == 0 {
		rf.Count = flagCount
	}
	if flags.Changed("insecure") {
		rf.Insecure = flagInsecure
	}

	rf.ApplyDefaults()
	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return rf, nil
}

func limits(cfg config.Config) engine.Limits {
	return engine.Limits{
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		QueueTimeout:    cfg.QueueTimeout,
		MaxResponseSize: cfg.MaxResponseSize,
	}
}

func printSummary(w io.Writer, run *model.Run) {
	var elapsed time.Duration
	if run.ElapsedMS != nil {
		elapsed = time.Duration(*run.ElapsedMS) * time.Millisecond
	}
	fmt.Fprintf(w, "Sent %d requests in %.2f seconds\n", run.Succeeded, elapsed.Seconds())
	fmt.Fprintf(w, "RPS: %.0f\n", run.RPS)
	if run.Retried > 0 || run.Rejected > 0 || !run.Drained {
		fmt.Fprintf(w, "Retried: %d  Reconnects: %d  Rejected: %d  Drained: %t\n",
			run.Retried, run.Reconnects, run.Rejected, run.Drained)
	}
}

func printRuns(w io.Writer, runs []*model.Run, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTARGET\tSUCCEEDED\tRPS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.0f\t%s\n",
			r.ID, r.Status, r.Target, r.Succeeded, r.RPS, r.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d runs\n", len(runs), total)
}
