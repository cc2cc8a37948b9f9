package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

const usage = `usage: ensemble <command> [flags]

commands:
  serve      run the HTTP API, expiry sweeper and optionally the MCP stdio server
  run        execute an ensemble once and print the result
  resume     approve or reject a suspended execution
  validate   check ensemble definition files
  version    print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(ctx, args)
	case "run":
		err = runOnce(ctx, args, os.Stdout)
	case "resume":
		err = runResume(ctx, args, os.Stdout)
	case "validate":
		err = runValidate(args, os.Stdout)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	withMCP := fs.Bool("mcp", false, "also serve MCP tools over stdio")
	addr := fs.String("addr", "", "listen address (overrides listen_addr)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	sweeper, err := a.sweeper()
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	servers := []*http.Server{{Addr: cfg.ListenAddr, Handler: a.apiHandler(), ReadHeaderTimeout: 10 * time.Second}}
	if a.metrics != nil && cfg.MetricsAddr != cfg.ListenAddr {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", a.metrics)
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	for _, srv := range servers {
		go func() {
			logger.Info("http listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	if *withMCP {
		mcpSrv := a.mcpServer()
		go func() {
			logger.Info("mcp stdio server started")
			err := mcpSrv.Serve(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp: %w", err)
				return
			}
			// stdin closed: the MCP client is gone.
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("http shutdown", slog.String("addr", srv.Addr), slog.String("error", serr.Error()))
		}
	}
	return err
}

func runOnce(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputJSON := fs.String("input", "", "input as a JSON object")
	inputFile := fs.String("input-file", "", "read input from a JSON file")
	defFile := fs.String("file", "", "run the definition in this file instead of a registered ensemble")
	fs.Parse(args)

	if (fs.NArg() == 0) == (*defFile == "") {
		return errors.New("run: give either an ensemble name or -file")
	}
	input, err := readInput(*inputJSON, *inputFile)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logging.New(os.Stderr, cfg.LogLevel), false)
	if err != nil {
		return err
	}
	defer a.close()

	var res any
	var status schema.ExecutionStatus
	if *defFile != "" {
		ens, err := readEnsemble(*defFile)
		if err != nil {
			return err
		}
		r, err := a.executor.Run(ctx, ens, input)
		if err != nil {
			return err
		}
		res, status = r, r.Status
	} else {
		r, err := a.executor.Execute(ctx, fs.Arg(0), input)
		if err != nil {
			return err
		}
		res, status = r, r.Status
	}
	if err := printJSON(out, res); err != nil {
		return err
	}
	if status == schema.ExecutionFailed {
		return errors.New("execution failed")
	}
	return nil
}

func runResume(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	approve := fs.Bool("approve", false, "approve the suspended step")
	reject := fs.Bool("reject", false, "reject the suspended step")
	actor := fs.String("actor", os.Getenv("USER"), "who decided")
	comments := fs.String("comments", "", "decision comments")
	dataJSON := fs.String("data", "", "extra decision data as a JSON object")
	fs.Parse(args)

	if fs.NArg() != 1 || *approve == *reject {
		return errors.New("resume: give one execution id and exactly one of -approve or -reject")
	}
	data, err := readInput(*dataJSON, "")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logging.New(os.Stderr, cfg.LogLevel), false)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.executor.Resume(ctx, schema.ResumeRequest{
		ExecutionID: fs.Arg(0),
		Approved:    *approve,
		Actor:       *actor,
		Comments:    *comments,
		Data:        data,
	})
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

// runValidate checks each file against the definition schema and the
// built-in agents plus any evaluators from the settings file.
func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("validate: no files given")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := newAgentRegistry(cfg)
	if err != nil {
		return err
	}
	v, err := validation.New(reg)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range fs.Args() {
		ens, err := readEnsemble(path)
		if err == nil {
			err = v.ValidateEnsemble(ens)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s)\n", path, ens.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, fs.NArg())
	}
	return nil
}

func readEnsemble(path string) (*schema.Ensemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.ParseEnsemble(data)
}

// readInput decodes a JSON object from inline text or a file; both empty
// yields nil.
func readInput(inline, path string) (map[string]any, error) {
	raw := []byte(inline)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
