package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ptufallback "github.com/Not-Diamond/go-ptufallback"
	"github.com/Not-Diamond/go-ptufallback/pkg/config"
	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/Not-Diamond/go-ptufallback/pkg/server"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type options struct {
	configPath string
	envFile    string
	input      string
	serve      string
	logLevel   string

	// Zero derives the handler timeout from the config.
	serverTimeout time.Duration
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("extraction", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (environment overrides it)")
	fs.StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the environment")
	fs.StringVarP(&opts.input, "input", "i", "-", "extraction input, JSON or YAML; - reads stdin")
	fs.StringVar(&opts.serve, "serve", "", "listen address; serves the HTTP API instead of a one-shot run")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	fs.DurationVar(&opts.serverTimeout, "server-timeout", 0, "per-request handler timeout; 0 derives it from the retry budget and openai timeout")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts, os.Stdin, os.Stdout); err != nil {
		logger.WithFields(logger.Fields{"error": err.Error()}).Error("extraction failed")
		os.Exit(1)
	}
}

func run(opts options, stdin io.Reader, stdout io.Writer) error {
	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	cfg, err := config.Load(opts.configPath, envFiles...)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	client, err := ptufallback.Init(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if opts.serve != "" {
		timeout := opts.serverTimeout
		if timeout <= 0 {
			timeout = handlerTimeout(cfg)
		}
		return serve(client, opts.serve, timeout)
	}

	in, err := readInput(opts.input, stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := client.Extract(ctx, in)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// handlerTimeout bounds one dispatch: PTU attempts stop once the budget is
// spent plus one final attempt, then pay-as-you-go gets one attempt. Each
// attempt may retry MaxOpenAIRetries times within its own timeout.
func handlerTimeout(cfg model.Config) time.Duration {
	perAttempt := cfg.Timeout * time.Duration(cfg.MaxOpenAIRetries+1)
	return cfg.RetryBudget() + 2*perAttempt
}

// readInput decodes the extraction input. YAML is a superset of JSON, so
// one decoder handles both.
func readInput(path string, stdin io.Reader) (ptufallback.ExtractionInput, error) {
	var in ptufallback.ExtractionInput

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return in, fmt.Errorf("failed to read input: %w", err)
	}

	if err := yaml.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("failed to parse input: %w", err)
	}
	return in, nil
}

func serve(client *ptufallback.Client, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewRouter(client, timeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logger.Fields{"addr": addr}).Info("▷ Serving extraction API")
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
