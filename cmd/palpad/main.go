// Package main is the entry point for the PapyrusPad editor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/papyruspal/papyruspal/internal/config"
	"github.com/papyruspal/papyruspal/internal/logging"
	"github.com/papyruspal/papyruspal/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, closeLog, err := openLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if closeLog != nil {
		defer closeLog.Close()
	}

	client := lsp.NewClient(cfg.ClientConfig(), lsp.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.Start(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start language server: %v\n", err)
		// A failed first handshake terminates the session. The editor still
		// works, just without language services.
		logger.Warn().Err(err).Msg("starting without language services")
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ed, err := newEditor(client, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create terminal: %v\n", err)
		return 1
	}

	go func() {
		<-signals
		ed.requestQuit()
	}()

	if opts.File != "" {
		if err := ed.openFile(opts.File); err != nil {
			ed.close()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := ed.runLoop(); err != nil {
		ed.close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ed.close()
	return 0
}

type options struct {
	ConfigPath string
	Server     string
	Root       string
	LogLevel   string
	LogFile    string
	File       string
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.Server, "server", "", "Language server command (overrides config)")
	flag.StringVar(&opts.Root, "root", "", "Workspace root directory")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flag.StringVar(&opts.LogFile, "log-file", "", "Log file path (default stderr)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "PapyrusPad - Papyrus script editor with language server support\n\n")
		fmt.Fprintf(os.Stderr, "Usage: palpad [options] [file.psc]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nKeys:\n")
		fmt.Fprintf(os.Stderr, "  Ctrl+Space  completion    Ctrl+K  hover\n")
		fmt.Fprintf(os.Stderr, "  Ctrl+G      definition    Ctrl+S  save\n")
		fmt.Fprintf(os.Stderr, "  Ctrl+R      restart server    Ctrl+Q  quit\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("PapyrusPad %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if args := flag.Args(); len(args) > 0 {
		opts.File = args[0]
	}
	if opts.Root == "" && opts.File != "" {
		if abs, err := filepath.Abs(opts.File); err == nil {
			opts.Root = filepath.Dir(abs)
		}
	}
	return opts
}

// loadConfig reads the config file and layers command-line overrides on
// top.
func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
	}
	if opts.Server != "" {
		parts := strings.Fields(opts.Server)
		cfg.Server.Command = parts[0]
		cfg.Server.Args = parts[1:]
	}
	if opts.Root != "" {
		cfg.Server.Root = opts.Root
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Log.File = opts.LogFile
	}
	if cfg.Server.Command == "" {
		return cfg, fmt.Errorf("no language server configured (use -server or a config file)")
	}
	return cfg, nil
}

// openLogger builds the logger. Interactive runs must log to a file: the
// terminal belongs to the UI.
func openLogger(cfg config.Config) (zerolog.Logger, interface{ Close() error }, error) {
	if cfg.Log.File != "" {
		logger, closer, err := logging.File(cfg.Log.File, cfg.Log.Level)
		return logger, closer, err
	}
	return logging.Discard(), nil, nil
}
