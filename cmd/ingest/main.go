// Command ingest runs one ingestion over a YAML or JSON batch file and prints
// the run summary as JSON.
//
// Usage:
//
//	ingest -file batch.yaml [-source crm] [-store memory]
//
// The store and pipeline are configured from the same environment as the
// server. The exit code is 1 when the run aborts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/cdp/internal/config"
	"github.com/JonMunkholm/cdp/internal/core"
	"github.com/JonMunkholm/cdp/internal/logging"
	"github.com/JonMunkholm/cdp/internal/source"
	"github.com/JonMunkholm/cdp/internal/store"
)

func main() {
	file := flag.String("file", "", "batch file to ingest (.yaml, .yml or .json)")
	sourceSystem := flag.String("source", "", "source system, overrides the one named in the file")
	driver := flag.String("store", "", "store driver, overrides STORE_DRIVER (postgres or memory)")
	actor := flag.String("actor", "ingest-cli", "actor recorded on audit events")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "ingest: -file is required")
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	if *driver != "" {
		os.Setenv("STORE_DRIVER", *driver)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(2)
	}

	// Logs go to stderr; stdout carries the result.
	slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, *file, *sourceSystem, *actor))
}

func run(ctx context.Context, cfg *config.Config, file, sourceSystem, actor string) int {
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return 1
	}
	defer backend.Close()

	service, err := core.NewService(backend, cfg)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		return 1
	}

	result, runErr := service.Run(core.ContextWithActor(ctx, actor), source.NewFile(file, sourceSystem))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Error("failed to write result", "error", err)
	}

	if runErr != nil {
		msg := core.MapError(runErr)
		slog.Error("ingestion aborted", "code", msg.Code, "error", runErr)
		fmt.Fprintln(os.Stderr, core.FormatUserError(runErr))
		return 1
	}
	return 0
}
