package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/thankful-ai/bootfleet/internal/bootstrap"
	"github.com/thankful-ai/bootfleet/internal/fleet"
	"github.com/thankful-ai/bootfleet/internal/google"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "",
		"config filepath, read from instance metadata when empty")
	instance := flag.String("instance", "",
		"instance name, read from instance metadata when empty")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	conf, err := loadConfig(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name := *instance
	if name == "" {
		name, err = google.InstanceName(ctx)
		if err != nil {
			return fmt.Errorf("instance name: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(conf.LogPath), 0o755); err != nil {
		return fmt.Errorf("mkdir all: %w", err)
	}
	logFile, err := os.OpenFile(conf.LogPath,
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	// The startup script forwards stdout to the serial console.
	out := io.MultiWriter(logFile, os.Stdout)
	log, err := fleet.NewLogger(fleet.LogConfig{
		Format: fleet.LogFormatConsole,
	}, out)
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}

	store, err := bootstrap.OpenBadgerStore(conf.StatePath)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer func() { _ = store.Close() }()

	units, err := bootstrap.ConnectSystemd(ctx)
	if err != nil {
		return fmt.Errorf("connect systemd: %w", err)
	}
	defer units.Close()

	installer := &bootstrap.Installer{
		Config: conf,
		Runner: bootstrap.ExecRunner{Out: out},
		Units:  units,
	}
	seq, err := bootstrap.NewSequencer(bootstrap.SequencerOpts{
		Instance:   name,
		Steps:      installer.Steps(),
		Store:      store,
		MarkerPath: conf.MarkerPath,
		Console:    out,
	})
	if err != nil {
		return fmt.Errorf("new sequencer: %w", err)
	}
	if _, err := seq.Run(ctx, log); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func loadConfig(ctx context.Context, path string) (bootstrap.Config, error) {
	if path != "" {
		return bootstrap.ParseConfig(path)
	}
	val, err := google.InstanceAttribute(ctx, bootstrap.MetadataAttribute)
	if err != nil {
		return bootstrap.Config{}, fmt.Errorf("instance attribute: %w", err)
	}
	return bootstrap.UnmarshalConfig([]byte(val))
}
