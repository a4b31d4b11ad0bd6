package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brainsurgeon/internal/engine"
	"brainsurgeon/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func (c *CLI) engineOptions() engine.Options {
	return engine.Options{
		AgentsDir:  c.AgentsDir,
		ConfigPath: c.ConfigPath,
		BusPath:    c.BusPath,
		Telemetry: telemetry.Config{
			Protocol: c.Telemetry,
			Endpoint: c.Endpoint,
			FilePath: c.SpanFile,
		},
	}
}

// ServeCmd runs the full engine until interrupted.
type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI) error {
	e, err := engine.New(cli.engineOptions())
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)
	fmt.Fprintln(os.Stdout, "brainsurgeon engine running, press Ctrl-C to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	e.Stop(shutdownCtx)
	return nil
}

// TriggerCmd manually fires a scheduled job.
type TriggerCmd struct {
	Job string `arg:"" enum:"auto-trigger,retention-cleanup" help:"Job name: auto-trigger or retention-cleanup."`
}

func (t *TriggerCmd) Run(cli *CLI) error {
	e, err := engine.New(cli.engineOptions())
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Bus.Close()

	if err := e.Scheduler.RunJobNow(t.Job); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "ran job %q\n", t.Job)
	return nil
}

// RestoreCmd restores a single entry's extracted content.
type RestoreCmd struct {
	Agent   string   `arg:"" help:"Agent ID."`
	Session string   `arg:"" help:"Session ID."`
	Entry   string   `arg:"" help:"Entry ID to restore."`
	Keys    []string `help:"Restrict restoration to these keys (default: all extracted keys)."`
}

func (r *RestoreCmd) Run(cli *CLI) error {
	e, err := engine.New(cli.engineOptions())
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Bus.Close()

	result, err := e.Restore.Restore(context.Background(), r.Agent, r.Session, r.Entry, r.Keys)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// RedactCmd redacts a restore_remote tool call so it cannot be executed again.
type RedactCmd struct {
	Agent   string `arg:"" help:"Agent ID."`
	Session string `arg:"" help:"Session ID."`
	Entry   string `arg:"" help:"Tool-call entry ID to redact."`
}

func (r *RedactCmd) Run(cli *CLI) error {
	e, err := engine.New(cli.engineOptions())
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Bus.Close()

	redacted, err := e.Restore.RedactRestoreCall(r.Agent, r.Session, r.Entry)
	if err != nil {
		return err
	}
	if !redacted {
		return errors.New("entry did not match a restore_remote tool call; nothing redacted")
	}
	fmt.Fprintln(os.Stdout, "redacted")
	return nil
}

// ConfigCmd prints the effective engine configuration.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(cli *CLI) error {
	e, err := engine.New(cli.engineOptions())
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Bus.Close()

	out, _ := json.MarshalIndent(e.Config.Get(), "", "  ")
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (v *VersionCmd) Run(cli *CLI) error {
	fmt.Fprintf(os.Stdout, "brainsurgeon %s (commit %s, built %s)\n", version, commit, buildTime)
	return nil
}
