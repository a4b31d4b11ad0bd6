// Package main is the entry point for the BrainSurgeon CLI.
package main

import (
	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	AgentsDir  string `help:"Root directory holding {agent}/sessions/*.jsonl." default:"." env:"AGENTS_DIR"`
	ConfigPath string `help:"Path to the engine config JSON file." default:"brainsurgeon.json" env:"BRAINSURGEON_CONFIG"`
	BusPath    string `help:"Path to the durable bus SQLite database." env:"BRAINSURGEON_BUS_DB"`
	Telemetry  string `help:"Telemetry protocol: noop, file, otlp-grpc, otlp-http." default:"noop" env:"BRAINSURGEON_TELEMETRY"`
	SpanFile   string `help:"Span output path, used when --telemetry=file." default:"brainsurgeon-spans.jsonl"`
	Endpoint   string `help:"Collector endpoint, used by otlp-grpc/otlp-http." env:"BRAINSURGEON_TELEMETRY_ENDPOINT"`

	Serve   ServeCmd   `cmd:"" help:"Run the engine: scheduler, durable bus, and config watch."`
	Trigger TriggerCmd `cmd:"" help:"Run a scheduled job immediately."`
	Restore RestoreCmd `cmd:"" help:"Restore a single entry's extracted content."`
	Redact  RedactCmd  `cmd:"" help:"Redact a restore_remote tool call in a transcript."`
	Config  ConfigCmd  `cmd:"" help:"Print the effective engine configuration."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
