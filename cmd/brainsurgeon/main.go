package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags).
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Optional: load BRAINSURGEON_* overrides from a local .env file, the
	// same init-time convenience the teacher's main.go uses for credentials.
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("brainsurgeon"),
		kong.Description("Maintenance layer for conversational-agent transcript logs."),
		kong.UsageOnError(),
		kongVars(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
