package main

import (
	"testing"

	"github.com/alecthomas/kong"
)

func TestServeCmdDefaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"serve"}); err != nil {
		t.Fatal(err)
	}
	if cli.AgentsDir != "." {
		t.Errorf("expected default agents dir '.', got %q", cli.AgentsDir)
	}
	if cli.ConfigPath != "brainsurgeon.json" {
		t.Errorf("expected default config path 'brainsurgeon.json', got %q", cli.ConfigPath)
	}
}

func TestTriggerCmdRequiresKnownJob(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"trigger", "not-a-real-job"}); err == nil {
		t.Error("expected an error for an unrecognized job name")
	}
}

func TestRestoreCmdParsesPositionalArgs(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"restore", "agentA", "sess1", "e1", "--keys", "thinking"}); err != nil {
		t.Fatal(err)
	}
	if cli.Restore.Agent != "agentA" || cli.Restore.Session != "sess1" || cli.Restore.Entry != "e1" {
		t.Errorf("unexpected parsed restore args: %+v", cli.Restore)
	}
	if len(cli.Restore.Keys) != 1 || cli.Restore.Keys[0] != "thinking" {
		t.Errorf("expected keys [thinking], got %v", cli.Restore.Keys)
	}
}

func TestVersionCmdParses(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"version"}); err != nil {
		t.Fatal(err)
	}
}
