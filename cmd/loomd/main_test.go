package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "prokey", "sessions"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestProkeyGenerate(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"prokey", "generate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("prokey generate failed: %v", err)
	}
	key := strings.TrimSpace(out.String())
	if len(key) != 8 {
		t.Fatalf("expected an 8-char key, got %q", key)
	}
}
