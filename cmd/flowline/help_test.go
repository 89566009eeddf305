// ABOUTME: Tests for the CLI help output and API key status reporting.
// ABOUTME: Checks usage sections, flag listing, and environment detection.
package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintHelpSections(t *testing.T) {
	var buf bytes.Buffer
	printHelp(&buf, "1.2.3")
	out := buf.String()

	for _, want := range []string{
		"flowline 1.2.3",
		"Usage:",
		"Run Flags:",
		"Server Flags:",
		"-input <json|@file>",
		"-max-active",
		"-trace",
		"Examples:",
		"Environment:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestPrintHelpEnvStatus(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "")
	var buf bytes.Buffer
	printHelp(&buf, "dev")
	out := buf.String()

	if !strings.Contains(out, "OPENAI_API_KEY        [set]") {
		t.Errorf("expected OPENAI_API_KEY reported set:\n%s", out)
	}
	if !strings.Contains(out, "ANTHROPIC_API_KEY     [not set]") {
		t.Errorf("expected ANTHROPIC_API_KEY reported not set:\n%s", out)
	}
}

func TestEnvStatus(t *testing.T) {
	t.Setenv("FL_STATUS_KEY", "x")
	if got := envStatus("FL_STATUS_KEY"); got != "[set]" {
		t.Errorf("got %q", got)
	}
	t.Setenv("FL_STATUS_KEY", "")
	if got := envStatus("FL_STATUS_KEY"); got != "[not set]" {
		t.Errorf("got %q", got)
	}
}
