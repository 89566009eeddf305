// ABOUTME: Help display for the flowline CLI with grouped flags, examples, and environment status.
// ABOUTME: Provides printHelp for usage output and envStatus for chat model API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

// printHelp writes usage patterns, grouped flags, examples, and which
// provider keys are present to w.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "flowline %s: workflow automation engine\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  flowline [flags] <workflow.yaml>      Run a workflow once and print the result")
	fmt.Fprintln(w, "  flowline -validate <workflow.yaml>    Lint a workflow without running it")
	fmt.Fprintln(w, "  flowline -tui <workflow.yaml>         Run with the interactive terminal UI")
	fmt.Fprintln(w, "  flowline -server [-port 5678]         Serve webhooks and the management API")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Run Flags:")
	fmt.Fprintln(w, "  -input <json|@file>   Items for the trigger: one object or a list of objects")
	fmt.Fprintln(w, "  -test                 Run in test mode")
	fmt.Fprintln(w, "  -verbose              Print execution events to stderr")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Server Flags:")
	fmt.Fprintln(w, "  -server               Start HTTP server mode")
	fmt.Fprintln(w, "  -port <port>          Server port on 127.0.0.1 (default: 5678)")
	fmt.Fprintln(w, "  -addr <host:port>     Full listen address, overrides -port")
	fmt.Fprintln(w, "  -workflows <dir>      Load workflow files from dir at startup")
	fmt.Fprintln(w, "  -token <token>        Bearer token required on /api routes")
	fmt.Fprintln(w, "  -max-active <n>       Concurrent execution limit")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -config <file>        Settings file (default: $XDG_CONFIG_HOME/flowline/flowline.yaml)")
	fmt.Fprintln(w, "  -data-dir <dir>       Database directory (default: $XDG_DATA_HOME/flowline)")
	fmt.Fprintln(w, "  -trace                Log OpenTelemetry spans")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  flowline examples/hello.yaml")
	fmt.Fprintln(w, "  flowline -input '{\"qty\": 3}' -verbose examples/orders.yaml")
	fmt.Fprintln(w, "  flowline -server -workflows ./workflows -port 8080")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  OPENAI_API_KEY        %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintf(w, "  ANTHROPIC_API_KEY     %s\n", envStatus("ANTHROPIC_API_KEY"))
	fmt.Fprintf(w, "  GEMINI_API_KEY        %s\n", envStatus("GEMINI_API_KEY"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Keys are only needed by workflows that attach a chat model.")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
