// ABOUTME: Tests for the .env file loader that reads KEY=VALUE pairs into the process environment.
// ABOUTME: Covers quoting, export prefixes, comments, missing files, and no-clobber behavior.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// unsetForTest clears keys and restores their previous values on cleanup.
func unsetForTest(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDotEnvParsesForms(t *testing.T) {
	unsetForTest(t, "FL_PLAIN", "FL_DOUBLE", "FL_SINGLE", "FL_EXPORT", "FL_EQUALS")
	path := writeTempEnv(t, `# provider keys
FL_PLAIN=hello

FL_DOUBLE="quoted value"
FL_SINGLE='single'
export FL_EXPORT=exported
FL_EQUALS=a=b
not a pair
=novalue
`)

	if n := loadDotEnv(path); n != 5 {
		t.Errorf("expected 5 variables set, got %d", n)
	}
	want := map[string]string{
		"FL_PLAIN":  "hello",
		"FL_DOUBLE": "quoted value",
		"FL_SINGLE": "single",
		"FL_EXPORT": "exported",
		"FL_EQUALS": "a=b",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestLoadDotEnvNoClobber(t *testing.T) {
	t.Setenv("FL_EXISTING", "from-env")
	path := writeTempEnv(t, "FL_EXISTING=from-file\n")

	if n := loadDotEnv(path); n != 0 {
		t.Errorf("expected nothing set, got %d", n)
	}
	if got := os.Getenv("FL_EXISTING"); got != "from-env" {
		t.Errorf("existing value was overwritten: %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if n := loadDotEnv(filepath.Join(t.TempDir(), "nope.env")); n != 0 {
		t.Errorf("expected 0 for missing file, got %d", n)
	}
}

func TestLoadDotEnvAutoWalksUp(t *testing.T) {
	unsetForTest(t, "FL_AUTO_PARENT")
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("FL_AUTO_PARENT=found\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	child := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(child, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(child)

	loadDotEnvAuto()

	if got := os.Getenv("FL_AUTO_PARENT"); got != "found" {
		t.Errorf("expected parent .env to load, got %q", got)
	}
}

func TestUnquote(t *testing.T) {
	tests := map[string]string{
		`"x"`:  "x",
		`'x'`:  "x",
		`"x'`:  `"x'`,
		`"`:    `"`,
		"bare": "bare",
		`""`:   "",
	}
	for in, want := range tests {
		if got := unquote(in); got != want {
			t.Errorf("unquote(%q) = %q, want %q", in, got, want)
		}
	}
}
