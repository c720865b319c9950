//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const schemaYAML = `tables:
  - name: notes
    columns:
      - {name: text, type: TEXT}
  - name: contacts
    columns:
      - {name: name, type: TEXT, extra: NOT NULL}
      - {name: phone, type: TEXT, sealed: true}
`

var (
	repoRoot         string
	integrationBin   string
	integrationCache string
)

func TestMain(m *testing.M) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Fprintln(os.Stderr, "integration: resolve current file")
		os.Exit(1)
	}
	repoRoot = filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))

	tmpDir, err := os.MkdirTemp(repoRoot, ".integration-bin-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration: create temp dir: %v\n", err)
		os.Exit(1)
	}

	integrationCache = filepath.Join(tmpDir, "gocache")
	if err := os.MkdirAll(integrationCache, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "integration: create gocache: %v\n", err)
		os.Exit(1)
	}

	integrationBin = filepath.Join(tmpDir, "strongbox")
	buildCmd := exec.Command("go", "build", "-o", integrationBin, "./cmd/strongbox")
	buildCmd.Dir = repoRoot
	buildCmd.Env = append(os.Environ(), "GOCACHE="+integrationCache, "CGO_ENABLED=0")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "integration: build cli: %v\n%s\n", err, string(output))
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type cliHarness struct {
	home       string
	schema     string
	passphrase string
	version    int
}

type cliResult struct {
	output   string
	exitCode int
	err      error
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()

	base, err := os.MkdirTemp(repoRoot, ".integration-run-")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.RemoveAll(base)
	})

	h := &cliHarness{
		home:       filepath.Join(base, "home"),
		schema:     filepath.Join(base, "schema.yaml"),
		passphrase: "integration-pass",
		version:    1,
	}
	require.NoError(t, os.WriteFile(h.schema, []byte(schemaYAML), 0o600))
	return h
}

func (h *cliHarness) env() []string {
	return []string{
		"STRONGBOX_HOME=" + h.home,
		"STRONGBOX_CONFIG_PATH=" + filepath.Join(h.home, "config.toml"),
		"STRONGBOX_SCHEMA_FILE=" + h.schema,
		"STRONGBOX_STORE_VERSION=" + strconv.Itoa(h.version),
		"STRONGBOX_PASSPHRASE=" + h.passphrase,
		"STRONGBOX_ARGON2_MEMORY_KIB=32768",
		"STRONGBOX_ARGON2_ITERATIONS=1",
		"STRONGBOX_LOG_LEVEL=error",
		"GOCACHE=" + integrationCache,
	}
}

func (h *cliHarness) run(timeout time.Duration, args ...string) cliResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, integrationBin, args...)
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), h.env()...)
	output, err := cmd.Output()

	res := cliResult{
		output: strings.TrimSpace(string(output)),
		err:    err,
	}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res
	}
	res.exitCode = -1
	if ctx.Err() != nil {
		res.output = strings.TrimSpace(string(output) + "\n" + ctx.Err().Error())
	}
	return res
}

func requireSuccess(t *testing.T, res cliResult, command ...string) string {
	t.Helper()
	require.NoError(t, res.err, "command failed: %s\noutput:\n%s", strings.Join(command, " "), res.output)
	require.Equal(t, 0, res.exitCode)
	return res.output
}

func requireExit(t *testing.T, res cliResult, code int, command ...string) {
	t.Helper()
	require.Error(t, res.err, "command unexpectedly succeeded: %s\noutput:\n%s", strings.Join(command, " "), res.output)
	require.Equal(t, code, res.exitCode, "command: %s", strings.Join(command, " "))
}

func queryRows(t *testing.T, h *cliHarness, args ...string) []map[string]any {
	t.Helper()
	full := append([]string{"--json", "query"}, args...)
	out := requireSuccess(t, h.run(10*time.Second, full...), full...)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	return rows
}

func TestIntegrationLifecycleInsertQueryUpdateDelete(t *testing.T) {
	h := newHarness(t)

	requireSuccess(t, h.run(10*time.Second, "init"), "init")
	out := requireSuccess(t, h.run(10*time.Second, "insert", "content://strongbox/notes", `{"text":"first"}`), "insert")
	require.Equal(t, "content://strongbox/notes/1", out)

	rows := queryRows(t, h, "content://strongbox/notes/1")
	require.Len(t, rows, 1)
	require.Equal(t, "first", rows[0]["text"])

	requireSuccess(t, h.run(10*time.Second, "update", "content://strongbox/notes/1", `{"text":"second"}`), "update")
	rows = queryRows(t, h, "content://strongbox/notes")
	require.Equal(t, "second", rows[0]["text"])

	requireSuccess(t, h.run(10*time.Second, "delete", "content://strongbox/notes/1"), "delete")
	require.Empty(t, queryRows(t, h, "content://strongbox/notes"))

	out = requireSuccess(t, h.run(10*time.Second, "journal", "verify"), "journal verify")
	require.Contains(t, out, "journal valid entries=3")
}

func TestIntegrationNoColumnIsPlaintextOnDisk(t *testing.T) {
	h := newHarness(t)

	const name = "Ada-Lovelace-unsealed-name"
	requireSuccess(t, h.run(10*time.Second, "init"), "init")
	requireSuccess(t, h.run(10*time.Second, "insert", "content://strongbox/contacts", `{"name":"`+name+`","phone":"555-0199-sealed"}`), "insert")

	rows := queryRows(t, h, "content://strongbox/contacts", "--columns", "name,phone")
	require.Equal(t, name, rows[0]["name"])
	require.Equal(t, "555-0199-sealed", rows[0]["phone"])

	matches, err := filepath.Glob(filepath.Join(h.home, "strongbox.db*"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NotContains(t, string(raw), "555-0199-sealed", path)
		require.NotContains(t, string(raw), name, path)
	}
}

func TestIntegrationWrongPassphraseIsRejected(t *testing.T) {
	h := newHarness(t)

	requireSuccess(t, h.run(10*time.Second, "init"), "init")
	h.passphrase = "not-the-passphrase"
	requireExit(t, h.run(10*time.Second, "query", "content://strongbox/notes"), 5, "query with wrong passphrase")
}

func TestIntegrationSchemaUpgradeDropsRows(t *testing.T) {
	h := newHarness(t)

	requireSuccess(t, h.run(10*time.Second, "init"), "init")
	requireSuccess(t, h.run(10*time.Second, "insert", "content://strongbox/notes", `{"text":"old"}`), "insert")

	h.version = 2
	require.Empty(t, queryRows(t, h, "content://strongbox/notes"))

	h.version = 1
	requireSuccess(t, h.run(10*time.Second, "insert", "content://strongbox/notes", `{"text":"new"}`), "insert after downgrade")
	require.Len(t, queryRows(t, h, "content://strongbox/notes"), 1)
}

func TestIntegrationConcurrentCLIInserts(t *testing.T) {
	h := newHarness(t)
	requireSuccess(t, h.run(10*time.Second, "init"), "init")

	const workers = 6
	var wg sync.WaitGroup
	results := make([]cliResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.run(30*time.Second, "insert", "content://strongbox/notes", fmt.Sprintf(`{"text":"w%d"}`, i))
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		requireSuccess(t, res, "insert", strconv.Itoa(i))
	}
	require.Len(t, queryRows(t, h, "content://strongbox/notes"), workers)
	requireSuccess(t, h.run(10*time.Second, "journal", "verify"), "journal verify")
}
