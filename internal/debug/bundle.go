package debug

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Bundle is a diagnostics snapshot. It never carries passphrases or row data.
type Bundle struct {
	GeneratedAt string         `json:"generated_at"`
	GOOS        string         `json:"goos"`
	GOARCH      string         `json:"goarch"`
	Version     map[string]any `json:"version,omitempty"`
	Store       map[string]any `json:"store,omitempty"`
	Checks      []Check        `json:"checks,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
}

func NewBundle() Bundle {
	return Bundle{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
	}
}

func (b *Bundle) AddCheck(name string, err error, okMessage string) {
	if err != nil {
		b.Checks = append(b.Checks, Check{Name: name, OK: false, Message: err.Error()})
		return
	}
	b.Checks = append(b.Checks, Check{Name: name, OK: true, Message: okMessage})
}

// Healthy reports whether every recorded check passed.
func (b Bundle) Healthy() bool {
	for _, check := range b.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

// CheckStoreFile inspects the store file, its key file and its rollback
// journal. A missing store is reported as not initialized; group or world
// access bits fail, as does a store whose key file is gone.
func CheckStoreFile(path string) Check {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Check{Name: "store_file", OK: false, Message: "store not initialized: " + path}
	}
	if err != nil {
		return Check{Name: "store_file", OK: false, Message: err.Error()}
	}
	if _, err := os.Stat(path + ".key"); errors.Is(err, fs.ErrNotExist) && info.Size() > 0 {
		return Check{Name: "store_file", OK: false, Message: "key file missing: " + filepath.Base(path) + ".key"}
	}
	if runtime.GOOS == "windows" {
		return Check{Name: "store_file", OK: true, Message: fmt.Sprintf("%d bytes", info.Size())}
	}
	for _, candidate := range []string{path, path + ".key", path + "-journal"} {
		st, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if perm := st.Mode().Perm(); perm&0o077 != 0 {
			return Check{Name: "store_file", OK: false, Message: fmt.Sprintf("%s has permissions %04o, want 0600", filepath.Base(candidate), perm)}
		}
	}
	return Check{Name: "store_file", OK: true, Message: fmt.Sprintf("%d bytes, mode 0600", info.Size())}
}

func WriteBundle(outputPath string, bundle Bundle) error {
	if outputPath == "" {
		return fmt.Errorf("write debug bundle: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("write debug bundle: create output directory: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("write debug bundle: marshal json: %w", err)
	}
	if err := os.WriteFile(outputPath, payload, 0o600); err != nil {
		return fmt.Errorf("write debug bundle: %w", err)
	}
	return nil
}
