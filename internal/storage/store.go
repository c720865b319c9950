package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/amanthanvi/strongbox/internal/schema"
	"github.com/awnumar/memguard"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/ncruces/go-sqlite3/vfs/adiantum"
)

const (
	driverName        = "sqlite3"
	encryptedVFS      = "adiantum"
	connectionPragmas = `_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate`
	lockSuffix        = ".lock"
)

// Manager owns the lifecycle of one store file. Opening is serialized;
// concurrent and repeated opens converge on the same Handle.
type Manager struct {
	dir    string
	logger *slog.Logger

	// openMu serializes Open. mu guards state and handle and is never held
	// across key derivation or the store lock wait.
	openMu sync.Mutex
	mu     sync.Mutex
	state  State
	handle *Handle
}

func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, logger: logger.With(slog.String("component", "storage"))}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open creates the store on first use, unlocks it with the passphrase and
// applies the version policy. A wrong passphrase fails with
// ErrAuthenticationFailure and leaves the manager unopened. Opening an
// already open manager verifies the passphrase and returns the live handle.
// While another owner holds the store, Open waits until ctx is done and then
// fails with ErrStoreLocked. A Close issued while Open is pending wins: the
// new handle is discarded and Open fails with ErrClosed.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Handle, error) {
	path, err := m.resolvePath(opts)
	if err != nil {
		return nil, err
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	state, current := m.state, m.handle
	if state == StateUnopened {
		m.state = StateOpening
	}
	m.mu.Unlock()

	switch state {
	case StateClosed:
		return nil, ErrClosed
	case StateOpen:
		if current.path != path {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, current.path)
		}
		if err := current.verifyPassphrase(opts.Passphrase); err != nil {
			return nil, err
		}
		if m.State() != StateOpen {
			return nil, ErrClosed
		}
		return current, nil
	}

	handle, err := openHandle(ctx, path, opts, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		if handle != nil {
			_ = handle.close()
		}
		return nil, ErrClosed
	}
	if err != nil {
		m.state = StateUnopened
		if errors.Is(err, ErrAuthenticationFailure) {
			m.logger.Warn("store authentication failed", slog.String("path", path))
		}
		return nil, err
	}
	m.handle = handle
	m.state = StateOpen
	m.logger.Info("store opened", slog.String("path", path), slog.Int("version", handle.version))
	return handle, nil
}

// Readable and Writable return the same handle; SQLite serializes writers.
func (m *Manager) Readable() (*Handle, error) { return m.current() }
func (m *Manager) Writable() (*Handle, error) { return m.current() }

func (m *Manager) current() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateOpen:
		return m.handle, nil
	case StateClosed:
		return nil, ErrClosed
	default:
		return nil, ErrNotOpen
	}
}

// Close releases the handle and wipes the master key. It is terminal.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil
	}
	m.state = StateClosed
	if m.handle == nil {
		return nil
	}
	err := m.handle.close()
	m.handle = nil
	return err
}

func (m *Manager) resolvePath(opts OpenOptions) (string, error) {
	if opts.Name == "" {
		return "", fmt.Errorf("%w: empty store name", ErrInvalidOptions)
	}
	if opts.Version < 1 {
		return "", fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidOptions, opts.Version)
	}
	if filepath.IsAbs(opts.Name) {
		return filepath.Clean(opts.Name), nil
	}
	if m.dir == "" {
		return "", fmt.Errorf("%w: relative store name %q without a data directory", ErrInvalidOptions, opts.Name)
	}
	return filepath.Join(m.dir, opts.Name), nil
}

func openHandle(ctx context.Context, path string, opts OpenOptions, logger *slog.Logger) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open store: create parent dir: %w", err)
	}

	lock, err := acquireFileLock(ctx, path+lockSuffix)
	if err != nil {
		return nil, err
	}

	keyring, keys, err := openKeyring(path, opts)
	if err != nil {
		_ = lock.release()
		return nil, err
	}

	db, err := openEncrypted(path, keyring)
	if err != nil {
		keyring.Destroy()
		_ = lock.release()
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)

	fail := func(err error) (*Handle, error) {
		keyring.Destroy()
		_ = db.Close()
		_ = lock.release()
		return nil, err
	}

	if err := checkFileKey(ctx, db); err != nil {
		return fail(err)
	}
	version, err := migrate(ctx, db, keyring.StoreID(), opts.Tables, opts.Version, logger)
	if err != nil {
		return fail(err)
	}
	if err := ensureDBPermissions(path); err != nil {
		return fail(err)
	}

	handle := &Handle{
		db:      db,
		path:    path,
		version: version,
		tables:  append([]schema.Descriptor(nil), opts.Tables...),
		keyring: keyring,
		keys:    keys,
		lock:    lock,
	}
	handle.Journal = &journalRepository{db: db}
	return handle, nil
}

// openEncrypted opens the store through the page-encrypting VFS. Every page
// of the file and of its rollback journal is encrypted with the file key.
func openEncrypted(path string, keyring *crypto.Keyring) (*sql.DB, error) {
	fileKey, err := keyring.FileKey()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer memguard.WipeBytes(fileKey)

	db, err := sql.Open(driverName, dataSourceName(path, fileKey))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

// checkFileKey reads the schema so that a store file encrypted under some
// other key fails here rather than on first use.
func checkFileKey(ctx context.Context, db *sql.DB) error {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sqlite_master`).Scan(&count)
	if errors.Is(err, sqlite3.NOTADB) {
		return fmt.Errorf("%w: store file does not match its key file", ErrAuthenticationFailure)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	return nil
}

func dataSourceName(path string, fileKey []byte) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() +
		"?vfs=" + encryptedVFS + "&hexkey=" + hex.EncodeToString(fileKey) + "&" + connectionPragmas
}

// storeFiles lists the files that make up a store at path.
func storeFiles(path string) []string {
	return []string{path, path + "-journal", path + keySuffix, path + lockSuffix}
}

func ensureDBPermissions(path string) error {
	for _, p := range storeFiles(path) {
		if err := os.Chmod(p, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set store file permissions %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
