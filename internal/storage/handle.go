package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/amanthanvi/strongbox/internal/schema"
)

// Handle is the single live connection pool to an open store.
type Handle struct {
	db      *sql.DB
	path    string
	version int
	tables  []schema.Descriptor
	keyring *crypto.Keyring
	keys    keyFile
	lock    *fileLock

	Journal JournalRepository
}

func (h *Handle) DB() *sql.DB {
	if h == nil {
		return nil
	}
	return h.db
}

func (h *Handle) Path() string { return h.path }

// Version is the schema version recorded on disk, which may exceed the
// version requested at open.
func (h *Handle) Version() int { return h.version }

func (h *Handle) StoreID() string { return h.keyring.StoreID() }

func (h *Handle) Tables() []schema.Descriptor {
	return append([]schema.Descriptor(nil), h.tables...)
}

func (h *Handle) Keyring() *crypto.Keyring { return h.keyring }

// WithTx runs fn in a transaction, committing when fn returns nil.
func (h *Handle) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// verifyPassphrase checks passphrase against the key file loaded at open.
func (h *Handle) verifyPassphrase(passphrase []byte) error {
	keyring, err := unlockKeyring(h.keys, passphrase)
	if err != nil {
		return err
	}
	keyring.Destroy()
	return nil
}

func (h *Handle) close() error {
	h.keyring.Destroy()
	err := h.db.Close()
	if lockErr := h.lock.release(); err == nil {
		err = lockErr
	}
	return err
}
