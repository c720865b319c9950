package storage

import (
	"context"
	"errors"
	"time"

	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/amanthanvi/strongbox/internal/schema"
)

var (
	ErrAuthenticationFailure  = errors.New("storage: authentication failure")
	ErrSchemaMigrationFailure = errors.New("storage: schema migration failure")
	ErrNotOpen                = errors.New("storage: store not open")
	ErrClosed                 = errors.New("storage: store closed")
	ErrAlreadyOpen            = errors.New("storage: store already open")
	ErrInvalidOptions         = errors.New("storage: invalid open options")
	ErrJournalTipMoved        = errors.New("storage: journal chain tip moved")
	ErrStoreLocked            = errors.New("storage: store locked by another owner")
)

type State int

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OpenOptions is the host-supplied description of the store. Argon2 is only
// consulted when the file is created; existing stores keep the parameters
// recorded in their key file.
type OpenOptions struct {
	Name       string
	Version    int
	Tables     []schema.Descriptor
	Passphrase []byte
	Argon2     crypto.Argon2Params
}

// keyBundle holds the artifacts produced when wrapping the master key with
// a passphrase-derived KEK. Binary fields are hex-encoded.
type keyBundle struct {
	Ciphertext    string              `json:"ciphertext"`
	Nonce         string              `json:"nonce"`
	AAD           string              `json:"aad"`
	Argon2Salt    string              `json:"argon2_salt"`
	CommitmentTag string              `json:"commitment_tag"`
	Argon2        crypto.Argon2Params `json:"argon2"`
}

// keyFile is the JSON document stored at "<store>.key". It lives outside the
// store file because the file itself is encrypted with a key derived from
// the unwrapped master key.
type keyFile struct {
	Version int    `json:"version"`
	StoreID string `json:"store_id"`
	keyBundle
}

// JournalEntry is one hash-chained record of a committed mutation.
type JournalEntry struct {
	Seq       int64
	ID        string
	Operation string
	Locator   string
	Count     int64
	PrevHash  string
	EntryHash string
	CreatedAt time.Time
}

type JournalRepository interface {
	// AppendWithTip fails with ErrJournalTipMoved when entry.PrevHash is not
	// the stored tip.
	AppendWithTip(ctx context.Context, entry *JournalEntry, tip string) error
	List(ctx context.Context, limit int) ([]JournalEntry, error)
	// ListAfter returns up to limit entries whose Seq is greater than afterSeq.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]JournalEntry, error)
	ChainTip(ctx context.Context) (string, error)
}
