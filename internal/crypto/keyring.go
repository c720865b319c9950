package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyCommitmentContext = "strongbox-key-commitment"
	fileKeyContext       = "strongbox-file"
	columnKeyVersion     = "v1"
)

var (
	ErrInvalidKEK         = errors.New("invalid kek")
	ErrInvalidWrappedKey  = errors.New("invalid wrapped key")
	ErrCommitmentMismatch = errors.New("key commitment mismatch")
	ErrKeyringNotReady    = errors.New("keyring not ready")
)

// WrappedKey is the master key sealed under a passphrase-derived KEK.
type WrappedKey struct {
	Ciphertext []byte
	Nonce      []byte
	AAD        []byte
}

// Keyring holds the store master key in locked memory and derives the
// per-column keys used for sealed values.
type Keyring struct {
	master  *memguard.LockedBuffer
	storeID string
}

func NewKeyring(master *memguard.LockedBuffer, storeID string) *Keyring {
	return &Keyring{master: master, storeID: storeID}
}

func GenerateMasterKey() (*memguard.LockedBuffer, error) {
	raw, err := randomBytes(chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return memguard.NewBufferFromBytes(raw), nil
}

func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		return nil, fmt.Errorf("generate salt: length must be >= 16, got %d", length)
	}
	salt, err := randomBytes(length)
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func (k *Keyring) StoreID() string {
	if k == nil {
		return ""
	}
	return k.storeID
}

func (k *Keyring) WrapMasterKey(kek []byte) (WrappedKey, error) {
	if err := k.ensureReady(); err != nil {
		return WrappedKey{}, err
	}
	if len(kek) != chacha20poly1305.KeySize {
		return WrappedKey{}, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKEK, chacha20poly1305.KeySize)
	}

	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return WrappedKey{}, err
	}
	aad := wrapAssociatedData(k.storeID)
	ciphertext, err := SealXChaCha20Poly1305(kek, nonce, k.master.Bytes(), aad)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("wrap master key: %w", err)
	}
	return WrappedKey{Ciphertext: ciphertext, Nonce: nonce, AAD: aad}, nil
}

// UnwrapMasterKey opens a wrapped master key and checks it against the
// commitment tag recorded when the store was created. A wrong KEK yields
// ErrInvalidKEK.
func UnwrapMasterKey(kek []byte, wrapped WrappedKey, commitmentTag []byte) (*memguard.LockedBuffer, error) {
	if len(kek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKEK, chacha20poly1305.KeySize)
	}
	if len(wrapped.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidWrappedKey, chacha20poly1305.NonceSizeX)
	}
	if len(wrapped.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext must not be empty", ErrInvalidWrappedKey)
	}
	if len(commitmentTag) == 0 {
		return nil, fmt.Errorf("%w: commitment tag must not be empty", ErrInvalidWrappedKey)
	}

	plaintext, err := OpenXChaCha20Poly1305(kek, wrapped.Nonce, wrapped.Ciphertext, wrapped.AAD)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, ErrInvalidKEK
		}
		return nil, fmt.Errorf("unwrap master key: %w", err)
	}

	if !hmac.Equal(ComputeCommitmentTag(plaintext), commitmentTag) {
		memguard.WipeBytes(plaintext)
		return nil, ErrCommitmentMismatch
	}
	return memguard.NewBufferFromBytes(plaintext), nil
}

func ComputeCommitmentTag(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(keyCommitmentContext))
	return mac.Sum(nil)
}

func (k *Keyring) CommitmentTag() ([]byte, error) {
	if err := k.ensureReady(); err != nil {
		return nil, err
	}
	return ComputeCommitmentTag(k.master.Bytes()), nil
}

// FileKey derives the key that encrypts the pages of the store file. The
// caller wipes the returned slice.
func (k *Keyring) FileKey() ([]byte, error) {
	if err := k.ensureReady(); err != nil {
		return nil, err
	}
	info := []byte(fileKeyContext + ":" + columnKeyVersion + ":" + k.storeID)
	key, err := DeriveHKDFSHA256(k.master.Bytes(), nil, info, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive file key: %w", err)
	}
	return key, nil
}

// SealColumn encrypts a value destined for table.column. The result is
// nonce||ciphertext and is bound to the store, table and column.
func (k *Keyring) SealColumn(table, column string, plaintext []byte) ([]byte, error) {
	key, err := k.columnKey(table, column)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	sealed, err := sealFramed(key, plaintext, columnAssociatedData(k.storeID, table, column))
	if err != nil {
		return nil, fmt.Errorf("seal %s.%s: %w", table, column, err)
	}
	return sealed, nil
}

func (k *Keyring) OpenColumn(table, column string, sealed []byte) ([]byte, error) {
	key, err := k.columnKey(table, column)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	plaintext, err := openFramed(key, sealed, columnAssociatedData(k.storeID, table, column))
	if err != nil {
		return nil, fmt.Errorf("open %s.%s: %w", table, column, err)
	}
	return plaintext, nil
}

func (k *Keyring) Destroy() {
	if k == nil || k.master == nil {
		return
	}
	if k.master.IsAlive() {
		k.master.Destroy()
	}
	k.master = nil
}

func (k *Keyring) columnKey(table, column string) ([]byte, error) {
	if err := k.ensureReady(); err != nil {
		return nil, err
	}
	info := []byte(columnKeyVersion + ":" + table + ":" + column)
	key, err := DeriveHKDFSHA256(k.master.Bytes(), nil, info, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive column key: %w", err)
	}
	return key, nil
}

func (k *Keyring) ensureReady() error {
	if k == nil || k.master == nil || !k.master.IsAlive() {
		return ErrKeyringNotReady
	}
	return nil
}

func wrapAssociatedData(storeID string) []byte {
	return []byte("strongbox-master-key:" + storeID + ":passphrase")
}

func columnAssociatedData(storeID, table, column string) []byte {
	return []byte("strongbox-column:" + storeID + ":" + columnKeyVersion + ":" + table + ":" + column)
}
