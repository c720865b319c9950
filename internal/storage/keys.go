package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

const (
	keySuffix      = ".key"
	keyFileVersion = 1
)

// openKeyring unlocks the key file next to the store, creating it when
// neither the key file nor a populated store file exists yet. A store file
// without its key file cannot be opened.
func openKeyring(storePath string, opts OpenOptions) (*crypto.Keyring, keyFile, error) {
	keyPath := storePath + keySuffix
	for attempt := 0; attempt < 2; attempt++ {
		kf, found, err := readKeyFile(keyPath)
		if err != nil {
			return nil, keyFile{}, err
		}
		if found {
			keyring, err := unlockKeyring(kf, opts.Passphrase)
			return keyring, kf, err
		}

		populated, err := fileHasData(storePath)
		if err != nil {
			return nil, keyFile{}, fmt.Errorf("open store: %w", err)
		}
		if populated {
			return nil, keyFile{}, fmt.Errorf("%w: key file %s is missing", ErrAuthenticationFailure, filepath.Base(keyPath))
		}

		keyring, kf, err := createKeyring(opts.Passphrase, opts.Argon2)
		if err != nil {
			return nil, keyFile{}, err
		}
		err = writeKeyFile(keyPath, kf)
		if err == nil {
			return keyring, kf, nil
		}
		keyring.Destroy()
		if !errors.Is(err, os.ErrExist) {
			return nil, keyFile{}, err
		}
		// Another process created the key first; unlock that one instead.
	}
	return nil, keyFile{}, fmt.Errorf("open store: key file %s changed while opening", filepath.Base(keyPath))
}

func createKeyring(passphrase []byte, params crypto.Argon2Params) (*crypto.Keyring, keyFile, error) {
	if params == (crypto.Argon2Params{}) {
		params = crypto.DefaultArgon2Params()
	}
	if err := params.Validate(); err != nil {
		return nil, keyFile{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if len(passphrase) == 0 {
		return nil, keyFile{}, fmt.Errorf("%w: empty passphrase", ErrAuthenticationFailure)
	}
	salt, err := crypto.GenerateSalt(params.SaltLen)
	if err != nil {
		return nil, keyFile{}, fmt.Errorf("create store key: %w", err)
	}
	kek, err := crypto.DeriveKEKFromPassphrase(passphrase, salt, params)
	if err != nil {
		return nil, keyFile{}, fmt.Errorf("create store key: %w", err)
	}
	defer memguard.WipeBytes(kek)

	master, err := crypto.GenerateMasterKey()
	if err != nil {
		return nil, keyFile{}, fmt.Errorf("create store key: %w", err)
	}
	storeID := uuid.NewString()
	keyring := crypto.NewKeyring(master, storeID)

	wrapped, err := keyring.WrapMasterKey(kek)
	if err != nil {
		keyring.Destroy()
		return nil, keyFile{}, fmt.Errorf("create store key: %w", err)
	}
	tag, err := keyring.CommitmentTag()
	if err != nil {
		keyring.Destroy()
		return nil, keyFile{}, fmt.Errorf("create store key: %w", err)
	}

	return keyring, keyFile{
		Version: keyFileVersion,
		StoreID: storeID,
		keyBundle: keyBundle{
			Ciphertext:    hex.EncodeToString(wrapped.Ciphertext),
			Nonce:         hex.EncodeToString(wrapped.Nonce),
			AAD:           hex.EncodeToString(wrapped.AAD),
			Argon2Salt:    hex.EncodeToString(salt),
			CommitmentTag: hex.EncodeToString(tag),
			Argon2:        params,
		},
	}, nil
}

// readKeyFile reports found=false when no key file exists.
func readKeyFile(path string) (keyFile, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return keyFile{}, false, nil
	}
	if err != nil {
		return keyFile{}, false, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return keyFile{}, false, fmt.Errorf("%w: key file: %v", ErrAuthenticationFailure, err)
	}
	if kf.Version != keyFileVersion || kf.StoreID == "" {
		return keyFile{}, false, fmt.Errorf("%w: key file: unsupported version %d", ErrAuthenticationFailure, kf.Version)
	}
	return kf, true, nil
}

// writeKeyFile publishes kf at path only if nothing is there yet. The
// content is written to a temporary file first and hard-linked into place,
// so readers never observe a partial key file. An existing key file yields
// an error wrapping os.ErrExist.
func writeKeyFile(path string, kf keyFile) error {
	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("write key file: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func fileHasData(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

func unlockKeyring(kf keyFile, passphrase []byte) (*crypto.Keyring, error) {
	salt, err := hex.DecodeString(kf.Argon2Salt)
	if err != nil {
		return nil, fmt.Errorf("unlock store: decode salt: %w", err)
	}
	kek, err := crypto.DeriveKEKFromPassphrase(passphrase, salt, kf.Argon2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	defer memguard.WipeBytes(kek)

	wrapped := crypto.WrappedKey{}
	fields := []struct {
		raw string
		dst *[]byte
	}{
		{kf.Ciphertext, &wrapped.Ciphertext},
		{kf.Nonce, &wrapped.Nonce},
		{kf.AAD, &wrapped.AAD},
	}
	for _, field := range fields {
		if *field.dst, err = hex.DecodeString(field.raw); err != nil {
			return nil, fmt.Errorf("unlock store: decode bundle: %w", err)
		}
	}
	tag, err := hex.DecodeString(kf.CommitmentTag)
	if err != nil {
		return nil, fmt.Errorf("unlock store: decode commitment: %w", err)
	}

	master, err := crypto.UnwrapMasterKey(kek, wrapped, tag)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidKEK) || errors.Is(err, crypto.ErrCommitmentMismatch) {
			return nil, ErrAuthenticationFailure
		}
		return nil, fmt.Errorf("unlock store: %w", err)
	}
	return crypto.NewKeyring(master, kf.StoreID), nil
}
