// Package audit keeps a hash-chained journal of committed mutations. Each
// entry hashes the previous entry's hash together with its own canonical
// payload, so edits to stored history are detected by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amanthanvi/strongbox/internal/notify"
	"github.com/amanthanvi/strongbox/internal/storage"
)

const (
	maxTipRetries      = 16
	defaultVerifyBatch = 1000
)

type Entry struct {
	ID        string
	Timestamp time.Time
	Operation string
	Locator   string
	Count     int64
	PrevHash  string
	EntryHash string
}

type VerifyResult struct {
	Valid      bool
	EntryCount int
	ChainTip   string
	Error      string
}

// Journal is a notify.Observer that appends every change it sees.
type Journal struct {
	repo   storage.JournalRepository
	logger *slog.Logger
	// batch bounds how many entries Verify holds in memory at once.
	batch int

	mu       sync.Mutex
	chainTip string
}

func NewJournal(ctx context.Context, repo storage.JournalRepository, logger *slog.Logger) (*Journal, error) {
	if repo == nil {
		return nil, fmt.Errorf("new journal: repository is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	tip, err := repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("new journal: read chain tip: %w", err)
	}
	return &Journal{
		repo:     repo,
		logger:   logger.With(slog.String("component", "journal")),
		batch:    defaultVerifyBatch,
		chainTip: tip,
	}, nil
}

// OnChange records the change. Failures are logged, not returned: the
// mutation has already committed.
func (j *Journal) OnChange(ctx context.Context, change notify.Change) {
	if err := j.Record(ctx, change); err != nil {
		j.logger.Warn("journal append failed", slog.String("locator", change.Locator.String()), slog.Any("error", err))
	}
}

func (j *Journal) Record(ctx context.Context, change notify.Change) error {
	if change.Op == "" {
		return fmt.Errorf("record change: operation is required")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := j.append(ctx, change)
		if !errors.Is(err, storage.ErrJournalTipMoved) || attempt >= maxTipRetries {
			return err
		}
		// Another process appended since the tip was loaded.
		tip, tipErr := j.repo.ChainTip(ctx)
		if tipErr != nil {
			return fmt.Errorf("record change: reload chain tip: %w", tipErr)
		}
		j.chainTip = tip
	}
}

func (j *Journal) append(ctx context.Context, change notify.Change) error {
	now := time.Now().UTC()
	payload, err := canonicalPayload(now, string(change.Op), change.Locator.String(), change.Count)
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	hash := chainHashHex(j.chainTip, payload)
	entry := &storage.JournalEntry{
		Operation: string(change.Op),
		Locator:   change.Locator.String(),
		Count:     change.Count,
		PrevHash:  j.chainTip,
		EntryHash: hash,
		CreatedAt: now,
	}
	if err := j.repo.AppendWithTip(ctx, entry, hash); err != nil {
		if errors.Is(err, storage.ErrJournalTipMoved) {
			return err
		}
		return fmt.Errorf("record change: append: %w", err)
	}
	j.chainTip = hash
	return nil
}

func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	stored, err := j.repo.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	out := make([]Entry, 0, len(stored))
	for _, entry := range stored {
		out = append(out, Entry{
			ID:        entry.ID,
			Timestamp: entry.CreatedAt,
			Operation: entry.Operation,
			Locator:   entry.Locator,
			Count:     entry.Count,
			PrevHash:  entry.PrevHash,
			EntryHash: entry.EntryHash,
		})
	}
	return out, nil
}

// Verify recomputes the chain from the first entry and compares it with the
// stored hashes and the stored tip. Entries are read in batches.
func (j *Journal) Verify(ctx context.Context) (*VerifyResult, error) {
	var (
		prev    string
		count   int
		lastSeq int64
	)
	for {
		entries, err := j.repo.ListAfter(ctx, lastSeq, j.batch)
		if err != nil {
			return nil, fmt.Errorf("verify journal: list entries: %w", err)
		}
		for _, entry := range entries {
			count++
			payload, err := canonicalPayload(entry.CreatedAt, entry.Operation, entry.Locator, entry.Count)
			if err != nil {
				return nil, fmt.Errorf("verify journal: entry %s payload: %w", entry.ID, err)
			}
			expected := chainHashHex(prev, payload)
			if subtle.ConstantTimeCompare([]byte(entry.PrevHash), []byte(prev)) != 1 ||
				subtle.ConstantTimeCompare([]byte(entry.EntryHash), []byte(expected)) != 1 {
				return &VerifyResult{
					EntryCount: count,
					ChainTip:   prev,
					Error:      fmt.Sprintf("hash mismatch at entry %s", entry.ID),
				}, nil
			}
			prev = entry.EntryHash
			lastSeq = entry.Seq
		}
		if len(entries) < j.batch {
			break
		}
	}

	storedTip, err := j.repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify journal: read chain tip: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(storedTip), []byte(prev)) != 1 {
		return &VerifyResult{
			EntryCount: count,
			ChainTip:   prev,
			Error:      "hash mismatch at chain tip",
		}, nil
	}
	return &VerifyResult{Valid: true, EntryCount: count, ChainTip: prev}, nil
}

type chainEntry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Locator   string `json:"locator"`
	Count     int64  `json:"count"`
}

func canonicalPayload(at time.Time, op, loc string, count int64) ([]byte, error) {
	raw, err := json.Marshal(chainEntry{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Operation: op,
		Locator:   loc,
		Count:     count,
	})
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return raw, nil
}

func chainHashHex(prevHash string, payload []byte) string {
	sum := sha256.Sum256(append([]byte(prevHash), payload...))
	return hex.EncodeToString(sum[:])
}
