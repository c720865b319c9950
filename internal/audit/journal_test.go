package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/amanthanvi/strongbox/internal/locator"
	"github.com/amanthanvi/strongbox/internal/notify"
	"github.com/amanthanvi/strongbox/internal/schema"
	"github.com/amanthanvi/strongbox/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestHashChainAppendAndVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	journal := mustNewJournal(t, handle.Journal)

	notes := locator.New("app", "notes")
	require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes.WithAppendedID(1), Op: notify.OpInsert, Count: 1}))
	require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes, Op: notify.OpBulkInsert, Count: 3}))
	require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes, Op: notify.OpDelete}))

	verify, err := journal.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 3, verify.EntryCount)
	require.NotEmpty(t, verify.ChainTip)

	entries, err := journal.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Empty(t, entries[0].PrevHash)
	require.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	require.Equal(t, "content://app/notes/1", entries[0].Locator)
	require.Equal(t, "bulk_insert", entries[1].Operation)
	require.EqualValues(t, 3, entries[1].Count)
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	journal := mustNewJournal(t, handle.Journal)

	notes := locator.New("app", "notes")
	for i := 0; i < 3; i++ {
		require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes, Op: notify.OpUpdate, Count: int64(i)}))
	}

	_, err := handle.DB().ExecContext(ctx, `UPDATE store_journal SET count = 99 WHERE seq = 2`)
	require.NoError(t, err)

	verify, err := journal.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Contains(t, verify.Error, "hash mismatch at entry")
}

func TestVerifyDetectsTruncatedTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	journal := mustNewJournal(t, handle.Journal)

	notes := locator.New("app", "notes")
	require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes, Op: notify.OpDelete}))
	require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes, Op: notify.OpDelete}))

	_, err := handle.DB().ExecContext(ctx, `DELETE FROM store_journal WHERE seq = (SELECT MAX(seq) FROM store_journal)`)
	require.NoError(t, err)

	verify, err := journal.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Equal(t, "hash mismatch at chain tip", verify.Error)
}

func TestChainResumesAfterReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	notes := locator.New("app", "notes")

	first := mustNewJournal(t, handle.Journal)
	require.NoError(t, first.Record(ctx, notify.Change{Locator: notes, Op: notify.OpInsert, Count: 1}))

	second := mustNewJournal(t, handle.Journal)
	require.NoError(t, second.Record(ctx, notify.Change{Locator: notes, Op: notify.OpInsert, Count: 1}))

	verify, err := second.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 2, verify.EntryCount)
}

func TestConcurrentObserverCallsKeepChainValid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	journal := mustNewJournal(t, handle.Journal)
	hub := notify.NewHub(discardLogger())
	notes := locator.New("app", "notes")
	hub.Subscribe(notes, true, journal)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hub.Notify(ctx, notify.Change{Locator: notes.WithAppendedID(int64(i + 1)), Op: notify.OpUpdate, Count: 1})
		}(i)
	}
	wg.Wait()

	verify, err := journal.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 8, verify.EntryCount)
}

func TestOnChangeLogsAppendFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	journal, err := NewJournal(context.Background(), failingRepo{}, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		journal.OnChange(context.Background(), notify.Change{Locator: locator.New("app", "notes"), Op: notify.OpDelete})
	})
	require.Contains(t, buf.String(), "journal append failed")
}

func TestRecordRecoversFromMovedTip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	first := mustNewJournal(t, handle.Journal)
	second := mustNewJournal(t, handle.Journal)

	notes := locator.New("app", "notes")
	require.NoError(t, first.Record(ctx, notify.Change{Locator: notes, Op: notify.OpInsert, Count: 1}))
	require.NoError(t, second.Record(ctx, notify.Change{Locator: notes, Op: notify.OpDelete, Count: 1}))
	require.NoError(t, first.Record(ctx, notify.Change{Locator: notes, Op: notify.OpUpdate, Count: 1}))

	verify, err := second.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, 3, verify.EntryCount)
}

func TestVerifyReadsInBoundedBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	handle := newJournalTestHandle(t)
	repo := &batchRecordingRepo{JournalRepository: handle.Journal}
	journal := mustNewJournal(t, repo)
	journal.batch = 2

	notes := locator.New("app", "notes")
	for i := 0; i < 5; i++ {
		require.NoError(t, journal.Record(ctx, notify.Change{Locator: notes.WithAppendedID(int64(i + 1)), Op: notify.OpInsert, Count: 1}))
	}

	verify, err := journal.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, 5, verify.EntryCount)
	require.Equal(t, []int{2, 2, 1}, repo.returned)

	_, err = handle.DB().ExecContext(ctx, `UPDATE store_journal SET locator = 'content://app/notes/9' WHERE seq = 5`)
	require.NoError(t, err)
	verify, err = journal.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Contains(t, verify.Error, "hash mismatch at entry")
	require.Equal(t, 5, verify.EntryCount)
}

func TestNewJournalRequiresRepository(t *testing.T) {
	t.Parallel()

	_, err := NewJournal(context.Background(), nil, nil)
	require.Error(t, err)
}

type failingRepo struct{}

func (failingRepo) AppendWithTip(context.Context, *storage.JournalEntry, string) error {
	return errors.New("disk full")
}

func (failingRepo) List(context.Context, int) ([]storage.JournalEntry, error) { return nil, nil }

func (failingRepo) ListAfter(context.Context, int64, int) ([]storage.JournalEntry, error) {
	return nil, nil
}

func (failingRepo) ChainTip(context.Context) (string, error) { return "", nil }

type batchRecordingRepo struct {
	storage.JournalRepository
	returned []int
}

func (r *batchRecordingRepo) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]storage.JournalEntry, error) {
	entries, err := r.JournalRepository.ListAfter(ctx, afterSeq, limit)
	r.returned = append(r.returned, len(entries))
	return entries, err
}

func newJournalTestHandle(t *testing.T) *storage.Handle {
	t.Helper()
	dir := t.TempDir()
	manager := storage.NewManager(dir, discardLogger())
	handle, err := manager.Open(context.Background(), storage.OpenOptions{
		Name:       filepath.Join(dir, "journal.db"),
		Version:    1,
		Tables:     []schema.Descriptor{schema.MustTable("notes", schema.NewColumn("text", schema.TypeText, ""))},
		Passphrase: []byte("journal passphrase"),
		Argon2:     crypto.MinimumArgon2Params(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, manager.Close()) })
	return handle
}

func mustNewJournal(t *testing.T, repo storage.JournalRepository) *Journal {
	t.Helper()
	journal, err := NewJournal(context.Background(), repo, discardLogger())
	require.NoError(t, err)
	return journal
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
