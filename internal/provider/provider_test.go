package provider

import (
	"context"
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

var (
	notesURI    = locator.MustParse("content://app/notes")
	tasksURI    = locator.MustParse("content://app/tasks")
	contactsURI = locator.MustParse("content://app/contacts")
)

func TestNotesLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.provider.Insert(ctx, notesURI, Values{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, "content://app/notes/1", created.String())

	rows := mustQuery(t, env.provider, created, Query{})
	require.Equal(t, []map[string]any{{"_id": int64(1), "text": "hi"}}, rows)

	count, err := env.provider.Delete(ctx, created, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	require.Empty(t, mustQuery(t, env.provider, created, Query{}))
}

func TestInsertRejectsRowLocatorAndUnknownTable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.provider.Insert(ctx, notesURI.WithAppendedID(3), Values{"text": "x"})
	require.ErrorIs(t, err, ErrInvalidAddress)

	for _, raw := range []string{
		"content://app/missing",
		"content://other/notes",
		"content://app/notes/abc",
		"content://app/notes/0",
		"content://app/notes/1/extra",
	} {
		_, err := env.provider.Insert(ctx, locator.MustParse(raw), Values{"text": "x"})
		require.ErrorIsf(t, err, ErrInvalidAddress, "locator %s", raw)
		_, err = env.provider.Query(ctx, locator.MustParse(raw), Query{})
		require.ErrorIsf(t, err, ErrInvalidAddress, "locator %s", raw)
	}
	require.Empty(t, env.recorder.changes())
}

func TestInsertWriteFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.provider.Insert(ctx, notesURI, Values{"nope": 1})
	require.ErrorIs(t, err, ErrWriteFailure)

	_, err = env.provider.Insert(ctx, notesURI, Values{"_id": 7, "text": "x"})
	require.ErrorIs(t, err, ErrWriteFailure)

	_, err = env.provider.Insert(ctx, tasksURI, Values{"title": nil})
	require.ErrorIs(t, err, ErrWriteFailure)

	require.Empty(t, env.recorder.changes())
}

func TestInsertWithoutValuesUsesDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.provider.Insert(ctx, notesURI, nil)
	require.NoError(t, err)
	rows := mustQuery(t, env.provider, created, Query{})
	require.Len(t, rows, 1)
	require.Nil(t, rows[0]["text"])
}

func TestBulkInsertIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	n, err := env.provider.BulkInsert(ctx, tasksURI, []Values{{"title": "a"}, {"title": "b"}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = env.provider.BulkInsert(ctx, tasksURI, []Values{
		{"title": "c"},
		{"title": nil},
		{"title": "d"},
	})
	require.ErrorIs(t, err, ErrWriteFailure)
	require.Len(t, mustQuery(t, env.provider, tasksURI, Query{}), 2)

	changes := env.recorder.changes()
	require.Len(t, changes, 1)
	require.Equal(t, tasksURI, changes[0].Locator)
	require.Equal(t, notify.OpBulkInsert, changes[0].Op)
	require.EqualValues(t, 2, changes[0].Count)
}

func TestBulkInsertEmptyBatchStillNotifies(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	n, err := env.provider.BulkInsert(context.Background(), notesURI, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, env.recorder.changes(), 1)

	_, err = env.provider.BulkInsert(context.Background(), notesURI.WithAppendedID(1), nil)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestQueryFilterProjectionAndOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.provider.BulkInsert(ctx, tasksURI, []Values{
		{"title": "b", "done": 1},
		{"title": "a", "done": 0},
		{"title": "c", "done": 1},
	})
	require.NoError(t, err)

	rows := mustQuery(t, env.provider, tasksURI, Query{
		Projection: []string{"title"},
		Filter:     "done = ?",
		Args:       []any{1},
		Order:      "title DESC",
	})
	require.Equal(t, []map[string]any{{"title": "c"}, {"title": "b"}}, rows)

	// A filter on a row locator narrows but never widens.
	require.Len(t, mustQuery(t, env.provider, tasksURI.WithAppendedID(2), Query{Filter: "1 = 1 OR done = 1"}), 1)
	require.Empty(t, mustQuery(t, env.provider, tasksURI.WithAppendedID(2), Query{Filter: "done = ?", Args: []any{1}}))

	_, err = env.provider.Query(ctx, tasksURI, Query{Projection: []string{"missing"}})
	require.ErrorContains(t, err, "unknown column")
}

func TestRowLevelUpdateAndDeleteIgnoreFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.provider.BulkInsert(ctx, tasksURI, []Values{{"title": "a"}, {"title": "b"}, {"title": "c"}})
	require.NoError(t, err)

	count, err := env.provider.Update(ctx, tasksURI.WithAppendedID(2), Values{"done": 1}, "1 = 1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Len(t, mustQuery(t, env.provider, tasksURI, Query{Filter: "done = 1"}), 1)

	count, err = env.provider.Delete(ctx, tasksURI.WithAppendedID(1), "_id > 0")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Len(t, mustQuery(t, env.provider, tasksURI, Query{}), 2)
}

func TestTableLevelUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.provider.BulkInsert(ctx, tasksURI, []Values{{"title": "a"}, {"title": "b"}, {"title": "c"}})
	require.NoError(t, err)

	count, err := env.provider.Update(ctx, tasksURI, Values{"done": 1}, "title IN (?, ?)", "a", "b")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	count, err = env.provider.Update(ctx, tasksURI, Values{"done": 2}, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	count, err = env.provider.Delete(ctx, tasksURI, "title = ?", "zzz")
	require.NoError(t, err)
	require.Zero(t, count)

	count, err = env.provider.Delete(ctx, tasksURI, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestZeroCountMutationsStillNotify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	row := notesURI.WithAppendedID(42)

	count, err := env.provider.Update(ctx, row, Values{"text": "x"}, "")
	require.NoError(t, err)
	require.Zero(t, count)
	count, err = env.provider.Delete(ctx, row, "")
	require.NoError(t, err)
	require.Zero(t, count)

	changes := env.recorder.changes()
	require.Len(t, changes, 2)
	require.Equal(t, row, changes[0].Locator)
	require.Equal(t, notify.OpUpdate, changes[0].Op)
	require.Equal(t, notify.OpDelete, changes[1].Op)
}

func TestUpdateWriteFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.provider.Update(ctx, notesURI, Values{}, "")
	require.ErrorIs(t, err, ErrWriteFailure)
	_, err = env.provider.Update(ctx, notesURI, Values{"bogus": 1}, "")
	require.ErrorIs(t, err, ErrWriteFailure)
	_, err = env.provider.Update(ctx, notesURI, Values{"text": "x"}, "no_such_column = 1")
	require.ErrorIs(t, err, ErrWriteFailure)
	_, err = env.provider.Update(ctx, locator.MustParse("content://app/ghosts"), Values{"text": "x"}, "")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestUpdateRejectsRowIDAssignment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	created, err := env.provider.Insert(ctx, notesURI, Values{"text": "a"})
	require.NoError(t, err)

	for _, key := range []string{"_id", "_ID"} {
		_, err = env.provider.Update(ctx, created, Values{key: 99, "text": "moved"}, "")
		require.ErrorIs(t, err, ErrWriteFailure)
	}

	rows := mustQuery(t, env.provider, notesURI, Query{})
	require.Equal(t, []map[string]any{{"_id": int64(1), "text": "a"}}, rows)
}

func TestNonCanonicalRowSpellingsAreNotAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.provider.Insert(ctx, notesURI, Values{"text": "a"})
	require.NoError(t, err)

	cursor, err := env.provider.Query(ctx, notesURI.WithAppendedID(1), Query{})
	require.NoError(t, err)
	defer func() { require.NoError(t, cursor.Close()) }()

	for _, raw := range []string{"content://app/notes/01", "content://app/notes/+1", "content://app/notes%2F1"} {
		alias, err := locator.Parse(raw)
		require.NoError(t, err)
		_, err = env.provider.Update(ctx, alias, Values{"text": "aliased"}, "")
		require.ErrorIsf(t, err, ErrInvalidAddress, "update via %q", raw)
		_, err = env.provider.Delete(ctx, alias, "")
		require.ErrorIsf(t, err, ErrInvalidAddress, "delete via %q", raw)
	}
	require.False(t, cursor.Stale())

	_, err = locator.Parse("content://app/notes//1")
	require.ErrorIs(t, err, locator.ErrInvalidLocator)

	_, err = env.provider.Update(ctx, locator.MustParse("content://app/notes/1"), Values{"text": "b"}, "")
	require.NoError(t, err)
	require.True(t, cursor.Stale())
}

func TestInsertNotifiesRowLocator(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.provider.Insert(context.Background(), notesURI, Values{"text": "a"})
	require.NoError(t, err)

	changes := env.recorder.changes()
	require.Len(t, changes, 1)
	require.Equal(t, created, changes[0].Locator)
	require.Equal(t, notify.OpInsert, changes[0].Op)
}

func TestSealedColumnsRoundTripAndAreOpaqueOnDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.provider.Insert(ctx, contactsURI, Values{
		"name":  "Ada",
		"phone": "+1 555 0100",
		"photo": []byte{0xde, 0xad},
	})
	require.NoError(t, err)

	rows := mustQuery(t, env.provider, created, Query{})
	require.Len(t, rows, 1)
	require.Equal(t, "+1 555 0100", rows[0]["phone"])
	require.Equal(t, []byte{0xde, 0xad}, rows[0]["photo"])

	handle, err := env.manager.Readable()
	require.NoError(t, err)
	var raw []byte
	require.NoError(t, handle.DB().QueryRow(`SELECT phone FROM contacts WHERE _id = 1`).Scan(&raw))
	require.NotContains(t, string(raw), "555")

	_, err = env.provider.Insert(ctx, contactsURI, Values{"phone": 5550100})
	require.ErrorIs(t, err, ErrWriteFailure)

	_, err = env.provider.Update(ctx, created, Values{"phone": nil}, "")
	require.NoError(t, err)
	rows = mustQuery(t, env.provider, created, Query{Projection: []string{"phone"}})
	require.Equal(t, []map[string]any{{"phone": nil}}, rows)
}

func TestCursorIsLazyAndObservesChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.provider.BulkInsert(ctx, notesURI, []Values{{"text": "a"}, {"text": "b"}})
	require.NoError(t, err)

	cursor, err := env.provider.Query(ctx, notesURI, Query{Order: "_id"})
	require.NoError(t, err)
	require.Equal(t, []string{"_id", "text"}, cursor.Columns())
	require.False(t, cursor.Stale())

	require.True(t, cursor.Next())
	require.Equal(t, "a", cursor.Row()["text"])

	_, err = env.provider.Update(ctx, notesURI.WithAppendedID(2), Values{"text": "b2"}, "")
	require.NoError(t, err)

	select {
	case <-cursor.Changed():
	default:
		t.Fatal("expected cursor to observe the row change")
	}
	require.True(t, cursor.Stale())

	require.NoError(t, cursor.Close())
	require.False(t, cursor.Next())
	require.NoError(t, cursor.Err())
	require.NoError(t, cursor.Close())

	_, err = cursor.All()
	require.Error(t, err)
}

func TestRowCursorIgnoresSiblingChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.provider.BulkInsert(ctx, notesURI, []Values{{"text": "a"}, {"text": "b"}})
	require.NoError(t, err)

	cursor, err := env.provider.Query(ctx, notesURI.WithAppendedID(1), Query{})
	require.NoError(t, err)
	defer func() { require.NoError(t, cursor.Close()) }()

	_, err = env.provider.Delete(ctx, notesURI.WithAppendedID(2), "")
	require.NoError(t, err)
	require.False(t, cursor.Stale())

	_, err = env.provider.Delete(ctx, notesURI, "")
	require.NoError(t, err)
	require.True(t, cursor.Stale())
}

func TestClosedCursorUnsubscribes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	before := env.hub.Len()
	cursor, err := env.provider.Query(context.Background(), notesURI, Query{})
	require.NoError(t, err)
	require.Equal(t, before+1, env.hub.Len())
	require.NoError(t, cursor.Close())
	require.Equal(t, before, env.hub.Len())
}

func TestObserverPanicDoesNotFailMutation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.hub.Subscribe(notesURI, true, notify.ObserverFunc(func(context.Context, notify.Change) {
		panic("listener failure")
	}))

	created, err := env.provider.Insert(context.Background(), notesURI, Values{"text": "kept"})
	require.NoError(t, err)
	require.Len(t, mustQuery(t, env.provider, created, Query{}), 1)
}

func TestOperationsBeforeOpenAndAfterClose(t *testing.T) {
	t.Parallel()

	registry := schema.NewRegistry("app", notesTable())
	manager := storage.NewManager(t.TempDir(), discardLogger())
	p := New(manager, registry, notify.NewHub(discardLogger()), discardLogger())

	_, err := p.Insert(context.Background(), notesURI, Values{"text": "x"})
	require.ErrorIs(t, err, storage.ErrNotOpen)

	require.NoError(t, manager.Close())
	_, err = p.Query(context.Background(), notesURI, Query{})
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestConcurrentInsertsFromManyGoroutines(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := env.provider.Insert(ctx, notesURI, Values{"text": "c"}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, mustQuery(t, env.provider, notesURI, Query{}), writers*10)
}

func TestAuthority(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.Equal(t, "app", env.provider.Authority())
	require.Len(t, env.provider.Registry().Tables(), 3)
}

type testEnv struct {
	provider *Provider
	manager  *storage.Manager
	hub      *notify.Hub
	recorder *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tables := []schema.Descriptor{
		notesTable(),
		schema.MustTable("tasks",
			schema.NewColumn("title", schema.TypeText, "NOT NULL"),
			schema.NewColumn("done", schema.TypeInteger, "NOT NULL DEFAULT 0"),
		),
		schema.MustTable("contacts",
			schema.NewColumn("name", schema.TypeText, ""),
			schema.SealedColumn("phone", schema.TypeText),
			schema.SealedColumn("photo", schema.TypeBlob),
		),
	}

	dir := t.TempDir()
	manager := storage.NewManager(dir, discardLogger())
	_, err := manager.Open(context.Background(), storage.OpenOptions{
		Name:       filepath.Join(dir, "provider.db"),
		Version:    1,
		Tables:     tables,
		Passphrase: []byte("provider passphrase"),
		Argon2:     crypto.MinimumArgon2Params(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, manager.Close()) })

	hub := notify.NewHub(discardLogger())
	rec := &recorder{}
	for _, table := range tables {
		loc := locator.New("app", table.Name())
		hub.Subscribe(loc, true, rec)
	}

	return &testEnv{
		provider: New(manager, schema.NewRegistry("app", tables...), hub, discardLogger()),
		manager:  manager,
		hub:      hub,
		recorder: rec,
	}
}

func notesTable() *schema.Table {
	return schema.MustTable("notes", schema.NewColumn("text", schema.TypeText, ""))
}

func mustQuery(t *testing.T, p *Provider, loc locator.Locator, q Query) []map[string]any {
	t.Helper()
	cursor, err := p.Query(context.Background(), loc, q)
	require.NoError(t, err)
	rows, err := cursor.All()
	require.NoError(t, err)
	return rows
}

type recorder struct {
	mu   sync.Mutex
	seen []notify.Change
}

func (r *recorder) OnChange(_ context.Context, change notify.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, change)
}

func (r *recorder) changes() []notify.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Change(nil), r.seen...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
