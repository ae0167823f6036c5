package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/rs/zerolog"
)

// failingBackend fails every append while fail is set
type failingBackend struct {
	*MemoryBackend
	fail bool
}

func (f *failingBackend) AppendOperation(ctx context.Context, name string, entry *OperationEntry, text string) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryBackend.AppendOperation(ctx, name, entry, text)
}

func newMemoryStore(t *testing.T) (*Store, *failingBackend) {
	t.Helper()
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return NewStore(backend, zerolog.Nop()), backend
}

func TestStore_LoadNewDocument(t *testing.T) {
	store, _ := newMemoryStore(t)
	doc, err := store.Load(context.Background(), "/new")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.Text() != "" || doc.Revision() != 0 {
		t.Errorf("new document = rev %d %q, want rev 0 empty", doc.Revision(), doc.Text())
	}

	again, _ := store.Load(context.Background(), "/new")
	if again != doc {
		t.Error("Load() returned a different document for a cached name")
	}
}

func TestStore_Commit(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	doc, _ := store.Load(ctx, "/doc")

	first := &OperationEntry{SessionID: "s1", Operation: ot.New().Insert("héllo")}
	if err := store.Commit(ctx, doc, first); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	second := &OperationEntry{SessionID: "s2", BaseRevision: 1, Operation: ot.New().Retain(5).Insert("!")}
	if err := store.Commit(ctx, doc, second); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if doc.Text() != "héllo!" {
		t.Errorf("Text() = %q, want %q", doc.Text(), "héllo!")
	}
	if doc.Revision() != 2 || second.Revision != 2 {
		t.Errorf("Revision() = %d, entry revision %d, want 2", doc.Revision(), second.Revision)
	}
	if second.CommittedAt.IsZero() {
		t.Error("CommittedAt not set")
	}

	lengths := []int{0, 5, 6}
	for rev, want := range lengths {
		if got := doc.LenAt(rev); got != want {
			t.Errorf("LenAt(%d) = %d, want %d", rev, got, want)
		}
	}
	if got := len(doc.Since(1)); got != 1 {
		t.Errorf("len(Since(1)) = %d, want 1", got)
	}
	if got := doc.Since(2); got != nil {
		t.Errorf("Since(2) = %v, want nil", got)
	}
}

func TestStore_CommitRollsBackOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	store, backend := newMemoryStore(t)
	doc, _ := store.Load(ctx, "/doc")
	if err := store.Commit(ctx, doc, &OperationEntry{Operation: ot.New().Insert("keep")}); err != nil {
		t.Fatal(err)
	}

	backend.fail = true
	err := store.Commit(ctx, doc, &OperationEntry{Operation: ot.New().Retain(4).Insert(" lost")})
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("Commit() error = %v, want ErrPersistenceFailure", err)
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Revision != 2 {
		t.Errorf("Commit() error = %#v, want *PersistenceError for revision 2", err)
	}

	if doc.Text() != "keep" || doc.Revision() != 1 || doc.Len() != 4 {
		t.Errorf("document after failure = rev %d %q len %d, want rev 1 %q len 4", doc.Revision(), doc.Text(), doc.Len(), "keep")
	}

	// the next commit reuses the revision number
	backend.fail = false
	retry := &OperationEntry{Operation: ot.New().Retain(4).Insert("!")}
	if err := store.Commit(ctx, doc, retry); err != nil {
		t.Fatalf("Commit() after recovery error = %v", err)
	}
	if retry.Revision != 2 {
		t.Errorf("retry revision = %d, want 2", retry.Revision)
	}
}

func TestStore_EntriesAndCreatedAt(t *testing.T) {
	ctx := context.Background()
	store, backend := newMemoryStore(t)
	doc, _ := store.Load(ctx, "/doc")
	if !doc.CreatedAt().IsZero() {
		t.Errorf("CreatedAt() before any commit = %v, want zero", doc.CreatedAt())
	}

	backend.fail = true
	store.Commit(ctx, doc, &OperationEntry{Operation: ot.New().Insert("x")})
	if !doc.CreatedAt().IsZero() {
		t.Error("CreatedAt() set by a rolled back commit")
	}
	backend.fail = false

	first := &OperationEntry{SessionID: "s1", Operation: ot.New().Insert("ab")}
	second := &OperationEntry{SessionID: "s2", BaseRevision: 1, Operation: ot.New().Retain(2).Insert("c")}
	for _, e := range []*OperationEntry{first, second} {
		if err := store.Commit(ctx, doc, e); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
	if !doc.CreatedAt().Equal(first.CommittedAt) {
		t.Errorf("CreatedAt() = %v, want %v", doc.CreatedAt(), first.CommittedAt)
	}

	tests := []struct {
		since int
		want  []*OperationEntry
	}{
		{0, []*OperationEntry{first, second}},
		{1, []*OperationEntry{second}},
		{2, nil},
		{5, nil},
	}
	for _, tt := range tests {
		got := doc.Entries(tt.since)
		if len(got) != len(tt.want) {
			t.Errorf("Entries(%d) has %d entries, want %d", tt.since, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Entries(%d)[%d] = rev %d, want rev %d", tt.since, i, got[i].Revision, tt.want[i].Revision)
			}
		}
	}
}

func TestStore_CommitRejectsMismatchedOperation(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	doc, _ := store.Load(ctx, "/doc")

	err := store.Commit(ctx, doc, &OperationEntry{Operation: ot.New().Retain(3)})
	if !errors.Is(err, ot.ErrMalformedOperation) {
		t.Errorf("Commit() error = %v, want ErrMalformedOperation", err)
	}
	if doc.Revision() != 0 {
		t.Errorf("Revision() = %d, want 0", doc.Revision())
	}
}

func TestStore_DurableAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewStore(newFileBackend(t, dir), zerolog.Nop())
	doc, _ := store.Load(ctx, "/shared.txt")
	ops := []*ot.Operation{
		ot.New().Insert("hello"),
		ot.New().Insert("say ").Retain(5),
		ot.New().Retain(9).Insert("!"),
	}
	for _, op := range ops {
		if err := store.Commit(ctx, doc, &OperationEntry{SessionID: "s", Operation: op}); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	restarted := NewStore(newFileBackend(t, dir), zerolog.Nop())
	reloaded, err := restarted.Load(ctx, "/shared.txt")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reloaded.Text() != "say hello!" {
		t.Errorf("Text() = %q, want %q", reloaded.Text(), "say hello!")
	}
	if reloaded.Revision() != 3 {
		t.Errorf("Revision() = %d, want 3", reloaded.Revision())
	}
	if reloaded.Len() != 10 {
		t.Errorf("Len() = %d, want 10", reloaded.Len())
	}
}

func TestStore_Evict(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	doc, _ := store.Load(ctx, "/doc")
	if err := store.Commit(ctx, doc, &OperationEntry{Operation: ot.New().Insert("x")}); err != nil {
		t.Fatal(err)
	}

	store.Evict("/doc")
	if store.Cached() != 0 {
		t.Errorf("Cached() = %d, want 0", store.Cached())
	}

	reloaded, _ := store.Load(ctx, "/doc")
	if reloaded == doc {
		t.Error("Load() after Evict returned the evicted document")
	}
	if reloaded.Text() != "x" {
		t.Errorf("Text() = %q, want %q", reloaded.Text(), "x")
	}
}
