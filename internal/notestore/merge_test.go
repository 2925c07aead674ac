package notestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/perthro/internal/snapshot"
)

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read %s: %v", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", dst, err)
	}
}

func dumpStore(t *testing.T, s *Store) *storeData {
	t.Helper()
	data, err := readAll(s.conn)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	return data
}

// Two devices start from the same snapshot, edit independently, and
// exchange their work through conflict siblings. Both must converge on the
// same record set regardless of merge order.
func TestMergeConvergence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a", "notes.db")
	pathB := filepath.Join(dir, "b", "notes.db")
	if err := os.MkdirAll(filepath.Dir(pathA), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(pathB), 0o755); err != nil {
		t.Fatal(err)
	}

	c := testClock()

	// Device A seeds the shared note.
	a := newStore(t, pathA, "device-a", c)
	if err := a.Open(ctx); err != nil {
		t.Fatalf("open a: %v", err)
	}
	sharedID, _, err := a.CreateNote(ctx, "# Shared\n\nOriginal text.\n")
	if err != nil {
		t.Fatalf("create shared: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close a: %v", err)
	}

	// Device B starts from a copy of A's snapshot.
	copyFile(t, pathA, pathB)

	c.Advance(time.Hour)
	b := newStore(t, pathB, "device-b", c)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if _, err := b.UpdateNoteText(ctx, sharedID, "# Shared\n\nEdited on B.\n"); err != nil {
		t.Fatalf("update on b: %v", err)
	}
	if _, _, err := b.CreateNote(ctx, "# Only B\n\nWritten on B. #b\n"); err != nil {
		t.Fatalf("create on b: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close b: %v", err)
	}

	// Meanwhile A adds its own note.
	c.Advance(time.Hour)
	a2 := newStore(t, pathA, "device-a", c)
	if err := a2.Open(ctx); err != nil {
		t.Fatalf("reopen a: %v", err)
	}
	if _, _, err := a2.CreateNote(ctx, "# Only A\n\nWritten on A. #a\n"); err != nil {
		t.Fatalf("create on a: %v", err)
	}
	if err := a2.Close(ctx); err != nil {
		t.Fatalf("close a2: %v", err)
	}

	// Cross-pollinate: each side receives the other's snapshot as a
	// conflict sibling and absorbs it on open.
	fileA, err := snapshot.NewFile(pathA)
	if err != nil {
		t.Fatal(err)
	}
	fileB, err := snapshot.NewFile(pathB)
	if err != nil {
		t.Fatal(err)
	}
	copyFile(t, pathB, fileA.ConflictPath("from-b"))
	copyFile(t, pathA, fileB.ConflictPath("from-a"))

	c.Advance(time.Hour)
	a3 := openStore(t, pathA, "device-a", c)
	b3 := openStore(t, pathB, "device-b", c)

	// B's later edit of the shared note wins on both sides.
	noteA, err := a3.Note(ctx, sharedID)
	if err != nil {
		t.Fatalf("shared note on a: %v", err)
	}
	if noteA.Text == nil || *noteA.Text != "# Shared\n\nEdited on B.\n" {
		t.Errorf("shared note on a = %v, want B's edit", noteA.Text)
	}

	sumsA, _ := a3.ListNotes(ctx)
	sumsB, _ := b3.ListNotes(ctx)
	if len(sumsA) != 3 || len(sumsB) != 3 {
		t.Fatalf("note counts after merge: a=%d b=%d, want 3 each", len(sumsA), len(sumsB))
	}

	dataA := dumpStore(t, a3)
	dataB := dumpStore(t, b3)
	if diff := cmp.Diff(dataA.notes, dataB.notes); diff != "" {
		t.Errorf("notes diverged (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff(dataA.entries, dataB.entries); diff != "" {
		t.Errorf("study logs diverged (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff(dataA.vector(), dataB.vector()); diff != "" {
		t.Errorf("version vectors diverged (-a +b):\n%s", diff)
	}

	// Conflict siblings are consumed by the merge.
	leftovers, err := fileA.ConflictVersions()
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("conflict files remain: %v", leftovers)
	}
}

// A tombstone written on one device must erase the note on the other even
// though the other side still holds live content for it.
func TestMergePropagatesDeletion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	c := testClock()

	a := newStore(t, pathA, "device-a", c)
	if err := a.Open(ctx); err != nil {
		t.Fatalf("open a: %v", err)
	}
	id, _, err := a.CreateNote(ctx, "# Doomed\n\nQ: q?\nA: a\n")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close a: %v", err)
	}
	copyFile(t, pathA, pathB)

	c.Advance(time.Hour)
	b := newStore(t, pathB, "device-b", c)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if err := b.DeleteNote(ctx, id); err != nil {
		t.Fatalf("delete on b: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close b: %v", err)
	}

	fileA, err := snapshot.NewFile(pathA)
	if err != nil {
		t.Fatal(err)
	}
	copyFile(t, pathB, fileA.ConflictPath("tombstone"))

	c.Advance(time.Hour)
	a2 := openStore(t, pathA, "device-a", c)
	if _, err := a2.Note(ctx, id); err == nil {
		t.Error("deleted note still readable after merge")
	}
	ids, _ := a2.EligibleChallenges(ctx, c.Now(), nil)
	if len(ids) != 0 {
		t.Errorf("challenges survive deletion: %v", ids)
	}
}

// Merging is idempotent: absorbing the same snapshot twice changes nothing
// the second time.
func TestMergeIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	c := testClock()

	b := newStore(t, pathB, "device-b", c)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if _, _, err := b.CreateNote(ctx, "# From B\n\nText. #tag\n"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close b: %v", err)
	}

	c.Advance(time.Hour)
	a := openStore(t, pathA, "device-a", c)
	if _, _, err := a.CreateNote(ctx, "# From A\n\nText.\n"); err != nil {
		t.Fatalf("create on a: %v", err)
	}

	src, err := readSnapshot(pathB)
	if err != nil {
		t.Fatalf("read b snapshot: %v", err)
	}

	a.mu.Lock()
	first, err := a.mergeLocked(src)
	a.mu.Unlock()
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if !first.Changed() {
		t.Fatal("first merge reported no changes")
	}
	if first.Notes.Inserted != 1 {
		t.Errorf("first merge = %+v, want one inserted note", first.Notes)
	}

	a.mu.Lock()
	second, err := a.mergeLocked(src)
	a.mu.Unlock()
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if second.Changed() {
		t.Errorf("second merge = %+v, want no changes", second)
	}
}

// A stale record never overwrites a newer one, whichever order the merges
// run in.
func TestMergeLastWriterWins(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	c := testClock()

	a := newStore(t, pathA, "device-a", c)
	if err := a.Open(ctx); err != nil {
		t.Fatalf("open a: %v", err)
	}
	id, _, err := a.CreateNote(ctx, "# Contested\n\nVersion 1.\n")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close a: %v", err)
	}
	copyFile(t, pathA, pathB)

	// B edits later than A's last write.
	c.Advance(2 * time.Hour)
	b := newStore(t, pathB, "device-b", c)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if _, err := b.UpdateNoteText(ctx, id, "# Contested\n\nVersion 2 from B.\n"); err != nil {
		t.Fatalf("update on b: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close b: %v", err)
	}

	// A absorbs B's edit, then sees B's old snapshot again; the replay
	// must not roll the note back.
	c.Advance(time.Hour)
	a2 := openStore(t, pathA, "device-a", c)
	srcNew, err := readSnapshot(pathB)
	if err != nil {
		t.Fatal(err)
	}
	a2.mu.Lock()
	if _, err := a2.mergeLocked(srcNew); err != nil {
		a2.mu.Unlock()
		t.Fatalf("merge new: %v", err)
	}
	if _, err := a2.mergeLocked(srcNew); err != nil {
		a2.mu.Unlock()
		t.Fatalf("merge replay: %v", err)
	}
	a2.mu.Unlock()

	note, err := a2.Note(ctx, id)
	if err != nil {
		t.Fatalf("Note: %v", err)
	}
	if note.Text == nil || *note.Text != "# Contested\n\nVersion 2 from B.\n" {
		t.Errorf("note rolled back: %v", note.Text)
	}
}

// HandleExternalChange reconciles a snapshot rewritten underneath an open
// store without losing the store's own unflushed work.
func TestHandleExternalChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	c := testClock()

	// B prepares a snapshot with its own note.
	b := newStore(t, pathB, "device-b", c)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open b: %v", err)
	}
	bID, _, err := b.CreateNote(ctx, "# External\n\nFrom B.\n")
	if err != nil {
		t.Fatalf("create on b: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close b: %v", err)
	}

	c.Advance(time.Hour)
	a := openStore(t, pathA, "device-a", c)
	aID, _, err := a.CreateNote(ctx, "# Local\n\nFrom A.\n")
	if err != nil {
		t.Fatalf("create on a: %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("flush a: %v", err)
	}

	// Another process clobbers A's snapshot with B's.
	copyFile(t, pathB, pathA)

	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	if err := a.HandleExternalChange(ctx); err != nil {
		t.Fatalf("HandleExternalChange: %v", err)
	}

	if _, err := a.Note(ctx, bID); err != nil {
		t.Errorf("external note missing: %v", err)
	}
	if _, err := a.Note(ctx, aID); err != nil {
		t.Errorf("local note lost: %v", err)
	}
	// The snapshot on disk lacks A's note, so the store must flush again.
	if !a.Dirty() {
		t.Error("store clean although disk lacks its records")
	}

	select {
	case ev := <-sub:
		if ev.Kind != EventStoreMerged {
			t.Errorf("event kind = %s", ev.Kind)
		}
		if !ev.Merge.Changed() {
			t.Error("merge event with no changes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no merge event delivered")
	}

	// Re-applying the same snapshot is quiet.
	if err := a.HandleExternalChange(ctx); err != nil {
		t.Fatalf("second HandleExternalChange: %v", err)
	}
}
