package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"yamanaka/syncd/internal/logging"
	"yamanaka/syncd/internal/vault"
)

func newTestHistory(t *testing.T) (*vault.Store, *Store) {
	t.Helper()
	v, err := vault.NewStore(t.TempDir(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	current := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		current = current.Add(time.Second)
		return current
	}
	h, err := NewStore(v, logging.NewTestLogger(), clock)
	if err != nil {
		t.Fatalf("history NewStore: %v", err)
	}
	if err := h.EnsureInitialized(); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	return v, h
}

func TestCommitAdvancesHead(t *testing.T) {
	v, h := newTestHistory(t)

	if err := v.Write("notes/a.md", []byte("first")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ref, created, err := h.Commit("initial state")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !created || ref == "" {
		t.Fatalf("expected a new snapshot, got created=%v ref=%q", created, ref)
	}

	head, err := h.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != ref {
		t.Fatalf("HEAD %q does not match committed ref %q", head, ref)
	}

	meta, err := h.Snapshot(ref)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if meta.Message != "initial state" {
		t.Fatalf("unexpected message %q", meta.Message)
	}
	if len(meta.Files) != 1 || meta.Files[0].Path != "notes/a.md" {
		t.Fatalf("unexpected manifest: %+v", meta.Files)
	}
}

func TestCommitUnchangedTreeSkipsSnapshot(t *testing.T) {
	v, h := newTestHistory(t)
	if err := v.Write("a.md", []byte("stable")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	first, created, err := h.Commit("one")
	if err != nil || !created {
		t.Fatalf("first Commit: created=%v err=%v", created, err)
	}
	second, created, err := h.Commit("two")
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if created {
		t.Fatalf("unchanged tree must not create a snapshot")
	}
	if second != first {
		t.Fatalf("unchanged tree changed ref: %q -> %q", first, second)
	}

	metas, err := h.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(metas))
	}
}

func TestCommitChangedTreeLinksParent(t *testing.T) {
	v, h := newTestHistory(t)
	if err := v.Write("a.md", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	first, _, err := h.Commit("one")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := v.Write("a.md", []byte("v2")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	second, created, err := h.Commit("two")
	if err != nil || !created {
		t.Fatalf("second Commit: created=%v err=%v", created, err)
	}
	if second == first {
		t.Fatalf("changed tree kept the same ref %q", first)
	}

	meta, err := h.Snapshot(second)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if meta.Parent != first {
		t.Fatalf("expected parent %q, got %q", first, meta.Parent)
	}

	metas, err := h.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(metas) != 2 || metas[0].Ref != second {
		t.Fatalf("expected newest-first [%s ...], got %+v", second, metas)
	}
}

func TestCommitIgnoresBookkeepingEntries(t *testing.T) {
	v, h := newTestHistory(t)
	if err := v.Write("real.md", []byte("content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	spool := filepath.Join(v.Root(), vault.SpoolDirName, "device-b")
	if err := os.MkdirAll(spool, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(spool, "1-000000.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(v.Root(), vault.ClientsFileName), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ref, _, err := h.Commit("snapshot")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	meta, err := h.Snapshot(ref)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(meta.Files) != 1 || meta.Files[0].Path != "real.md" {
		t.Fatalf("bookkeeping entries leaked into manifest: %+v", meta.Files)
	}
}

func TestCheckoutRestoresTree(t *testing.T) {
	v, h := newTestHistory(t)
	files := map[string]string{
		"top.md":       "root note",
		"deep/next.md": "nested note",
	}
	for path, content := range files {
		if err := v.Write(path, []byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", path, err)
		}
	}
	ref, _, err := h.Commit("before wipe")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dest := t.TempDir()
	if err := h.Checkout(ref, dest); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	for path, want := range files {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(path)))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", path, err)
		}
		if string(data) != want {
			t.Fatalf("restored %s = %q, want %q", path, data, want)
		}
	}
}

func TestHeadEmptyBeforeFirstCommit(t *testing.T) {
	_, h := newTestHistory(t)
	head, err := h.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != "" {
		t.Fatalf("expected empty head, got %q", head)
	}
}
