package schedstore

import (
	"path/filepath"
	"testing"

	"github.com/busoc/coreagent/internal/cronsched"
	"github.com/busoc/coreagent/internal/logging"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "schedule.txt"), filepath.Join(dir, "schedule.snap"), logging.Nop())

	sched, errs := cronsched.Parse("0 12 * * * SCRIPT /bin/true\n* * * * * PLUGIN Foo bar\n")
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	sched.CreationTimeMS = 1234

	if err := store.Save(sched); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CreationTimeMS != 1234 {
		t.Fatalf("creation time not preserved: %d", loaded.CreationTimeMS)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded.Entries))
	}
}

func TestLoadWithNoFilesReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "schedule.txt"), filepath.Join(dir, "schedule.snap"), logging.Nop())
	sched, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched != nil {
		t.Fatalf("expected nil schedule, got %+v", sched)
	}
}

func TestSaveIsAtomicOnRewrite(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "schedule.txt"), filepath.Join(dir, "schedule.snap"), logging.Nop())

	first, _ := cronsched.Parse("0 12 * * * SCRIPT /bin/true\n")
	if err := store.Save(first); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	second, _ := cronsched.Parse("0 13 * * * SCRIPT /bin/false\n")
	if err := store.Save(second); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Entries) != 1 || loaded.Entries[0].Command != "/bin/false" {
		t.Fatalf("expected the second schedule to win, got %+v", loaded.Entries)
	}
}
