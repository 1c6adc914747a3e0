package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir, "sweep")
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Mark("AAAA", "BBBB"); err != nil {
		t.Fatal(err)
	}
	if err := j.Put("cfg-1", "run-1"); err != nil {
		t.Fatal(err)
	}
	if err := j.Put("cfg-1", "run-2"); err != nil {
		t.Fatal(err)
	}
	if err := j.SetStamp("sweep-42"); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j2, err := OpenJournal(dir, "sweep")
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()

	if j2.Len() != 3 {
		t.Errorf("Len() = %d, want 3", j2.Len())
	}
	if !j2.Has("AAAA") || !j2.Has("BBBB") || j2.Has("CCCC") {
		t.Error("marked keys not restored")
	}
	if v, ok := j2.Get("cfg-1"); !ok || v != "run-2" {
		t.Errorf("Get(cfg-1) = %q, %v; want the later value run-2", v, ok)
	}
	if got := j2.Stamp(); got != "sweep-42" {
		t.Errorf("Stamp() = %q, want sweep-42", got)
	}
}

func TestJournalSeparatedByName(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenJournal(dir, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenJournal(dir, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	a.Mark("X")
	if b.Has("X") {
		t.Error("journal b sees an entry of journal a")
	}
	if b.Stamp() != "" {
		t.Errorf("fresh Stamp() = %q, want empty", b.Stamp())
	}
}

func TestJournalRejectsSeparators(t *testing.T) {
	j, err := OpenJournal(t.TempDir(), "j")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	if err := j.Put("a\tb", "v"); err == nil {
		t.Error("expected an error for a key containing a tab")
	}
	if err := j.Put("k", "line\nbreak"); err == nil {
		t.Error("expected an error for a value containing a newline")
	}
	if j.Len() != 0 {
		t.Errorf("Len() = %d after rejected puts, want 0", j.Len())
	}
}

func TestJournalReset(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "backfill")
	if err != nil {
		t.Fatal(err)
	}
	j.Mark("AAAA")
	j.SetStamp("2025-02-10")

	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}
	if j.Has("AAAA") {
		t.Error("AAAA recorded after reset")
	}
	if j.Stamp() != "" {
		t.Errorf("Stamp() = %q after reset, want empty", j.Stamp())
	}

	// The journal stays writable and the old entries do not come back.
	if err := j.Mark("BBBB"); err != nil {
		t.Fatal(err)
	}
	j.Close()

	data, err := os.ReadFile(filepath.Join(dir, "backfill.journal"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "BBBB\t\n" {
		t.Errorf("journal file = %q, want only BBBB", data)
	}
}
