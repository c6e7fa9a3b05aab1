package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog(t *testing.T) {
	c := newTestCatalog(t)
	started := time.Unix(1700000000, 0)

	next, err := c.NextFileNumber("VOL1")
	if err != nil {
		t.Fatal(err)
	}
	if next != 0 {
		t.Errorf("empty volume next file = %d, want 0", next)
	}

	if err := c.AddSession(Session{ID: "s1", Volume: "VOL1", Started: started}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddSession(Session{ID: "s2", Volume: "VOL1", Started: started.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	entries := []CatalogEntry{
		{FileID: "f0", Session: "s1", Volume: "VOL1", Name: "/a", FileNumber: 0, StartBlock: 0, Size: 10},
		{FileID: "f1", Session: "s1", Volume: "VOL1", Name: "/b", FileNumber: 1, StartBlock: 3, Size: 20},
		{FileID: "f2", Session: "s2", Volume: "VOL1", Name: "/a", FileNumber: 2, StartBlock: 6, Size: 30},
		{FileID: "g0", Session: "s3", Volume: "VOL2", Name: "/a", FileNumber: 0, StartBlock: 0, Size: 40},
	}
	for _, e := range entries {
		if err := c.AddFile(e); err != nil {
			t.Fatal(err)
		}
	}

	files, err := c.Files("VOL1")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
	for i, f := range files {
		if f != entries[i] {
			t.Errorf("file %d = %+v, want %+v", i, f, entries[i])
		}
	}

	// the latest copy of a name wins
	got, err := c.Lookup("VOL1", "/a")
	if err != nil {
		t.Fatal(err)
	}
	if got != entries[2] {
		t.Errorf("Lookup = %+v, want %+v", got, entries[2])
	}
	if _, err := c.Lookup("VOL1", "/missing"); !errors.Is(err, ErrNotCatalogued) {
		t.Errorf("missing lookup err = %v", err)
	}

	next, err = c.NextFileNumber("VOL1")
	if err != nil {
		t.Fatal(err)
	}
	if next != 3 {
		t.Errorf("next file = %d, want 3", next)
	}

	sessions, err := c.Sessions("VOL1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "s1" || sessions[0].Files != 2 || !sessions[0].Started.Equal(started) {
		t.Errorf("session 0 = %+v", sessions[0])
	}
	if sessions[1].ID != "s2" || sessions[1].Files != 1 {
		t.Errorf("session 1 = %+v", sessions[1])
	}

	if err := c.ForgetVolume("VOL1"); err != nil {
		t.Fatal(err)
	}
	if files, _ := c.Files("VOL1"); len(files) != 0 {
		t.Errorf("%d files left after ForgetVolume", len(files))
	}
	if other, _ := c.Files("VOL2"); len(other) != 1 {
		t.Errorf("ForgetVolume touched another volume: %d files", len(other))
	}
}

func TestOpenCatalog_Clean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := OpenCatalog(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AddFile(CatalogEntry{FileID: "f0", Volume: "VOL1", Name: "/a"}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = OpenCatalog(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if files, _ := c.Files("VOL1"); len(files) != 1 {
		t.Errorf("reopened catalog has %d files, want 1", len(files))
	}
	c.Close()

	c, err = OpenCatalog(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if files, _ := c.Files("VOL1"); len(files) != 0 {
		t.Errorf("clean catalog has %d files", len(files))
	}
}

func TestCatalog_LookupFollowsTapeOrder(t *testing.T) {
	c := newTestCatalog(t)
	// a rebuilt catalog can number files differently from where they sit
	entries := []CatalogEntry{
		{FileID: "f0", Session: "s1", Volume: "VOL1", Name: "/a", FileNumber: 5, StartBlock: 2, Size: 10},
		{FileID: "f1", Session: "s2", Volume: "VOL1", Name: "/a", FileNumber: 1, StartBlock: 40, Size: 20},
		{FileID: "f2", Session: "s2", Volume: "VOL1", Name: "/a", FileNumber: 3, StartBlock: 17, Size: 30},
	}
	for _, e := range entries {
		if err := c.AddFile(e); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.Lookup("VOL1", "/a")
	if err != nil {
		t.Fatal(err)
	}
	if got != entries[1] {
		t.Errorf("Lookup = %+v, want the copy at block 40", got)
	}
}
