package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "gocloud.dev/blob/memblob"
)

// recordingSink keeps what it is given and fails keys containing failOn.
type recordingSink struct {
	mu     sync.Mutex
	failOn string
	puts   map[string][]byte
}

func (s *recordingSink) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && strings.Contains(key, s.failOn) {
		return errors.New("upload refused")
	}
	if s.puts == nil {
		s.puts = map[string][]byte{}
	}
	s.puts[key] = append([]byte(nil), data...)
	return nil
}

func (s *recordingSink) Close() error { return nil }

// archiveTestTree backs up testTree and returns the restorer and catalogued files.
func archiveTestTree(t *testing.T) (*Restorer, []CatalogEntry, string) {
	t.Helper()
	stream := newArchiveStream(t, 1<<20)
	catalog := newTestCatalog(t)
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, testTree)
	if _, _, err := NewArchiver(stream, catalog, "TAPE00", testBlockSize, logger).Backup([]string{src}); err != nil {
		t.Fatal(err)
	}
	files, err := catalog.Files("TAPE00")
	if err != nil {
		t.Fatal(err)
	}
	return NewRestorer(stream, testBlockSize, logger), files, src
}

func sourceOf(t *testing.T, src string, e CatalogEntry) []byte {
	t.Helper()
	rel, err := filepath.Rel(src, filepath.FromSlash(e.Name))
	if err != nil {
		t.Fatal(err)
	}
	return testTree[filepath.ToSlash(rel)]
}

func TestExport_BlobSink(t *testing.T) {
	ctx := context.Background()
	restorer, files, src := archiveTestTree(t)
	sink, err := OpenBlobSink(ctx, "mem://", "exports/")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	// reverse the order; export still reads the tape front to back
	reversed := make([]CatalogEntry, len(files))
	for i, e := range files {
		reversed[len(files)-1-i] = e
	}
	n, err := NewExporter(restorer, []Sink{sink}, 2, testLogger(t)).Export(ctx, reversed)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(files) {
		t.Errorf("exported %d files, want %d", n, len(files))
	}
	for _, e := range files {
		got, err := sink.bucket.ReadAll(ctx, "exports/"+ObjectKey(e))
		if err != nil {
			t.Fatalf("reading %s: %v", ObjectKey(e), err)
		}
		if !bytes.Equal(got, sourceOf(t, src, e)) {
			t.Errorf("%s exported with different content", e.Name)
		}
	}
}

func TestExport_Failures(t *testing.T) {
	ctx := context.Background()
	restorer, files, src := archiveTestTree(t)

	good := &recordingSink{}
	flaky := &recordingSink{failOn: "a.txt"}
	entries := append([]CatalogEntry(nil), files...)
	bogus := files[1]
	bogus.FileID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	entries[1] = bogus

	n, err := NewExporter(restorer, []Sink{good, flaky}, 1, testLogger(t)).Export(ctx, entries)
	if err == nil {
		t.Fatal("failures not reported")
	}
	if !strings.Contains(err.Error(), "2 exports failed") {
		t.Errorf("err = %v", err)
	}
	// only sub/b.bin reached every sink
	if n != 1 {
		t.Errorf("exported %d files, want 1", n)
	}
	if len(good.puts) != 2 {
		t.Errorf("good sink got %d files, want 2", len(good.puts))
	}
	b := files[2]
	if !bytes.Equal(flaky.puts[ObjectKey(b)], sourceOf(t, src, b)) {
		t.Error("b.bin missing from the flaky sink")
	}
}

func TestExport_Cancelled(t *testing.T) {
	restorer, files, _ := archiveTestTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}
	n, err := NewExporter(restorer, []Sink{sink}, 1, testLogger(t)).Export(ctx, files)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n != 0 {
		t.Errorf("exported %d files after cancel", n)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"/data/a.txt", "TAPE00/data/a.txt"},
		{"data/a.txt", "TAPE00/data/a.txt"},
		{"../../etc/passwd", "TAPE00/etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectKey(CatalogEntry{Volume: "TAPE00", Name: tt.name}); got != tt.want {
				t.Errorf("ObjectKey = %s, want %s", got, tt.want)
			}
		})
	}
}
