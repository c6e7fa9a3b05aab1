package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "tapeio/tapehardware"
	. "tapeio/utils"
)

const testBlockSize = 1024

var testModTime = time.Unix(1700000000, 0)

func newArchiveStream(t *testing.T, capacity int64) *Stream {
	t.Helper()
	sim := NewTapeSimulator(0)
	sim.Insert(NewSimMedia("TAPE00", capacity))
	drive, err := Open(sim, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { drive.Close() })
	stream, err := NewStream(drive)
	if err != nil {
		t.Fatal(err)
	}
	return stream
}

func testLogger(t *testing.T) *Logger {
	t.Helper()
	l := NewLogger(filepath.Join(t.TempDir(), "test.log"), true)
	t.Cleanup(func() { l.Close() })
	return l
}

// writeTree creates files under root, relative name to content.
func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, testModTime, testModTime); err != nil {
			t.Fatal(err)
		}
	}
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

var testTree = map[string][]byte{
	"a.txt":     []byte("hello"),
	"empty.txt": {},
	"sub/b.bin": patterned(3000),
}

func TestBackupRestore(t *testing.T) {
	stream := newArchiveStream(t, 1<<20)
	catalog := newTestCatalog(t)
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, testTree)
	if err := os.Chmod(filepath.Join(src, "a.txt"), 0600); err != nil {
		t.Fatal(err)
	}

	archiver := NewArchiver(stream, catalog, "TAPE00", testBlockSize, logger)
	session, written, err := archiver.Backup([]string{src})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := GetTimeFromID(session); err != nil {
		t.Errorf("session id %q: %v", session, err)
	}

	// header, data records and a file mark per file, in walk order
	want := []struct {
		name       string
		startBlock int64
		size       int64
	}{
		{"a.txt", 0, 5},
		{"empty.txt", 3, 0},
		{"sub/b.bin", 5, 3000},
	}
	if len(written) != len(want) {
		t.Fatalf("wrote %d files, want %d", len(written), len(want))
	}
	for i, w := range want {
		e := written[i]
		if e.Name != filepath.ToSlash(filepath.Join(src, w.name)) {
			t.Errorf("file %d name = %s", i, e.Name)
		}
		if e.FileNumber != i || e.StartBlock != w.startBlock || e.Size != w.size || e.Session != session {
			t.Errorf("file %d = %+v, want number %d block %d size %d", i, e, i, w.startBlock, w.size)
		}
	}
	files, err := catalog.Files("TAPE00")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != len(written) {
		t.Fatalf("catalog has %d files, want %d", len(files), len(written))
	}

	restorer := NewRestorer(stream, testBlockSize, logger)
	dest := t.TempDir()
	for _, e := range files {
		target, err := restorer.Restore(e, dest)
		if err != nil {
			t.Fatalf("restore %s: %v", e.Name, err)
		}
		rel, err := filepath.Rel(src, filepath.FromSlash(e.Name))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, testTree[filepath.ToSlash(rel)]) {
			t.Errorf("%s restored with different content", rel)
		}
		info, err := os.Stat(target)
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(testModTime) {
			t.Errorf("%s mtime = %v, want %v", rel, info.ModTime(), testModTime)
		}
		if rel == "a.txt" && info.Mode().Perm() != 0600 {
			t.Errorf("a.txt mode = %v, want 0600", info.Mode().Perm())
		}
	}
}

func TestBackup_AppendsSession(t *testing.T) {
	stream := newArchiveStream(t, 1<<20)
	catalog := newTestCatalog(t)
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, testTree)

	archiver := NewArchiver(stream, catalog, "TAPE00", testBlockSize, logger)
	if _, _, err := archiver.Backup([]string{src}); err != nil {
		t.Fatal(err)
	}
	// the tape position is irrelevant; backups always append at end of data
	if err := stream.Rewind(); err != nil {
		t.Fatal(err)
	}
	writeTree(t, src, map[string][]byte{"a.txt": []byte("hello again")})
	_, written, err := archiver.Backup([]string{filepath.Join(src, "a.txt")})
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 {
		t.Fatalf("wrote %d files, want 1", len(written))
	}
	if written[0].FileNumber != 3 || written[0].StartBlock != 11 {
		t.Errorf("appended file = %+v, want number 3 block 11", written[0])
	}

	sessions, err := catalog.Sessions("TAPE00")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].Files != 3 || sessions[1].Files != 1 {
		t.Errorf("sessions = %+v", sessions)
	}

	// restoring by name gets the newest copy
	entry, err := catalog.Lookup("TAPE00", written[0].Name)
	if err != nil {
		t.Fatal(err)
	}
	target, err := NewRestorer(stream, testBlockSize, logger).Restore(entry, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello again" {
		t.Errorf("restored %q", got)
	}
}

func TestBackup_HeaderTooLarge(t *testing.T) {
	stream := newArchiveStream(t, 1<<20)
	catalog := newTestCatalog(t)
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"a.txt": []byte("x")})

	_, written, err := NewArchiver(stream, catalog, "TAPE00", 64, testLogger(t)).Backup([]string{src})
	if err == nil {
		t.Fatal("header larger than a block accepted")
	}
	if len(written) != 0 {
		t.Errorf("wrote %d files", len(written))
	}
	if files, _ := catalog.Files("TAPE00"); len(files) != 0 {
		t.Errorf("catalog has %d files", len(files))
	}
}

func TestBackup_EndOfMedia(t *testing.T) {
	stream := newArchiveStream(t, 3000)
	catalog := newTestCatalog(t)
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{
		"a.bin": patterned(2000),
		"b.bin": patterned(2000),
	})

	_, written, err := NewArchiver(stream, catalog, "TAPE00", testBlockSize, logger).Backup([]string{src})
	if !errors.Is(err, ErrEndOfMedia) {
		t.Fatalf("err = %v, want ErrEndOfMedia", err)
	}
	if len(written) != 1 || filepath.Base(written[0].Name) != "a.bin" {
		t.Fatalf("written = %+v, want only a.bin", written)
	}

	// the partial file is closed with a mark, so a scan still walks past it
	var scanned []ScannedFile
	err = NewRestorer(stream, testBlockSize, logger).Scan(func(f ScannedFile) error {
		scanned = append(scanned, f)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(scanned) != 2 {
		t.Fatalf("scanned %d files, want 2", len(scanned))
	}
	if !scanned[0].Complete() {
		t.Error("a.bin should be complete")
	}
	if scanned[1].Complete() || scanned[1].Size != 0 {
		t.Errorf("b.bin = %+v, want an empty partial file", scanned[1])
	}
}

func TestBackup_EndOfMediaMarkFailureLogged(t *testing.T) {
	sim := NewTapeSimulator(0)
	sim.Insert(NewSimMedia("TAPE00", 3000))
	drive, err := Open(sim, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer drive.Close()
	stream, err := NewStream(drive)
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, map[string][]byte{"big.bin": patterned(8000)})

	// the closing mark of the partial file is the first mark written
	sim.Script(OpWriteMark, StatusBusReset)
	_, written, err := NewArchiver(stream, newTestCatalog(t), "TAPE00", testBlockSize, logger).Backup([]string{src})
	if !errors.Is(err, ErrEndOfMedia) {
		t.Fatalf("err = %v, want ErrEndOfMedia", err)
	}
	if len(written) != 0 {
		t.Errorf("written = %+v, want nothing", written)
	}
	if n := sim.CallCount(OpWriteMark); n != 1 {
		t.Fatalf("write mark calls = %d, want 1", n)
	}
	log, err := os.ReadFile(logger.Filename)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(log, []byte("Could not close the partial file")) || !bytes.Contains(log, []byte("bus has been reset")) {
		t.Errorf("log does not report the failed file mark:\n%s", log)
	}
}

func TestScan(t *testing.T) {
	stream := newArchiveStream(t, 1<<20)
	catalog := newTestCatalog(t)
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, testTree)
	_, written, err := NewArchiver(stream, catalog, "TAPE00", testBlockSize, logger).Backup([]string{src})
	if err != nil {
		t.Fatal(err)
	}

	var scanned []ScannedFile
	err = NewRestorer(stream, testBlockSize, logger).Scan(func(f ScannedFile) error {
		scanned = append(scanned, f)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(scanned) != len(written) {
		t.Fatalf("scanned %d files, want %d", len(scanned), len(written))
	}
	for i, f := range scanned {
		e := written[i]
		if f.Header.ID != e.FileID || f.Header.Name != e.Name || f.FileNumber != e.FileNumber || f.StartBlock != e.StartBlock {
			t.Errorf("scanned %d = %+v, catalogued %+v", i, f, e)
		}
		if !f.Complete() || f.Size != e.Size {
			t.Errorf("scanned %d size %d, want %d", i, f.Size, e.Size)
		}
	}
}

func TestScan_BlankTape(t *testing.T) {
	stream := newArchiveStream(t, 1<<20)
	calls := 0
	err := NewRestorer(stream, testBlockSize, testLogger(t)).Scan(func(ScannedFile) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("blank tape produced %d files", calls)
	}
}

func TestRestore_Errors(t *testing.T) {
	stream := newArchiveStream(t, 1<<20)
	catalog := newTestCatalog(t)
	logger := testLogger(t)
	src := t.TempDir()
	writeTree(t, src, testTree)
	_, written, err := NewArchiver(stream, catalog, "TAPE00", testBlockSize, logger).Backup([]string{src})
	if err != nil {
		t.Fatal(err)
	}
	restorer := NewRestorer(stream, testBlockSize, logger)

	t.Run("wrong file", func(t *testing.T) {
		entry := written[1]
		entry.FileID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
		if _, err := restorer.Restore(entry, t.TempDir()); !errors.Is(err, ErrFileMismatch) {
			t.Errorf("err = %v, want ErrFileMismatch", err)
		}
	})
	t.Run("past end of data", func(t *testing.T) {
		entry := written[0]
		entry.StartBlock = 100
		if _, err := restorer.Restore(entry, t.TempDir()); !errors.Is(err, ErrEndOfData) {
			t.Errorf("err = %v, want ErrEndOfData", err)
		}
	})
	t.Run("data record", func(t *testing.T) {
		entry := written[0]
		entry.StartBlock = 1
		if _, err := restorer.Restore(entry, t.TempDir()); err == nil {
			t.Error("restored from a data record")
		}
	})
}

func TestSafeJoin(t *testing.T) {
	dest := filepath.FromSlash("/restore")
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"/data/a.txt", "/restore/data/a.txt", false},
		{"data/a.txt", "/restore/data/a.txt", false},
		{"../../etc/passwd", "/restore/etc/passwd", false},
		{`dir\file`, "/restore/dir/file", false},
		{"/", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := safeJoin(dest, tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("safeJoin(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}
