package main

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	tlvcore "github.com/spectralogic/go-core/tlv"
)

func TestRecordFraming(t *testing.T) {
	data := []byte("some file data")
	record, err := EncodeRecord(FILEDATA, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(record) != TLV_HEADER_SIZE+len(data) {
		t.Fatalf("record is %d bytes, want %d", len(record), TLV_HEADER_SIZE+len(data))
	}
	tag, got, err := DecodeRecord(record)
	if err != nil {
		t.Fatal(err)
	}
	if tag != FILEDATA {
		t.Errorf("tag = %v, want %v", tag, FILEDATA)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("data = %q, want %q", got, data)
	}
}

func TestDecodeRecord_Errors(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		_, _, err := DecodeRecord(make([]byte, 10))
		if !errors.Is(err, errShortRecord) {
			t.Errorf("err = %v, want errShortRecord", err)
		}
	})
	t.Run("unknown tag", func(t *testing.T) {
		data := []byte("x")
		record := make([]byte, TLV_HEADER_SIZE+len(data))
		if _, err := tlvcore.EncodeHeader('z'<<8|'z', data, record[:TLV_HEADER_SIZE]); err != nil {
			t.Fatal(err)
		}
		copy(record[TLV_HEADER_SIZE:], data)
		_, _, err := DecodeRecord(record)
		if !errors.Is(err, errUnknownTag) {
			t.Errorf("err = %v, want errUnknownTag", err)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		record, err := EncodeRecord(FILEDATA, []byte("0123456789"))
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := DecodeRecord(record[:len(record)-4]); err == nil {
			t.Error("truncated record decoded")
		}
	})
}

type fakeInfo struct {
	os.FileInfo
	size  int64
	mode  os.FileMode
	mtime time.Time
}

func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() os.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mtime }

func TestFileHeader(t *testing.T) {
	mtime := time.Unix(1700000000, 42)
	info := fakeInfo{size: 1234, mode: 0600, mtime: mtime}
	h := NewFileHeader("01ARZ3NDEKTSV4RRFFQ69G5FAV", "01ARZ3NDEKTSV4RRFFQ69G5FAW", "/data/a.txt", info)

	record, err := EncodeFileHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeFileHeader(record)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *h {
		t.Errorf("decoded %+v, want %+v", *got, *h)
	}
	if got.GetMode() != 0600 {
		t.Errorf("mode = %v, want 0600", got.GetMode())
	}
	if !got.GetModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", got.GetModTime(), mtime)
	}
}

func TestFileHeader_DefaultMode(t *testing.T) {
	h := FileHeader{}
	if h.GetMode() != 0644 {
		t.Errorf("mode = %v, want 0644", h.GetMode())
	}
}

func TestDecodeFileHeader_Errors(t *testing.T) {
	dataRecord, err := EncodeRecord(FILEDATA, []byte(`{"id":"x","name":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	noID, err := EncodeRecord(FILEHEADER, []byte(`{"name":"y"}`))
	if err != nil {
		t.Fatal(err)
	}
	badJSON, err := EncodeRecord(FILEHEADER, []byte(`{`))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		block []byte
	}{
		{"data record", dataRecord},
		{"missing id", noID},
		{"bad json", badJSON},
		{"short", []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFileHeader(tt.block); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
