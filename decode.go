// This file isolates the rest of the code from the encoding/decoding of the records written
// to tape. Every tape block holds one record: a 32 byte TLV header followed by its data.
//  1. Functions to frame and unframe TLV records
//  2. Functions to read and write specific tags
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	tlvcore "github.com/spectralogic/go-core/tlv"
)

// PART 1 - TLV FRAMING

type TagType int

const (
	FILEHEADER TagType = iota
	FILEDATA
)

var Tags map[TagType]tlvcore.Tag = map[TagType]tlvcore.Tag{
	FILEHEADER: ('f'<<8 | 'h'),
	FILEDATA:   ('f'<<8 | 'd'),
}

func (t TagType) String() string {
	switch t {
	case FILEHEADER:
		return "file header"
	case FILEDATA:
		return "file data"
	}
	return fmt.Sprintf("tag %d", int(t))
}

// size of the TLV header at the start of every record
const TLV_HEADER_SIZE = 32

var (
	errShortRecord = errors.New("record shorter than a TLV header")
	errUnknownTag  = errors.New("unknown TLV tag")
)

// EncodeRecord frames data as one record ready to be written as a tape block.
func EncodeRecord(tag TagType, data []byte) ([]byte, error) {
	tlvTag, ok := Tags[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %v", errUnknownTag, tag)
	}
	record := make([]byte, TLV_HEADER_SIZE+len(data))
	if _, err := tlvcore.EncodeHeader(tlvTag, data, record[:TLV_HEADER_SIZE]); err != nil {
		return nil, fmt.Errorf("encoding TLV header: %w", err)
	}
	copy(record[TLV_HEADER_SIZE:], data)
	return record, nil
}

// DecodeRecord splits a tape block into its tag and data. The data aliases block.
func DecodeRecord(block []byte) (TagType, []byte, error) {
	if len(block) < TLV_HEADER_SIZE {
		return 0, nil, errShortRecord
	}
	tag, size, _, err := tlvcore.DecodeHeader(block[:TLV_HEADER_SIZE])
	if err != nil {
		return 0, nil, fmt.Errorf("decoding TLV header: %w", err)
	}
	// find the tag type
	var tagType TagType
	found := false
	for t, v := range Tags {
		if v == tag {
			tagType = t
			found = true
			break
		}
	}
	if !found {
		return 0, nil, fmt.Errorf("%w: %v", errUnknownTag, tag)
	}
	if size > uint64(len(block)-TLV_HEADER_SIZE) {
		return 0, nil, fmt.Errorf("record truncated: header says %d bytes, block holds %d", size, len(block)-TLV_HEADER_SIZE)
	}
	return tagType, block[TLV_HEADER_SIZE : TLV_HEADER_SIZE+int(size)], nil
}

// PART 2 - SPECIFIC TAGS

// FileHeader is the first record of every archived file.
type FileHeader struct {
	ID      string `json:"id"`
	Session string `json:"session"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    uint32 `json:"mode"`
	ModTime int64  `json:"mtime"` // unix nanoseconds
}

func NewFileHeader(id, session, name string, info os.FileInfo) *FileHeader {
	return &FileHeader{
		ID:      id,
		Session: session,
		Name:    name,
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime().UnixNano(),
	}
}

func (h *FileHeader) GetModTime() time.Time {
	return time.Unix(0, h.ModTime)
}

func (h *FileHeader) GetMode() os.FileMode {
	if h.Mode == 0 {
		return 0644
	}
	return os.FileMode(h.Mode).Perm()
}

// EncodeFileHeader returns the header as a complete FILEHEADER record.
func EncodeFileHeader(h *FileHeader) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return EncodeRecord(FILEHEADER, data)
}

// DecodeFileHeader parses a block that must hold a FILEHEADER record.
func DecodeFileHeader(block []byte) (*FileHeader, error) {
	tag, data, err := DecodeRecord(block)
	if err != nil {
		return nil, err
	}
	if tag != FILEHEADER {
		return nil, fmt.Errorf("expected %v record, found %v", FILEHEADER, tag)
	}
	var h FileHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unable to json unmarshal file header: %w", err)
	}
	if h.ID == "" || h.Name == "" {
		return nil, errors.New("file header without id or name")
	}
	return &h, nil
}
