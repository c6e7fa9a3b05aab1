package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	. "tapeio/tapehardware"
	. "tapeio/utils"
)

var (
	ErrEndOfData    = errors.New("end of recorded data")
	ErrFileMismatch = errors.New("tape file does not match catalog")
)

// Restorer reads archived files back from a volume.
type Restorer struct {
	stream    *Stream
	blockSize int
	logger    *Logger
}

func NewRestorer(stream *Stream, blockSize int, logger *Logger) *Restorer {
	return &Restorer{stream: stream, blockSize: blockSize, logger: logger}
}

// readTapeFile reads the tape file at the current position: its header, then
// its data records, which go to the writer open returns. It stops after the
// closing file mark, ready to read the next file. At the end of recorded data
// it returns ErrEndOfData.
func (r *Restorer) readTapeFile(open func(*FileHeader) (io.Writer, error)) (*FileHeader, int64, error) {
	reader := r.stream.FileReader()
	buf := make([]byte, r.blockSize)
	n, err := reader.Read(buf)
	if err == io.EOF && n == 0 {
		if r.stream.EndOfDataDetected() || r.stream.EndMediaDetected() {
			return nil, 0, ErrEndOfData
		}
		return nil, 0, errors.New("empty tape file")
	}
	if err != nil && err != io.EOF {
		return nil, 0, errors.Wrap(err, "reading header record")
	}
	header, decErr := DecodeFileHeader(buf[:n])
	if decErr != nil {
		return nil, 0, decErr
	}
	w, openErr := open(header)
	if openErr != nil {
		return header, 0, openErr
	}
	if err == io.EOF {
		return header, 0, nil
	}
	var size int64
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			tag, data, decErr := DecodeRecord(buf[:n])
			if decErr != nil {
				return header, size, decErr
			}
			if tag != FILEDATA {
				return header, size, fmt.Errorf("unexpected %v record in %s", tag, header.Name)
			}
			if _, werr := w.Write(data); werr != nil {
				return header, size, werr
			}
			size += int64(len(data))
		}
		if err == io.EOF {
			return header, size, nil
		}
		if err != nil {
			return header, size, errors.Wrapf(err, "reading %s", header.Name)
		}
	}
}

// Restore copies the catalogued file into dest, under its archived name.
// It returns the path written.
func (r *Restorer) Restore(entry CatalogEntry, dest string) (string, error) {
	r.stream.ClearErrors()
	if err := r.stream.SetPosition(entry.StartBlock); err != nil {
		return "", errors.Wrapf(err, "positioning to block %d", entry.StartBlock)
	}
	if r.stream.EndOfDataDetected() {
		return "", errors.Wrapf(ErrEndOfData, "block %d", entry.StartBlock)
	}

	var target string
	var out *os.File
	header, size, err := r.readTapeFile(func(h *FileHeader) (io.Writer, error) {
		if h.ID != entry.FileID {
			return nil, errors.Wrapf(ErrFileMismatch, "block %d holds %s (%s), want %s", entry.StartBlock, h.Name, h.ID, entry.FileID)
		}
		var err error
		if target, err = safeJoin(dest, h.Name); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		out, err = os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, h.GetMode())
		return out, err
	})
	if out != nil {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return target, err
	}
	if size != header.Size {
		r.logger.Warn("Restored ", size, " bytes of ", header.Name, ", header says ", header.Size)
	}
	mtime := header.GetModTime()
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		return target, err
	}
	r.logger.Event("Restored ", header.Name, " to ", target)
	return target, nil
}

// ScannedFile is one tape file found by Scan.
type ScannedFile struct {
	Header     *FileHeader
	FileNumber int
	StartBlock int64
	Size       int64 // data bytes actually on tape
}

// Complete reports whether every byte the header announced was found.
func (f ScannedFile) Complete() bool { return f.Size == f.Header.Size }

// Scan rewinds and walks every tape file, calling fn for each.
func (r *Restorer) Scan(fn func(ScannedFile) error) error {
	r.stream.ClearErrors()
	if err := r.stream.Rewind(); err != nil {
		return errors.Wrap(err, "rewinding")
	}
	for fileNumber := 0; ; fileNumber++ {
		start, err := r.stream.Position()
		if err != nil {
			return errors.Wrap(err, "reading position")
		}
		header, size, err := r.readTapeFile(func(*FileHeader) (io.Writer, error) {
			return io.Discard, nil
		})
		if errors.Is(err, ErrEndOfData) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "tape file %d at block %d", fileNumber, start)
		}
		if err := fn(ScannedFile{Header: header, FileNumber: fileNumber, StartBlock: start, Size: size}); err != nil {
			return err
		}
	}
}

// safeJoin places an archived name under dest, refusing names that would
// escape it.
func safeJoin(dest, name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if clean == "/" {
		return "", errors.Errorf("invalid archived name %q", name)
	}
	return filepath.Join(dest, filepath.FromSlash(clean[1:])), nil
}
