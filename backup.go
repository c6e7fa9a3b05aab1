package main

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	. "tapeio/tapehardware"
	. "tapeio/utils"
)

var ErrEndOfMedia = errors.New("end of media reached")

// Archiver appends files to the end of data on a volume, one tape file per
// archived file, and records each in the catalog.
type Archiver struct {
	stream    *Stream
	catalog   *Catalog
	volume    string
	blockSize int
	logger    *Logger
}

func NewArchiver(stream *Stream, catalog *Catalog, volume string, blockSize int, logger *Logger) *Archiver {
	return &Archiver{
		stream:    stream,
		catalog:   catalog,
		volume:    volume,
		blockSize: blockSize,
		logger:    logger,
	}
}

// Backup archives every regular file under paths in one session and returns
// the session ID. Files archived before an error stay catalogued.
func (a *Archiver) Backup(paths []string) (string, []CatalogEntry, error) {
	session := Session{ID: NewID(), Volume: a.volume, Started: time.Now()}
	a.logger.Event("Starting backup session ", session.ID, " on ", a.volume)

	fileNumber, err := a.catalog.NextFileNumber(a.volume)
	if err != nil {
		return "", nil, errors.Wrap(err, "reading catalog")
	}
	a.stream.ClearErrors()
	if err := a.stream.SpaceToEndOfData(); err != nil {
		return "", nil, errors.Wrap(err, "spacing to end of data")
	}
	if err := a.catalog.AddSession(session); err != nil {
		return "", nil, errors.Wrap(err, "recording session")
	}

	var written []CatalogEntry
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			entry, err := a.writeFile(session.ID, fileNumber, path)
			if err != nil {
				return err
			}
			if err := a.catalog.AddFile(entry); err != nil {
				return errors.Wrapf(err, "cataloguing %s", path)
			}
			a.logger.Event("Archived ", path, " as file ", fileNumber, " at block ", entry.StartBlock)
			written = append(written, entry)
			fileNumber++
			return a.checkEndOfMedia()
		})
		if err != nil {
			return session.ID, written, err
		}
	}
	if err := a.stream.Flush(); err != nil {
		return session.ID, written, errors.Wrap(err, "flushing")
	}
	return session.ID, written, nil
}

// writeFile writes the header record, the data records and the closing file mark.
func (a *Archiver) writeFile(session string, fileNumber int, path string) (CatalogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return CatalogEntry{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return CatalogEntry{}, err
	}

	start, err := a.stream.Position()
	if err != nil {
		return CatalogEntry{}, errors.Wrap(err, "reading position")
	}
	header := NewFileHeader(NewID(), session, filepath.ToSlash(path), info)
	record, err := EncodeFileHeader(header)
	if err != nil {
		return CatalogEntry{}, err
	}
	if len(record) > a.blockSize {
		return CatalogEntry{}, errors.Errorf("header for %s does not fit a %d byte block", path, a.blockSize)
	}
	if err := a.writeRecord(record); err != nil {
		a.abandon(err)
		return CatalogEntry{}, errors.Wrapf(err, "writing header of %s", path)
	}

	var size int64
	chunk := make([]byte, a.blockSize-TLV_HEADER_SIZE)
	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			record, encErr := EncodeRecord(FILEDATA, chunk[:n])
			if encErr != nil {
				return CatalogEntry{}, encErr
			}
			if werr := a.writeRecord(record); werr != nil {
				a.abandon(werr)
				return CatalogEntry{}, errors.Wrapf(werr, "writing %s", path)
			}
			size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return CatalogEntry{}, errors.Wrapf(err, "reading %s", path)
		}
	}
	if err := a.stream.WriteFileMark(1); err != nil {
		return CatalogEntry{}, errors.Wrapf(err, "closing %s", path)
	}
	return CatalogEntry{
		FileID:     header.ID,
		Session:    session,
		Volume:     a.volume,
		Name:       header.Name,
		FileNumber: fileNumber,
		StartBlock: start,
		Size:       size,
	}, nil
}

func (a *Archiver) writeRecord(record []byte) error {
	if _, err := a.stream.Write(record); err != nil {
		return err
	}
	return a.checkEndOfMedia()
}

// abandon closes a partly written file with a file mark so the next file
// starts on a boundary. Only end of media leaves the drive able to do that.
func (a *Archiver) abandon(err error) {
	if !errors.Is(err, ErrEndOfMedia) {
		return
	}
	if markErr := a.stream.WriteFileMark(1); markErr != nil {
		a.logger.Warn("Could not close the partial file with a file mark: ", markErr)
	}
}

// checkEndOfMedia stops a backup once the drive reports the early warning zone.
func (a *Archiver) checkEndOfMedia() error {
	if a.stream.EndMediaDetected() {
		return ErrEndOfMedia
	}
	return nil
}
