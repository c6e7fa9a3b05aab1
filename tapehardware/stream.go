package tapehardware

import (
	"errors"
	"io"
)

// Stream presents the media in a Drive as a readable, writable and seekable
// stream. Tape is sequential: every positioning call is a blocking device
// operation that may take minutes, not an O(1) pointer update.
//
// Boundary conditions the device reports (beginning or end of media, file
// and set marks, end of data) do not fail the call. They are latched and
// stay set until ClearErrors. A Stream shares its Drive's connection and is
// not safe for concurrent use.
type Stream struct {
	drive   *Drive
	staging []byte

	beginningOfMedia bool
	endOfMedia       bool
	setMark          bool
	fileMark         bool
	endOfData        bool
}

// NewStream binds a stream to an open drive, loading media if necessary.
func NewStream(d *Drive) (*Stream, error) {
	if d.Closed() {
		return nil, ErrDriveClosed
	}
	if !d.Loaded() {
		if err := d.Load(); err != nil {
			return nil, err
		}
	}
	return &Stream{drive: d}, nil
}

// Drive returns the drive the stream is bound to.
func (s *Stream) Drive() *Drive { return s.drive }

func (s *Stream) BeginningOfMediaDetected() bool { return s.beginningOfMedia }

func (s *Stream) EndMediaDetected() bool { return s.endOfMedia }

func (s *Stream) SetMarkDetected() bool { return s.setMark }

func (s *Stream) FileMarkDetected() bool { return s.fileMark }

func (s *Stream) EndOfDataDetected() bool { return s.endOfData }

// IsGood reports whether no boundary condition is latched.
func (s *Stream) IsGood() bool {
	return !(s.beginningOfMedia || s.endOfMedia || s.setMark || s.fileMark || s.endOfData)
}

// ClearErrors resets all latched conditions.
func (s *Stream) ClearErrors() {
	s.beginningOfMedia = false
	s.endOfMedia = false
	s.setMark = false
	s.fileMark = false
	s.endOfData = false
}

// check latches boundary statuses and classifies the rest.
func (s *Stream) check(op string, st Status) error {
	var flag *bool
	switch st {
	case StatusBeginningOfMedia:
		flag = &s.beginningOfMedia
	case StatusEndOfMedia:
		flag = &s.endOfMedia
	case StatusSetMarkDetected:
		flag = &s.setMark
	case StatusFileMarkDetected:
		flag = &s.fileMark
	case StatusNoDataDetected:
		flag = &s.endOfData
	}
	if flag != nil {
		if !*flag {
			logInfo(componentStream, "condition latched", "op", op, "status", st.String())
		}
		*flag = true
		return nil
	}
	return withOp(op, streamOverrides.Classify(st))
}

func (s *Stream) handle() (Handle, error) {
	if s.drive.handle == 0 {
		return 0, ErrDriveClosed
	}
	return s.drive.handle, nil
}

// Position returns the absolute block address.
func (s *Stream) Position() (int64, error) {
	h, err := s.handle()
	if err != nil {
		return 0, err
	}
	_, off, st := s.drive.backend.GetPosition(h, PositionAbsolute)
	if err := s.check("get position", st); err != nil {
		return 0, err
	}
	return off, nil
}

// SetPosition moves to an absolute block address and returns once the
// device has finished repositioning.
func (s *Stream) SetPosition(block int64) error {
	return s.position("set position", MethodAbsoluteBlock, block)
}

func (s *Stream) position(op string, method PositionMethod, offset int64) error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	logDebug(componentStream, op, "method", method, "offset", offset)
	return s.check(op, s.drive.backend.SetPosition(h, method, 0, offset, false))
}

// Rewind moves to the beginning of the current partition.
func (s *Stream) Rewind() error {
	return s.position("rewind", MethodRewind, 0)
}

// SpaceFileMarks moves past count file marks, backwards when count is negative.
func (s *Stream) SpaceFileMarks(count int64) error {
	return s.position("space file marks", MethodSpaceFileMarks, count)
}

// SpaceToEndOfData moves to the end of recorded data in the partition.
func (s *Stream) SpaceToEndOfData() error {
	return s.position("space end of data", MethodSpaceEndOfData, 0)
}

// Length returns the media capacity. It is queried on every call because
// formatting or a media change can alter it.
func (s *Stream) Length() (int64, error) {
	h, err := s.handle()
	if err != nil {
		return 0, err
	}
	info, st := s.drive.backend.MediaInfo(h)
	if err := s.check("get media parameters", st); err != nil {
		return 0, err
	}
	return info.Capacity, nil
}

// SetLength does nothing. Tape extent is defined by marks and the end of
// data, not by truncation.
func (s *Stream) SetLength(int64) error { return nil }

func (s *Stream) stage(n int) []byte {
	if cap(s.staging) < n {
		s.staging = make([]byte, n)
	}
	return s.staging[:n]
}

// Read reads at most len(p) bytes, usually one tape block. It may return
// fewer bytes than requested, including zero with a nil error when a
// boundary condition was latched; callers loop to fill a buffer.
func (s *Stream) Read(p []byte) (int, error) {
	h, err := s.handle()
	if err != nil {
		return 0, err
	}
	buf := s.stage(len(p))
	n, st := s.drive.backend.Read(h, buf)
	if n < 0 {
		n = 0
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, buf[:n])
	if err := s.check("read", st); err != nil {
		return n, err
	}
	return n, nil
}

// Write writes p as one raw device write. A short write that the device
// does not report as an error cannot be detected here.
func (s *Stream) Write(p []byte) (int, error) {
	h, err := s.handle()
	if err != nil {
		return 0, err
	}
	buf := s.stage(len(p))
	copy(buf, p)
	_, st := s.drive.backend.Write(h, buf)
	if err := s.check("write", st); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Seek computes an absolute block address from whence and moves there.
// SeekCurrent and SeekEnd query the device first. Seek blocks until the
// tape has been repositioned.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		pos, err := s.Position()
		if err != nil {
			return 0, err
		}
		target = pos + offset
	case io.SeekEnd:
		length, err := s.Length()
		if err != nil {
			return 0, err
		}
		target = length + offset
	default:
		return 0, errors.New("tape: seek: invalid whence")
	}
	if err := s.SetPosition(target); err != nil {
		return 0, err
	}
	return target, nil
}

// Flush flushes buffered data to the media.
func (s *Stream) Flush() error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	return s.check("flush", s.drive.backend.Flush(h))
}

// Erase erases from the current position to the end of the partition.
func (s *Stream) Erase() error {
	return s.erase("erase", EraseLong)
}

// WriteEndOfDataMark writes an end-of-data marker at the current position.
// Devices model this as a short erase rather than a tapemark.
func (s *Stream) WriteEndOfDataMark() error {
	return s.erase("write end of data", EraseShort)
}

func (s *Stream) erase(op string, kind EraseType) error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	return s.check(op, s.drive.backend.Erase(h, kind, false))
}

// WriteFileMark writes count file marks at the current position.
func (s *Stream) WriteFileMark(count uint32) error {
	return s.mark(MarkFile, count)
}

// WriteLongFileMark writes count long file marks.
func (s *Stream) WriteLongFileMark(count uint32) error {
	return s.mark(MarkLongFile, count)
}

// WriteShortFileMark writes count short file marks.
func (s *Stream) WriteShortFileMark(count uint32) error {
	return s.mark(MarkShortFile, count)
}

// WriteSetMark writes count set marks.
func (s *Stream) WriteSetMark(count uint32) error {
	return s.mark(MarkSet, count)
}

func (s *Stream) mark(kind MarkType, count uint32) error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	return s.check("write tapemark", s.drive.backend.WriteMark(h, kind, count, false))
}

// FileReader returns a reader over the records up to the next file mark or
// the end of data, after which it reports io.EOF. It clears the latch
// before the first read. Each Read returns at most one record; p should be
// at least the block size or records are truncated.
func (s *Stream) FileReader() io.Reader {
	s.ClearErrors()
	return &fileReader{s: s}
}

type fileReader struct {
	s    *Stream
	done bool
}

func (r *fileReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := r.s.Read(p)
		if err != nil {
			return n, err
		}
		if r.s.FileMarkDetected() || r.s.EndOfDataDetected() || r.s.EndMediaDetected() {
			r.done = true
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if n > 0 {
			return n, nil
		}
		if !r.s.SetMarkDetected() {
			return 0, io.ErrNoProgress
		}
		// set marks inside a file are skipped
		r.s.setMark = false
	}
}
