//go:build !linux && !windows

package tapehardware

import "errors"

// NewNativeBackend returns a backend that finds no drives; this platform
// has no supported tape driver interface.
func NewNativeBackend() Backend {
	return noBackend{}
}

type noBackend struct{}

var errNoTapeSupport = errors.New("tape devices are not supported on this platform")

func (noBackend) Open(int) (Handle, error) { return 0, errNoTapeSupport }
func (noBackend) Close(Handle) error { return errNoTapeSupport }
func (noBackend) Read(Handle, []byte) (int, Status) { return 0, StatusNotSupported }
func (noBackend) Write(Handle, []byte) (int, Status) { return 0, StatusNotSupported }
func (noBackend) Flush(Handle) Status { return StatusNotSupported }
func (noBackend) SetMediaBlockSize(Handle, uint32) Status { return StatusNotSupported }
func (noBackend) SetDriveSettings(Handle, DriveSettings) Status { return StatusNotSupported }
func (noBackend) Prepare(Handle, PrepareOp, bool) Status { return StatusNotSupported }
func (noBackend) Erase(Handle, EraseType, bool) Status { return StatusNotSupported }

func (noBackend) GetPosition(Handle, PositionMode) (uint32, int64, Status) {
	return 0, 0, StatusNotSupported
}

func (noBackend) SetPosition(Handle, PositionMethod, uint32, int64, bool) Status {
	return StatusNotSupported
}

func (noBackend) CreatePartition(Handle, PartitionMethod, uint32, uint32) Status {
	return StatusNotSupported
}

func (noBackend) DriveCapabilities(Handle) (DriveCapabilities, Status) {
	return DriveCapabilities{}, StatusNotSupported
}

func (noBackend) MediaInfo(Handle) (MediaInfo, Status) {
	return MediaInfo{}, StatusNotSupported
}

func (noBackend) WriteMark(Handle, MarkType, uint32, bool) Status {
	return StatusNotSupported
}
