//go:build windows

package tapehardware

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                = windows.NewLazySystemDLL("kernel32.dll")
	procPrepareTape         = kernel32.NewProc("PrepareTape")
	procCreateTapePartition = kernel32.NewProc("CreateTapePartition")
	procGetTapePosition     = kernel32.NewProc("GetTapePosition")
	procSetTapePosition     = kernel32.NewProc("SetTapePosition")
	procGetTapeParameters   = kernel32.NewProc("GetTapeParameters")
	procSetTapeParameters   = kernel32.NewProc("SetTapeParameters")
	procEraseTape           = kernel32.NewProc("EraseTape")
	procWriteTapemark       = kernel32.NewProc("WriteTapemark")
)

// GetTapeParameters / SetTapeParameters information types.
const (
	getTapeMediaInformation = 0
	getTapeDriveInformation = 1
	setTapeMediaInformation = 0
	setTapeDriveInformation = 1
)

// TAPE_GET_DRIVE_PARAMETERS; the flags are BOOLEAN (one byte each).
type tapeGetDriveParameters struct {
	ECC                   byte
	Compression           byte
	DataPadding           byte
	ReportSetmarks        byte
	DefaultBlockSize      uint32
	MaximumBlockSize      uint32
	MinimumBlockSize      uint32
	MaximumPartitionCount uint32
	FeaturesLow           uint32
	FeaturesHigh          uint32
	EOTWarningZoneSize    uint32
}

// TAPE_SET_DRIVE_PARAMETERS
type tapeSetDriveParameters struct {
	ECC                byte
	Compression        byte
	DataPadding        byte
	ReportSetmarks     byte
	EOTWarningZoneSize uint32
}

// TAPE_GET_MEDIA_PARAMETERS
type tapeGetMediaParameters struct {
	Capacity       int64
	Remaining      int64
	BlockSize      uint32
	PartitionCount uint32
	WriteProtected byte
}

// TAPE_SET_MEDIA_PARAMETERS
type tapeSetMediaParameters struct {
	BlockSize uint32
}

type windowsBackend struct{}

// NewNativeBackend returns the backend for this platform.
func NewNativeBackend() Backend {
	return windowsBackend{}
}

func boolArg(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func call(p *windows.LazyProc, args ...uintptr) Status {
	r, _, _ := p.Call(args...)
	return Status(uint32(r))
}

func errStatus(err error) Status {
	var errno windows.Errno
	if errors.As(err, &errno) {
		return Status(uint32(errno))
	}
	return StatusBusReset
}

func (windowsBackend) Open(index int) (Handle, error) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(`\\.\TAPE%d`, index))
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil,
		windows.OPEN_EXISTING, // required for tape devices
		0, 0)
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

func (windowsBackend) Close(h Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (windowsBackend) Read(h Handle, p []byte) (int, Status) {
	var done uint32
	if err := windows.ReadFile(windows.Handle(h), p, &done, nil); err != nil {
		return int(done), errStatus(err)
	}
	return int(done), StatusSuccess
}

func (windowsBackend) Write(h Handle, p []byte) (int, Status) {
	var done uint32
	if err := windows.WriteFile(windows.Handle(h), p, &done, nil); err != nil {
		return int(done), errStatus(err)
	}
	return int(done), StatusSuccess
}

func (windowsBackend) GetPosition(h Handle, mode PositionMode) (uint32, int64, Status) {
	var part, low, high uint32
	st := call(procGetTapePosition, uintptr(h), uintptr(mode),
		uintptr(unsafe.Pointer(&part)), uintptr(unsafe.Pointer(&low)), uintptr(unsafe.Pointer(&high)))
	return part, joinOffset(low, high), st
}

func (windowsBackend) SetPosition(h Handle, method PositionMethod, partition uint32, offset int64, immediate bool) Status {
	low, high := splitOffset(offset)
	return call(procSetTapePosition, uintptr(h), uintptr(method), uintptr(partition),
		uintptr(low), uintptr(high), boolArg(immediate))
}

func (windowsBackend) Prepare(h Handle, op PrepareOp, immediate bool) Status {
	return call(procPrepareTape, uintptr(h), uintptr(op), boolArg(immediate))
}

func (windowsBackend) CreatePartition(h Handle, method PartitionMethod, count, size uint32) Status {
	return call(procCreateTapePartition, uintptr(h), uintptr(method), uintptr(count), uintptr(size))
}

func (windowsBackend) DriveCapabilities(h Handle) (DriveCapabilities, Status) {
	var p tapeGetDriveParameters
	size := uint32(unsafe.Sizeof(p))
	st := call(procGetTapeParameters, uintptr(h), getTapeDriveInformation,
		uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&p)))
	return DriveCapabilities{
		MinimumBlockSize:      p.MinimumBlockSize,
		MaximumBlockSize:      p.MaximumBlockSize,
		DefaultBlockSize:      p.DefaultBlockSize,
		MaximumPartitionCount: p.MaximumPartitionCount,
		FeaturesLow:           p.FeaturesLow,
		FeaturesHigh:          p.FeaturesHigh,
		Current: DriveSettings{
			Compression:        p.Compression != 0,
			ECC:                p.ECC != 0,
			DataPadding:        p.DataPadding != 0,
			ReportSetmarks:     p.ReportSetmarks != 0,
			EOTWarningZoneSize: p.EOTWarningZoneSize,
		},
	}, st
}

func (windowsBackend) MediaInfo(h Handle) (MediaInfo, Status) {
	var p tapeGetMediaParameters
	size := uint32(unsafe.Sizeof(p))
	st := call(procGetTapeParameters, uintptr(h), getTapeMediaInformation,
		uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&p)))
	return MediaInfo{
		Capacity:       p.Capacity,
		Remaining:      p.Remaining,
		BlockSize:      p.BlockSize,
		PartitionCount: p.PartitionCount,
		WriteProtected: p.WriteProtected != 0,
	}, st
}

func (windowsBackend) SetDriveSettings(h Handle, s DriveSettings) Status {
	p := tapeSetDriveParameters{
		ECC:                boolByte(s.ECC),
		Compression:        boolByte(s.Compression),
		DataPadding:        boolByte(s.DataPadding),
		ReportSetmarks:     boolByte(s.ReportSetmarks),
		EOTWarningZoneSize: s.EOTWarningZoneSize,
	}
	return call(procSetTapeParameters, uintptr(h), setTapeDriveInformation, uintptr(unsafe.Pointer(&p)))
}

func (windowsBackend) SetMediaBlockSize(h Handle, size uint32) Status {
	p := tapeSetMediaParameters{BlockSize: size}
	return call(procSetTapeParameters, uintptr(h), setTapeMediaInformation, uintptr(unsafe.Pointer(&p)))
}

func (windowsBackend) Flush(h Handle) Status {
	if err := windows.FlushFileBuffers(windows.Handle(h)); err != nil {
		return errStatus(err)
	}
	return StatusSuccess
}

func (windowsBackend) Erase(h Handle, kind EraseType, immediate bool) Status {
	return call(procEraseTape, uintptr(h), uintptr(kind), boolArg(immediate))
}

func (windowsBackend) WriteMark(h Handle, kind MarkType, count uint32, immediate bool) Status {
	return call(procWriteTapemark, uintptr(h), uintptr(kind), uintptr(count), boolArg(immediate))
}
