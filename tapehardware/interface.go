// interfaces each tape backend and tape library combination needs to adhere to
package tapehardware

// Handle is the exclusive connection to one drive. Zero is never a valid handle.
type Handle uintptr

// PrepareOp selects the control operation issued by Backend.Prepare.
type PrepareOp uint32

const (
	PrepareLoad PrepareOp = iota
	PrepareUnload
	PrepareTension
	PrepareLock
	PrepareUnlock
	PrepareFormat // low-level format
)

func (op PrepareOp) String() string {
	switch op {
	case PrepareLoad:
		return "load"
	case PrepareUnload:
		return "unload"
	case PrepareTension:
		return "tension"
	case PrepareLock:
		return "lock"
	case PrepareUnlock:
		return "unlock"
	case PrepareFormat:
		return "low-level format"
	default:
		return "unknown"
	}
}

// PartitionMethod is the format discriminant passed to CreatePartition.
type PartitionMethod uint32

const (
	PartitionFixed     PartitionMethod = 0 // device default partitioning, count and size zero
	PartitionSelect    PartitionMethod = 1 // count partitions of device-default size
	PartitionInitiator PartitionMethod = 2 // count partitions of size MiB, last takes the rest
)

// PositionMode selects the address space reported by GetPosition.
type PositionMode uint32

const (
	PositionAbsolute PositionMode = 0 // device-specific block address
	PositionLogical  PositionMode = 1 // logical block address
)

// PositionMethod selects how SetPosition moves the tape.
type PositionMethod uint32

const (
	MethodRewind         PositionMethod = 0
	MethodAbsoluteBlock  PositionMethod = 1
	MethodLogicalBlock   PositionMethod = 2
	MethodSpaceEndOfData PositionMethod = 4
	MethodSpaceFileMarks PositionMethod = 6
)

// EraseType selects the erase performed by Backend.Erase.
type EraseType uint32

const (
	EraseShort EraseType = 0 // write an end-of-data marker at the current position
	EraseLong  EraseType = 1 // erase from the current position to the end of the partition
)

// MarkType selects the tapemark written by Backend.WriteMark.
type MarkType uint32

const (
	MarkSet       MarkType = 0
	MarkFile      MarkType = 1
	MarkShortFile MarkType = 2
	MarkLongFile  MarkType = 3
)

// DriveSettings are the mutable drive parameters. They are always written
// to the device as a whole record.
type DriveSettings struct {
	Compression        bool
	ECC                bool
	DataPadding        bool
	ReportSetmarks     bool
	EOTWarningZoneSize uint32
}

// DriveCapabilities is the drive parameter snapshot taken at open. Current
// holds the settings the drive reported at that moment.
type DriveCapabilities struct {
	MinimumBlockSize      uint32
	MaximumBlockSize      uint32
	DefaultBlockSize      uint32
	MaximumPartitionCount uint32
	FeaturesLow           uint32
	FeaturesHigh          uint32
	Current               DriveSettings
}

// MediaInfo describes the loaded media. Capacity and Remaining are in bytes.
type MediaInfo struct {
	Capacity       int64
	Remaining      int64
	BlockSize      uint32
	PartitionCount uint32
	WriteProtected bool
}

// Backend is the device capability interface consumed by Drive and Stream.
// Every call blocks until the device completes unless immediate is set;
// this package never sets it.
type Backend interface {
	Open(index int) (Handle, error)
	Close(h Handle) error
	Read(h Handle, p []byte) (int, Status)
	Write(h Handle, p []byte) (int, Status)
	GetPosition(h Handle, mode PositionMode) (partition uint32, offset int64, status Status)
	SetPosition(h Handle, method PositionMethod, partition uint32, offset int64, immediate bool) Status
	Prepare(h Handle, op PrepareOp, immediate bool) Status
	CreatePartition(h Handle, method PartitionMethod, count, size uint32) Status
	DriveCapabilities(h Handle) (DriveCapabilities, Status)
	MediaInfo(h Handle) (MediaInfo, Status)
	SetDriveSettings(h Handle, s DriveSettings) Status
	SetMediaBlockSize(h Handle, size uint32) Status
	Flush(h Handle) Status
	Erase(h Handle, kind EraseType, immediate bool) Status
	WriteMark(h Handle, kind MarkType, count uint32, immediate bool) Status
}

// TapeLibrary moves cartridges between storage slots and drives.
type TapeLibrary interface {
	Audit() ([]LibraryDrive, []TapeCartridge, error)
	Load(TapeCartridge, LibraryDrive) error
	Unload(LibraryDrive) error
}

// LibraryDrive is a drive as the changer sees it. Index is the device index
// passed to Open once the cartridge is in place.
type LibraryDrive struct {
	Slot      int
	Index     int
	Cartridge string // volume serial, empty when the drive is empty
}

type TapeCartridge interface {
	Name() string
	GetSlot() int
}
