//go:build linux

package tapehardware

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mtio operations (linux/mtio.h).
const (
	mtFSF         = 1
	mtBSF         = 2
	mtWEOF        = 5
	mtREW         = 6
	mtRETEN       = 9
	mtEOM         = 12
	mtERASE       = 13
	mtSETBLK      = 20
	mtSEEK        = 22
	mtWSM         = 27
	mtLOCK        = 28
	mtUNLOCK      = 29
	mtLOAD        = 30
	mtUNLOAD      = 31
	mtCOMPRESSION = 32
	mtSETPART     = 33
	mtMKPART      = 34
)

// mt_gstat bits.
const (
	gmtEOF    = 0x80000000
	gmtBOT    = 0x40000000
	gmtEOT    = 0x20000000
	gmtSM     = 0x10000000
	gmtEOD    = 0x08000000
	gmtWRPROT = 0x04000000
	gmtONLINE = 0x01000000
)

const (
	mtSTBlkSizeMask   = 0xffffff
	mtSTCanPartitions = 0x400
)

type mtop struct {
	op    int16
	_     int16
	count int32
}

type mtget struct {
	typ    int
	resid  int
	dsreg  int
	gstat  int
	erreg  int
	fileno int32
	blkno  int32
}

type mtpos struct {
	blkno int
}

// ioctl encoding for the generic layout used by x86, arm and riscv.
const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	mtiocTop = ioc(iocWrite, 'm', 1, unsafe.Sizeof(mtop{}))
	mtiocGet = ioc(iocRead, 'm', 2, unsafe.Sizeof(mtget{}))
	mtiocPos = ioc(iocRead, 'm', 3, unsafe.Sizeof(mtpos{}))
)

// linuxBackend talks to the non-rewinding SCSI tape nodes /dev/nstN.
// Settings the st driver cannot express are kept and reported back.
type linuxBackend struct {
	mu       sync.Mutex
	fds      map[Handle]int
	names    map[Handle]string
	settings map[Handle]DriveSettings
	next     Handle
}

// NewNativeBackend returns the backend for this platform.
func NewNativeBackend() Backend {
	return &linuxBackend{
		fds:      make(map[Handle]int),
		names:    make(map[Handle]string),
		settings: make(map[Handle]DriveSettings),
	}
}

func (b *linuxBackend) Open(index int) (Handle, error) {
	name := fmt.Sprintf("nst%d", index)
	path := "/dev/" + name
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.EROFS) || errors.Is(err, unix.EACCES) {
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return 0, &os.PathError{Op: "open", Path: path, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.fds[b.next] = fd
	b.names[b.next] = name
	return b.next, nil
}

func (b *linuxBackend) fd(h Handle) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd, ok := b.fds[h]
	return fd, ok
}

func (b *linuxBackend) Close(h Handle) error {
	b.mu.Lock()
	fd, ok := b.fds[h]
	delete(b.fds, h)
	delete(b.names, h)
	delete(b.settings, h)
	b.mu.Unlock()
	if !ok {
		return errors.New("tape: invalid handle")
	}
	return unix.Close(fd)
}

func (b *linuxBackend) op(h Handle, op int16, count int32) Status {
	fd, ok := b.fd(h)
	if !ok {
		return StatusInvalidHandle
	}
	arg := mtop{op: op, count: count}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), mtiocTop, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return b.failedStatus(fd, errno, movesTape(op))
	}
	return StatusSuccess
}

// movesTape reports whether op spaces or seeks, so that a failure can mean
// the tape stopped on a mark.
func movesTape(op int16) bool {
	switch op {
	case mtFSF, mtBSF, mtEOM, mtSEEK:
		return true
	}
	return false
}

func (b *linuxBackend) get(fd int) (mtget, error) {
	var g mtget
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), mtiocGet, uintptr(unsafe.Pointer(&g)))
	if errno != 0 {
		return g, errno
	}
	return g, nil
}

// failedStatus reads the drive status bits after a failed call and maps
// the pair with ioctlStatus.
func (b *linuxBackend) failedStatus(fd int, errno unix.Errno, moved bool) Status {
	var gstat uint32
	if moved && markErrno(errno) {
		if g, err := b.get(fd); err == nil {
			gstat = uint32(g.gstat)
		}
	}
	return ioctlStatus(errno, gstat, moved)
}

// ioctlStatus maps a failed call to a status. The errno wins; the position
// bits are only read when a spacing, seek or read call stopped with EIO or
// ENOSPC, which is how st reports running into a mark.
func ioctlStatus(errno unix.Errno, gstat uint32, moved bool) Status {
	if moved && markErrno(errno) {
		if st := gstatBoundary(gstat); st != StatusSuccess {
			return st
		}
	}
	return errnoStatus(errno)
}

func markErrno(errno unix.Errno) bool {
	return errno == unix.EIO || errno == unix.ENOSPC
}

func gstatBoundary(gstat uint32) Status {
	switch {
	case gstat&gmtEOD != 0:
		return StatusNoDataDetected
	case gstat&gmtEOT != 0:
		return StatusEndOfMedia
	case gstat&gmtBOT != 0:
		return StatusBeginningOfMedia
	case gstat&gmtSM != 0:
		return StatusSetMarkDetected
	case gstat&gmtEOF != 0:
		return StatusFileMarkDetected
	}
	return StatusSuccess
}

func errnoStatus(errno unix.Errno) Status {
	switch errno {
	case 0:
		return StatusSuccess
	case unix.ENOSPC:
		return StatusEndOfMedia
	case unix.EROFS, unix.EACCES:
		return StatusWriteProtect
	case unix.ENOMEDIUM, unix.ENXIO:
		return StatusNoMediaInDrive
	case unix.EINVAL, unix.ENOMEM:
		return StatusInvalidBlockLength
	case unix.ENOTTY, unix.ENOSYS, unix.EOPNOTSUPP:
		return StatusNotSupported
	}
	// anything else is reported as a generic I/O failure
	return StatusBusReset
}

func (b *linuxBackend) Read(h Handle, p []byte) (int, Status) {
	fd, ok := b.fd(h)
	if !ok {
		return 0, StatusInvalidHandle
	}
	n, err := unix.Read(fd, p)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return 0, b.failedStatus(fd, errno, true)
		}
		return 0, StatusBusReset
	}
	if n == 0 {
		// a zero-length read is a file mark, or end of data when the
		// drive says so
		if g, err := b.get(fd); err == nil && uint32(g.gstat)&gmtEOD != 0 {
			return 0, StatusNoDataDetected
		}
		return 0, StatusFileMarkDetected
	}
	return n, StatusSuccess
}

func (b *linuxBackend) Write(h Handle, p []byte) (int, Status) {
	fd, ok := b.fd(h)
	if !ok {
		return 0, StatusInvalidHandle
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return n, errnoStatus(errno)
		}
		return n, StatusBusReset
	}
	if g, err := b.get(fd); err == nil && uint32(g.gstat)&gmtEOT != 0 {
		return n, StatusEndOfMedia
	}
	return n, StatusSuccess
}

func (b *linuxBackend) GetPosition(h Handle, mode PositionMode) (uint32, int64, Status) {
	fd, ok := b.fd(h)
	if !ok {
		return 0, 0, StatusInvalidHandle
	}
	var pos mtpos
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), mtiocPos, uintptr(unsafe.Pointer(&pos)))
	if errno != 0 {
		return 0, 0, errnoStatus(errno)
	}
	var part uint32
	// the st driver reports the current partition in mt_resid
	if g, err := b.get(fd); err == nil {
		part = uint32(g.resid)
	}
	return part, int64(pos.blkno), StatusSuccess
}

func (b *linuxBackend) SetPosition(h Handle, method PositionMethod, partition uint32, offset int64, immediate bool) Status {
	switch method {
	case MethodRewind:
		return b.op(h, mtREW, 1)
	case MethodAbsoluteBlock, MethodLogicalBlock:
		block, ok := mtCount(offset)
		if !ok {
			return StatusInvalidBlockLength
		}
		if method == MethodLogicalBlock && partition != 0 {
			part, ok := mtCount(int64(partition) - 1)
			if !ok {
				return StatusNotSupported
			}
			if st := b.op(h, mtSETPART, part); st != StatusSuccess {
				return st
			}
		}
		return b.op(h, mtSEEK, block)
	case MethodSpaceEndOfData:
		return b.op(h, mtEOM, 1)
	case MethodSpaceFileMarks:
		op, count, ok := spaceOp(offset)
		if !ok {
			return StatusInvalidBlockLength
		}
		if count == 0 {
			return StatusSuccess
		}
		return b.op(h, op, count)
	}
	return StatusNotSupported
}

// mtCount narrows v to the int32 an mtop carries.
func mtCount(v int64) (int32, bool) {
	if v < 0 || v > math.MaxInt32 {
		return 0, false
	}
	return int32(v), true
}

// spaceOp picks the file mark spacing op for a signed count.
func spaceOp(offset int64) (int16, int32, bool) {
	if offset < 0 {
		if offset == math.MinInt64 {
			return 0, 0, false
		}
		n, ok := mtCount(-offset)
		return mtBSF, n, ok
	}
	n, ok := mtCount(offset)
	return mtFSF, n, ok
}

func (b *linuxBackend) Prepare(h Handle, op PrepareOp, immediate bool) Status {
	switch op {
	case PrepareLoad:
		return b.op(h, mtLOAD, 1)
	case PrepareUnload:
		return b.op(h, mtUNLOAD, 1)
	case PrepareTension:
		return b.op(h, mtRETEN, 1)
	case PrepareLock:
		if st := b.op(h, mtLOCK, 1); st != StatusSuccess {
			return StatusUnableToLockMedia
		}
		return StatusSuccess
	case PrepareUnlock:
		return b.op(h, mtUNLOCK, 1)
	}
	return StatusNotSupported
}

// CreatePartition maps onto MTMKPART, which can only create one partition
// or two with an explicit size for the first.
func (b *linuxBackend) CreatePartition(h Handle, method PartitionMethod, count, size uint32) Status {
	arg, ok := mkpartArg(method, count, size)
	if !ok {
		return StatusNotSupported
	}
	st := b.op(h, mtMKPART, arg)
	if st == StatusInvalidBlockLength || st == StatusBusReset {
		return StatusPartitionFailure
	}
	return st
}

// mkpartArg is the MTMKPART argument: zero for a single partition, or the
// size in megabytes of partition 0 when an initiator asks for two.
func mkpartArg(method PartitionMethod, count, size uint32) (int32, bool) {
	switch {
	case method == PartitionFixed, count == 1:
		return 0, true
	case method == PartitionInitiator && count == 2 && size > 0:
		return mtCount(int64(size))
	}
	return 0, false
}

func (b *linuxBackend) DriveCapabilities(h Handle) (DriveCapabilities, Status) {
	fd, ok := b.fd(h)
	if !ok {
		return DriveCapabilities{}, StatusInvalidHandle
	}
	caps := DriveCapabilities{
		MinimumBlockSize:      1,
		MaximumBlockSize:      mtSTBlkSizeMask,
		MaximumPartitionCount: 1,
	}
	if g, err := b.get(fd); err == nil {
		caps.DefaultBlockSize = uint32(g.dsreg) & mtSTBlkSizeMask
	}
	b.mu.Lock()
	name := b.names[h]
	b.mu.Unlock()
	if opts, err := readOptions(name); err == nil && opts&mtSTCanPartitions != 0 {
		caps.MaximumPartitionCount = 2
	}
	caps.Current = b.currentSettings(h)
	return caps, StatusSuccess
}

// readOptions reads the st driver option flags from sysfs.
func readOptions(name string) (uint64, error) {
	data, err := os.ReadFile("/sys/class/scsi_tape/" + name + "/options")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"), 16, 64)
}

func (b *linuxBackend) currentSettings(h Handle) DriveSettings {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.settings[h]; ok {
		return s
	}
	return DriveSettings{Compression: true, ECC: true}
}

func (b *linuxBackend) MediaInfo(h Handle) (MediaInfo, Status) {
	fd, ok := b.fd(h)
	if !ok {
		return MediaInfo{}, StatusInvalidHandle
	}
	g, err := b.get(fd)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return MediaInfo{}, errnoStatus(errno)
		}
		return MediaInfo{}, StatusNotSupported
	}
	if uint32(g.gstat)&gmtONLINE == 0 {
		return MediaInfo{}, StatusNoMediaInDrive
	}
	// st does not expose capacity; it is reported as zero
	return MediaInfo{
		BlockSize:      uint32(g.dsreg) & mtSTBlkSizeMask,
		PartitionCount: 1,
		WriteProtected: uint32(g.gstat)&gmtWRPROT != 0,
	}, StatusSuccess
}

func (b *linuxBackend) SetDriveSettings(h Handle, s DriveSettings) Status {
	compression := int32(0)
	if s.Compression {
		compression = 1
	}
	if st := b.op(h, mtCOMPRESSION, compression); st != StatusSuccess && st != StatusNotSupported {
		return st
	}
	b.mu.Lock()
	b.settings[h] = s
	b.mu.Unlock()
	return StatusSuccess
}

func (b *linuxBackend) SetMediaBlockSize(h Handle, size uint32) Status {
	return b.op(h, mtSETBLK, int32(size))
}

// Flush writes zero file marks, which makes st flush its buffer.
func (b *linuxBackend) Flush(h Handle) Status {
	return b.op(h, mtWEOF, 0)
}

func (b *linuxBackend) Erase(h Handle, kind EraseType, immediate bool) Status {
	switch kind {
	case EraseShort:
		return b.op(h, mtERASE, 0)
	case EraseLong:
		return b.op(h, mtERASE, 1)
	}
	return StatusNotSupported
}

func (b *linuxBackend) WriteMark(h Handle, kind MarkType, count uint32, immediate bool) Status {
	switch kind {
	case MarkSet:
		return b.op(h, mtWSM, int32(count))
	case MarkFile, MarkShortFile, MarkLongFile:
		return b.op(h, mtWEOF, int32(count))
	}
	return StatusNotSupported
}
