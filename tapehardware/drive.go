package tapehardware

import (
	"errors"
	"fmt"
)

// Drive owns the exclusive connection to one tape drive and issues its
// control operations. A Drive is not safe for concurrent use; callers that
// share one must serialize access themselves, since the device cannot
// position or transfer for two callers at once.
type Drive struct {
	backend  Backend
	index    int
	handle   Handle
	caps     DriveCapabilities
	settings DriveSettings
	loaded   bool
	locked   bool
}

// Open acquires drive index on backend, fetches its capabilities and seeds
// the settings mirror from the values the drive reports.
func Open(backend Backend, index int) (*Drive, error) {
	h, err := backend.Open(index)
	if err != nil || h == 0 {
		openErr := &Error{Op: fmt.Sprintf("open drive %d", index), Kind: KindNotFound, Err: err}
		if h != 0 {
			return nil, errors.Join(openErr, backend.Close(h))
		}
		return nil, openErr
	}
	caps, st := backend.DriveCapabilities(h)
	if err := controlOverrides.Classify(st); err != nil {
		return nil, errors.Join(withOp("get drive parameters", err), backend.Close(h))
	}
	d := &Drive{
		backend:  backend,
		index:    index,
		handle:   h,
		caps:     caps,
		settings: caps.Current,
	}
	logDebug(componentDrive, "opened", "index", index,
		"min_block", caps.MinimumBlockSize, "max_block", caps.MaximumBlockSize,
		"max_partitions", caps.MaximumPartitionCount)
	return d, nil
}

// Close unloads loaded media and releases the connection. Calling Close on
// a closed drive does nothing.
func (d *Drive) Close() error {
	if d.handle == 0 {
		return nil
	}
	var unloadErr error
	if d.loaded {
		unloadErr = d.Unload()
	}
	closeErr := d.backend.Close(d.handle)
	d.handle = 0
	logDebug(componentDrive, "closed", "index", d.index)
	return errors.Join(unloadErr, closeErr)
}

// Index is the device index the drive was opened with.
func (d *Drive) Index() int { return d.index }

// Closed reports whether the connection has been released.
func (d *Drive) Closed() bool { return d.handle == 0 }

// Loaded reports whether media was loaded by this drive. It is not
// re-queried from the hardware.
func (d *Drive) Loaded() bool { return d.loaded }

// Locked reports the last lock state set through SetLocked.
func (d *Drive) Locked() bool { return d.locked }

// Load loads the media.
func (d *Drive) Load() error {
	if err := d.prepare(PrepareLoad); err != nil {
		return err
	}
	d.loaded = true
	return nil
}

// Unload unloads the media.
func (d *Drive) Unload() error {
	if err := d.prepare(PrepareUnload); err != nil {
		return err
	}
	d.loaded = false
	return nil
}

// SetLocked locks or unlocks the media in the drive.
func (d *Drive) SetLocked(locked bool) error {
	op := PrepareUnlock
	if locked {
		op = PrepareLock
	}
	if err := d.prepare(op); err != nil {
		return err
	}
	d.locked = locked
	return nil
}

// ResetTension moves the tape to the end and back to the beginning. Devices
// without tensioning report whatever their backend reports.
func (d *Drive) ResetTension() error {
	return d.prepare(PrepareTension)
}

// LowLevelFormat performs a low-level format of the media. Few device
// classes support it; the rest surface ErrNotSupported.
func (d *Drive) LowLevelFormat() error {
	return d.prepare(PrepareFormat)
}

// Format partitions the tape using the device's default partitioning.
func (d *Drive) Format() error {
	return d.partition(PartitionFixed, 0, 0)
}

// FormatPartitions partitions the tape into count partitions of the
// device's default size.
func (d *Drive) FormatPartitions(count uint32) error {
	return d.partition(PartitionSelect, count, 0)
}

// FormatPartitionsSized partitions the tape into count partitions of
// sizeMiB megabytes each, except the last, which takes the remainder.
func (d *Drive) FormatPartitionsSized(count, sizeMiB uint32) error {
	return d.partition(PartitionInitiator, count, sizeMiB)
}

func (d *Drive) partition(method PartitionMethod, count, size uint32) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	logDebug(componentDrive, "create partition", "method", method, "count", count, "size", size)
	st := d.backend.CreatePartition(d.handle, method, count, size)
	return withOp("create partition", controlOverrides.Classify(st))
}

func (d *Drive) prepare(op PrepareOp) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	logDebug(componentDrive, "prepare", "op", op.String())
	st := d.backend.Prepare(d.handle, op, false)
	return withOp(op.String(), controlOverrides.Classify(st))
}

// Capabilities returns the snapshot taken at open.
func (d *Drive) Capabilities() DriveCapabilities { return d.caps }

func (d *Drive) MinimumBlockSize() uint32 { return d.caps.MinimumBlockSize }

func (d *Drive) MaximumBlockSize() uint32 { return d.caps.MaximumBlockSize }

func (d *Drive) DefaultBlockSize() uint32 { return d.caps.DefaultBlockSize }

// MaximumSupportedPartitions is the most partitions the drive can create.
func (d *Drive) MaximumSupportedPartitions() uint32 { return d.caps.MaximumPartitionCount }

// Settings returns the local mirror of the mutable drive settings.
func (d *Drive) Settings() DriveSettings { return d.settings }

func (d *Drive) HardwareCompressionEnabled() bool { return d.settings.Compression }

func (d *Drive) SetHardwareCompression(on bool) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	d.settings.Compression = on
	return d.pushSettings()
}

func (d *Drive) HardwareErrorCorrectionEnabled() bool { return d.settings.ECC }

func (d *Drive) SetHardwareErrorCorrection(on bool) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	d.settings.ECC = on
	return d.pushSettings()
}

func (d *Drive) DataPaddingEnabled() bool { return d.settings.DataPadding }

func (d *Drive) SetDataPadding(on bool) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	d.settings.DataPadding = on
	return d.pushSettings()
}

// ReportSetMarks reports whether the drive reports set marks on read.
func (d *Drive) ReportSetMarks() bool { return d.settings.ReportSetmarks }

func (d *Drive) SetReportSetMarks(on bool) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	d.settings.ReportSetmarks = on
	return d.pushSettings()
}

// EndOfTapeWarningZoneSize is the number of bytes between the early warning
// marker and the physical end of tape.
func (d *Drive) EndOfTapeWarningZoneSize() uint32 { return d.settings.EOTWarningZoneSize }

func (d *Drive) SetEndOfTapeWarningZoneSize(size uint32) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	d.settings.EOTWarningZoneSize = size
	return d.pushSettings()
}

// ApplySettings replaces the whole mirror and pushes it in one call.
func (d *Drive) ApplySettings(s DriveSettings) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	d.settings = s
	return d.pushSettings()
}

// pushSettings writes the entire mirror, not just the field that changed.
func (d *Drive) pushSettings() error {
	logDebug(componentDrive, "set drive parameters",
		"compression", d.settings.Compression, "ecc", d.settings.ECC,
		"padding", d.settings.DataPadding, "setmarks", d.settings.ReportSetmarks,
		"eot_zone", d.settings.EOTWarningZoneSize)
	st := d.backend.SetDriveSettings(d.handle, d.settings)
	return withOp("set drive parameters", controlOverrides.Classify(st))
}

// MediaInfo queries the loaded media's parameters.
func (d *Drive) MediaInfo() (MediaInfo, error) {
	if d.handle == 0 {
		return MediaInfo{}, ErrDriveClosed
	}
	info, st := d.backend.MediaInfo(d.handle)
	if err := controlOverrides.Classify(st); err != nil {
		return MediaInfo{}, withOp("get media parameters", err)
	}
	return info, nil
}

// SetMediaBlockSize sets the media block size; zero selects variable blocks.
func (d *Drive) SetMediaBlockSize(size uint32) error {
	if d.handle == 0 {
		return ErrDriveClosed
	}
	st := d.backend.SetMediaBlockSize(d.handle, size)
	return withOp("set media parameters", controlOverrides.Classify(st))
}
