package main

import (
	"errors"
	"fmt"

	. "tapeio/tapehardware"
	. "tapeio/utils"
)

// tapeSession is an open drive with its media loaded and a stream over it,
// plus the changer that put the media there, if any.
type tapeSession struct {
	drive    *Drive
	stream   *Stream
	library  TapeLibrary
	libDrive LibraryDrive
	volume   string
	persist  bool // unload through the library on close so the image is saved
	logger   *Logger
}

// openTape gets cartridge (or the configured volume) into the configured
// drive and opens a stream on it.
func openTape(cfg Config, cartridge string, logger *Logger) (*tapeSession, error) {
	ts := &tapeSession{volume: cartridge, logger: logger}
	if ts.volume == "" {
		ts.volume = cfg.Volume
	}

	var backend Backend
	var err error
	switch cfg.Backend {
	case BackendSimulator:
		backend, err = ts.loadSimulated(cfg)
	default:
		backend = NewNativeBackend()
		if cfg.Changer.Device != "" && cartridge != "" {
			err = ts.loadFromChanger(cfg, cartridge)
		}
	}
	if err != nil {
		return nil, err
	}

	drive, err := Open(backend, cfg.DriveIndex)
	if err != nil {
		ts.release()
		return nil, err
	}
	ts.drive = drive
	if err := applySettings(drive, cfg.Settings); err != nil {
		ts.close(false)
		return nil, err
	}
	ts.stream, err = NewStream(drive)
	if err != nil {
		ts.close(false)
		return nil, err
	}
	logger.Event("Opened drive ", cfg.DriveIndex, " volume ", ts.volume)
	return ts, nil
}

func (ts *tapeSession) loadSimulated(cfg Config) (Backend, error) {
	capacity, err := cfg.SimCapacityBytes()
	if err != nil {
		return nil, err
	}
	sim := NewTapeSimulator(cfg.DriveIndex)
	lib, err := NewTapeLibrarySimulator(cfg.SimDirectory, []*TapeSimulator{sim}, ts.volume, capacity)
	if err != nil {
		return nil, err
	}
	drives, carts, err := lib.Audit()
	if err != nil {
		return nil, err
	}
	cart, ok := FindCartridge(carts, ts.volume)
	if !ok {
		// the directory holds other tapes; add a blank one with this name
		if err := NewSimMedia(ts.volume, capacity).Save(cfg.SimDirectory); err != nil {
			return nil, err
		}
		lib, err = NewTapeLibrarySimulator(cfg.SimDirectory, []*TapeSimulator{sim}, "", capacity)
		if err != nil {
			return nil, err
		}
		_, carts, _ = lib.Audit()
		if cart, ok = FindCartridge(carts, ts.volume); !ok {
			return nil, fmt.Errorf("simulated tape %s not found after creation", ts.volume)
		}
	}
	if err := lib.Load(cart, drives[0]); err != nil {
		return nil, err
	}
	ts.library, ts.libDrive, ts.persist = lib, drives[0], true
	return sim, nil
}

func (ts *tapeSession) loadFromChanger(cfg Config, cartridge string) error {
	lib := NewRealTapeLibrary(cfg.Changer.Device, map[int]int{cfg.Changer.DriveSlot: cfg.DriveIndex})
	drives, carts, err := lib.Audit()
	if err != nil {
		return err
	}
	var drive *LibraryDrive
	for i := range drives {
		if drives[i].Slot == cfg.Changer.DriveSlot {
			drive = &drives[i]
		}
	}
	if drive == nil {
		return fmt.Errorf("changer %s has no drive slot %d", cfg.Changer.Device, cfg.Changer.DriveSlot)
	}
	ts.library, ts.libDrive = lib, *drive
	if drive.Cartridge == cartridge {
		return nil
	}
	if drive.Cartridge != "" {
		ts.logger.Event("Unloading ", drive.Cartridge, " from drive slot ", drive.Slot)
		if err := lib.Unload(*drive); err != nil {
			return err
		}
	}
	cart, ok := FindCartridge(carts, cartridge)
	if !ok {
		return fmt.Errorf("cartridge %s not found in changer %s", cartridge, cfg.Changer.Device)
	}
	ts.logger.Event("Loading ", cartridge, " into drive slot ", drive.Slot)
	return lib.Load(cart, *drive)
}

// applySettings pushes the configured overrides in a single call.
func applySettings(d *Drive, sc SettingsConfig) error {
	s := d.Settings()
	want := s
	if sc.Compression != nil {
		want.Compression = *sc.Compression
	}
	if sc.ECC != nil {
		want.ECC = *sc.ECC
	}
	if sc.DataPadding != nil {
		want.DataPadding = *sc.DataPadding
	}
	if sc.ReportSetmarks != nil {
		want.ReportSetmarks = *sc.ReportSetmarks
	}
	if sc.EOTWarningZoneSize != nil {
		want.EOTWarningZoneSize = *sc.EOTWarningZoneSize
	}
	if want == s {
		return nil
	}
	return d.ApplySettings(want)
}

// close releases the drive. The media goes back through the library when the
// session is simulated or eject is set.
func (ts *tapeSession) close(eject bool) error {
	var errs []error
	if ts.drive != nil {
		errs = append(errs, ts.drive.Close())
	}
	if eject || ts.persist {
		errs = append(errs, ts.release())
	}
	return errors.Join(errs...)
}

func (ts *tapeSession) release() error {
	if ts.library == nil {
		return nil
	}
	lib := ts.library
	ts.library = nil
	return lib.Unload(ts.libDrive)
}
