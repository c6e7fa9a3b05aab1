package tapehardware

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/kbj/mtx"
)

// RealTapeLibrary drives a SCSI media changer through the mtx utility.
// driveIndexes maps a changer data transfer element to the device index
// of the drive behind it.
type RealTapeLibrary struct {
	mtx          *mtx.Changer
	driveIndexes map[int]int
}

func NewRealTapeLibrary(libraryDevice string, driveIndexes map[int]int) *RealTapeLibrary {
	return NewChangerLibrary(NewSpectraChanger(libraryDevice), driveIndexes)
}

// NewChangerLibrary runs the library over any mtx implementation.
func NewChangerLibrary(impl mtx.Interface, driveIndexes map[int]int) *RealTapeLibrary {
	return &RealTapeLibrary{
		mtx:          mtx.NewChanger(impl),
		driveIndexes: driveIndexes,
	}
}

func (rtl *RealTapeLibrary) Audit() ([]LibraryDrive, []TapeCartridge, error) {
	drives, err := rtl.mtx.Drives()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to get drive info: %w", err)
	}
	var libDrives []LibraryDrive
	var carts []TapeCartridge
	for _, drive := range drives {
		ld := LibraryDrive{Slot: drive.Num, Index: rtl.deviceIndex(drive.Num)}
		if drive.Type == mtx.DataTransferSlot && drive.Vol != nil {
			ld.Cartridge = drive.Vol.Serial
		}
		libDrives = append(libDrives, ld)
	}
	slots, err := rtl.mtx.Slots()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to get cartridge info: %w", err)
	}
	for _, slot := range slots {
		if slot.Type == mtx.StorageSlot && slot.Vol != nil {
			carts = append(carts, &RealTapeCartridge{currentSlot: slot.Num, volser: slot.Vol.Serial})
		}
	}
	return libDrives, carts, nil
}

func (rtl *RealTapeLibrary) deviceIndex(driveSlot int) int {
	if idx, ok := rtl.driveIndexes[driveSlot]; ok {
		return idx
	}
	return driveSlot
}

// Load moves cart into drive and confirms the changer reports it there.
func (rtl *RealTapeLibrary) Load(cart TapeCartridge, drive LibraryDrive) error {
	if err := rtl.mtx.Load(cart.GetSlot(), drive.Slot); err != nil {
		return fmt.Errorf("load %s from slot %d into drive %d: %w", cart.Name(), cart.GetSlot(), drive.Slot, err)
	}
	serial, err := rtl.driveVolume(drive.Slot)
	if err != nil {
		return err
	}
	if serial != cart.Name() {
		return fmt.Errorf("load %s into drive %d: changer reports %q", cart.Name(), drive.Slot, serial)
	}
	logInfo(componentLibrary, "loaded", "cartridge", cart.Name(), "drive", drive.Slot)
	return nil
}

// Unload returns the cartridge in drive to the first free storage slot.
func (rtl *RealTapeLibrary) Unload(drive LibraryDrive) error {
	serial, err := rtl.driveVolume(drive.Slot)
	if err != nil {
		return err
	}
	if serial == "" {
		return fmt.Errorf("unloading drive %d without a cartridge", drive.Slot)
	}
	slot, err := rtl.findFreeSlot()
	if err != nil {
		return err
	}
	if err := rtl.mtx.Unload(slot, drive.Slot); err != nil {
		return fmt.Errorf("unload %s from drive %d to slot %d: %w", serial, drive.Slot, slot, err)
	}
	logInfo(componentLibrary, "unloaded", "cartridge", serial, "drive", drive.Slot, "slot", slot)
	return nil
}

func (rtl *RealTapeLibrary) driveVolume(driveSlot int) (string, error) {
	drives, err := rtl.mtx.Drives()
	if err != nil {
		return "", fmt.Errorf("unable to get drive info: %w", err)
	}
	for _, d := range drives {
		if d.Num != driveSlot {
			continue
		}
		if d.Vol == nil {
			return "", nil
		}
		return d.Vol.Serial, nil
	}
	return "", fmt.Errorf("changer has no drive %d", driveSlot)
}

// find first free slot
func (rtl *RealTapeLibrary) findFreeSlot() (int, error) {
	slots, err := rtl.mtx.Slots()
	if err != nil {
		return 0, fmt.Errorf("unable to get cartridge info: %w", err)
	}
	for _, s := range slots {
		if s.Type == mtx.StorageSlot && s.Vol == nil {
			return s.Num, nil
		}
	}
	return 0, errors.New("no slots available")
}

//**** REAL TAPE CARTRIDGE ********

type RealTapeCartridge struct {
	currentSlot int
	volser      string
}

func (rtc *RealTapeCartridge) Name() string { return rtc.volser }

func (rtc *RealTapeCartridge) GetSlot() int { return rtc.currentSlot }

// FindCartridge returns the cartridge with volume serial name.
func FindCartridge(carts []TapeCartridge, name string) (TapeCartridge, bool) {
	for _, c := range carts {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

//**** MTX PROVIDER  ********

// Changer runs mtx against one changer device.
type Changer struct {
	device string
	run    func(name string, args ...string) ([]byte, error)
}

func NewSpectraChanger(device string) *Changer {
	return &Changer{
		device: device,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

func (c *Changer) Do(args ...string) ([]byte, error) {
	if len(args) == 0 || len(args) > 3 {
		return nil, fmt.Errorf("mtx: invalid number of args: %d", len(args))
	}
	return c.run("mtx", append([]string{"-f", c.device}, args...)...)
}
