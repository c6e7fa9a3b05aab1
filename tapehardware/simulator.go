// used to run the stream against a tape drive that lives in memory, and to
// script device statuses in tests
package tapehardware

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Op names a backend call in the simulator's call log and script.
type Op string

const (
	OpOpen              Op = "open"
	OpClose             Op = "close"
	OpRead              Op = "read"
	OpWrite             Op = "write"
	OpGetPosition       Op = "get position"
	OpSetPosition       Op = "set position"
	OpPrepare           Op = "prepare"
	OpCreatePartition   Op = "create partition"
	OpDriveCapabilities Op = "drive capabilities"
	OpMediaInfo         Op = "media info"
	OpSetDriveSettings  Op = "set drive settings"
	OpSetMediaBlockSize Op = "set media block size"
	OpFlush             Op = "flush"
	OpErase             Op = "erase"
	OpWriteMark         Op = "write mark"
)

// StatusInvalidHandle is reported for calls on a handle the simulator did
// not issue.
const StatusInvalidHandle Status = 6

const mebibyte = 1 << 20

// Call is one entry of the simulator's call log.
type Call struct {
	Op   Op
	Args []any
}

// record kinds on simulated media
const (
	recordData = "data"
	recordFile = "filemark"
	recordSet  = "setmark"
)

type SimRecord struct {
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

type SimPartition struct {
	Records []SimRecord `json:"records"`
}

// SimMedia is one simulated cartridge.
type SimMedia struct {
	Name           string          `json:"name"`
	Capacity       int64           `json:"capacity"`
	WriteProtected bool            `json:"writeProtected"`
	BlockSize      uint32          `json:"blockSize"`
	Partitions     []*SimPartition `json:"partitions"`
}

// NewSimMedia returns blank single-partition media of capacity bytes.
func NewSimMedia(name string, capacity int64) *SimMedia {
	return &SimMedia{
		Name:       name,
		Capacity:   capacity,
		Partitions: []*SimPartition{{}},
	}
}

func (m *SimMedia) used() int64 {
	var n int64
	for _, p := range m.Partitions {
		for _, r := range p.Records {
			n += int64(len(r.Data))
		}
	}
	return n
}

const SimMediaSuffix = ".tape.json"

// LoadSimMedia reads a cartridge image written by Save.
func LoadSimMedia(path string) (*SimMedia, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m SimMedia
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(m.Partitions) == 0 {
		m.Partitions = []*SimPartition{{}}
	}
	return &m, nil
}

// Save writes the cartridge image into dir.
func (m *SimMedia) Save(dir string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, m.Name+SimMediaSuffix), data, 0644)
}

// DefaultSimCapabilities describes a variable-block drive with four partitions.
func DefaultSimCapabilities() DriveCapabilities {
	return DriveCapabilities{
		MinimumBlockSize:      1,
		MaximumBlockSize:      1 << 20,
		DefaultBlockSize:      64 * 1024,
		MaximumPartitionCount: 4,
		Current: DriveSettings{
			Compression: true,
			ECC:         true,
		},
	}
}

// TapeSimulator is a Backend for a single drive. Media positions count
// records: every data block and every mark occupies one block address.
type TapeSimulator struct {
	index      int
	handle     Handle
	nextHandle Handle
	caps       DriveCapabilities
	settings   DriveSettings
	media      *SimMedia
	loaded     bool
	locked     bool
	part       int
	pos        int
	script     map[Op][]Status
	calls      []Call
}

// NewTapeSimulator returns a simulated drive answering to device index.
func NewTapeSimulator(index int) *TapeSimulator {
	caps := DefaultSimCapabilities()
	return &TapeSimulator{
		index:    index,
		caps:     caps,
		settings: caps.Current,
		script:   make(map[Op][]Status),
	}
}

// SetCapabilities replaces the parameters reported at open.
func (t *TapeSimulator) SetCapabilities(c DriveCapabilities) {
	t.caps = c
	t.settings = c.Current
}

// Insert puts a cartridge in the drive. It is not loaded until Prepare(Load).
func (t *TapeSimulator) Insert(m *SimMedia) {
	t.media = m
	t.loaded = false
	t.part, t.pos = 0, 0
}

// Eject removes and returns the cartridge.
func (t *TapeSimulator) Eject() *SimMedia {
	m := t.media
	t.media = nil
	t.loaded = false
	t.part, t.pos = 0, 0
	return m
}

// Media returns the cartridge in the drive, or nil.
func (t *TapeSimulator) Media() *SimMedia { return t.media }

// Script queues statuses returned, in order, by the next calls of op in
// place of the simulated behaviour.
func (t *TapeSimulator) Script(op Op, statuses ...Status) {
	t.script[op] = append(t.script[op], statuses...)
}

// Calls returns the call log.
func (t *TapeSimulator) Calls() []Call { return t.calls }

// ResetCalls empties the call log.
func (t *TapeSimulator) ResetCalls() { t.calls = nil }

// CallCount returns how many times op was called.
func (t *TapeSimulator) CallCount(op Op) int {
	n := 0
	for _, c := range t.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call of op.
func (t *TapeSimulator) LastCall(op Op) (Call, bool) {
	for i := len(t.calls) - 1; i >= 0; i-- {
		if t.calls[i].Op == op {
			return t.calls[i], true
		}
	}
	return Call{}, false
}

func (t *TapeSimulator) record(op Op, args ...any) {
	t.calls = append(t.calls, Call{Op: op, Args: args})
}

func (t *TapeSimulator) scripted(op Op) (Status, bool) {
	q := t.script[op]
	if len(q) == 0 {
		return 0, false
	}
	t.script[op] = q[1:]
	return q[0], true
}

// ready validates the handle and, when needLoaded is set, that media is loaded.
func (t *TapeSimulator) ready(h Handle, needLoaded bool) Status {
	if h == 0 || h != t.handle {
		return StatusInvalidHandle
	}
	if needLoaded && (t.media == nil || !t.loaded) {
		return StatusNoMediaInDrive
	}
	return StatusSuccess
}

func (t *TapeSimulator) partition() *SimPartition {
	return t.media.Partitions[t.part]
}

// truncate drops everything after the current position; writing on tape
// always makes the written record the new end of data.
func (t *TapeSimulator) truncate() {
	p := t.partition()
	if t.pos < len(p.Records) {
		p.Records = p.Records[:t.pos]
	}
}

func (t *TapeSimulator) Open(index int) (Handle, error) {
	t.record(OpOpen, index)
	if index != t.index {
		return 0, fmt.Errorf("simulator: no drive %d", index)
	}
	if t.handle != 0 {
		return 0, errors.New("simulator: drive already open")
	}
	t.nextHandle++
	t.handle = t.nextHandle
	return t.handle, nil
}

func (t *TapeSimulator) Close(h Handle) error {
	t.record(OpClose, h)
	if h == 0 || h != t.handle {
		return errors.New("simulator: invalid handle")
	}
	t.handle = 0
	return nil
}

func (t *TapeSimulator) Read(h Handle, p []byte) (int, Status) {
	t.record(OpRead, len(p))
	if st, ok := t.scripted(OpRead); ok {
		return 0, st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return 0, st
	}
	part := t.partition()
	for {
		if t.pos >= len(part.Records) {
			return 0, StatusNoDataDetected
		}
		rec := part.Records[t.pos]
		t.pos++
		switch rec.Kind {
		case recordFile:
			return 0, StatusFileMarkDetected
		case recordSet:
			if t.settings.ReportSetmarks {
				return 0, StatusSetMarkDetected
			}
			continue
		}
		n := copy(p, rec.Data)
		if n < len(rec.Data) {
			return n, StatusInvalidBlockLength
		}
		return n, StatusSuccess
	}
}

func (t *TapeSimulator) Write(h Handle, p []byte) (int, Status) {
	t.record(OpWrite, len(p))
	if st, ok := t.scripted(OpWrite); ok {
		return 0, st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return 0, st
	}
	if t.media.WriteProtected {
		return 0, StatusWriteProtect
	}
	if len(p) == 0 || uint32(len(p)) > t.caps.MaximumBlockSize {
		return 0, StatusInvalidBlockLength
	}
	if bs := t.media.BlockSize; bs != 0 && uint32(len(p))%bs != 0 {
		return 0, StatusInvalidBlockLength
	}
	t.truncate()
	used := t.media.used()
	if used+int64(len(p)) > t.media.Capacity {
		return 0, StatusEndOfMedia
	}
	part := t.partition()
	part.Records = append(part.Records, SimRecord{Kind: recordData, Data: append([]byte(nil), p...)})
	t.pos = len(part.Records)
	if t.media.Capacity-used-int64(len(p)) < int64(t.settings.EOTWarningZoneSize) {
		return len(p), StatusEndOfMedia
	}
	return len(p), StatusSuccess
}

func (t *TapeSimulator) GetPosition(h Handle, mode PositionMode) (uint32, int64, Status) {
	t.record(OpGetPosition, mode)
	if st, ok := t.scripted(OpGetPosition); ok {
		return 0, 0, st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return 0, 0, st
	}
	return uint32(t.part), int64(t.pos), StatusSuccess
}

func (t *TapeSimulator) SetPosition(h Handle, method PositionMethod, partition uint32, offset int64, immediate bool) Status {
	t.record(OpSetPosition, method, partition, offset, immediate)
	if st, ok := t.scripted(OpSetPosition); ok {
		return st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return st
	}
	records := t.partition().Records
	switch method {
	case MethodRewind:
		t.pos = 0
	case MethodAbsoluteBlock, MethodLogicalBlock:
		if method == MethodLogicalBlock && partition != 0 {
			if int(partition) > len(t.media.Partitions) {
				return StatusDeviceNotPartitioned
			}
			t.part = int(partition) - 1
			records = t.partition().Records
		}
		switch {
		case offset < 0:
			t.pos = 0
			return StatusBeginningOfMedia
		case offset > int64(len(records)):
			t.pos = len(records)
			return StatusNoDataDetected
		}
		t.pos = int(offset)
	case MethodSpaceEndOfData:
		t.pos = len(records)
	case MethodSpaceFileMarks:
		return t.spaceFileMarks(records, offset)
	default:
		return StatusNotSupported
	}
	return StatusSuccess
}

func (t *TapeSimulator) spaceFileMarks(records []SimRecord, count int64) Status {
	for count > 0 {
		if t.pos >= len(records) {
			return StatusNoDataDetected
		}
		if records[t.pos].Kind == recordFile {
			count--
		}
		t.pos++
	}
	for count < 0 {
		if t.pos == 0 {
			return StatusBeginningOfMedia
		}
		t.pos--
		if records[t.pos].Kind == recordFile {
			count++
		}
	}
	return StatusSuccess
}

func (t *TapeSimulator) Prepare(h Handle, op PrepareOp, immediate bool) Status {
	t.record(OpPrepare, op, immediate)
	if st, ok := t.scripted(OpPrepare); ok {
		return st
	}
	if st := t.ready(h, false); st != StatusSuccess {
		return st
	}
	if t.media == nil {
		return StatusNoMediaInDrive
	}
	switch op {
	case PrepareLoad:
		t.loaded = true
	case PrepareUnload:
		t.loaded = false
		t.part, t.pos = 0, 0
	case PrepareTension:
		if !t.loaded {
			return StatusNoMediaInDrive
		}
		t.pos = 0
	case PrepareLock:
		t.locked = true
	case PrepareUnlock:
		t.locked = false
	case PrepareFormat:
		if !t.loaded {
			return StatusNoMediaInDrive
		}
		if t.media.WriteProtected {
			return StatusWriteProtect
		}
		t.media.Partitions = []*SimPartition{{}}
		t.part, t.pos = 0, 0
	default:
		return StatusNotSupported
	}
	return StatusSuccess
}

func (t *TapeSimulator) CreatePartition(h Handle, method PartitionMethod, count, size uint32) Status {
	t.record(OpCreatePartition, method, count, size)
	if st, ok := t.scripted(OpCreatePartition); ok {
		return st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return st
	}
	if t.media.WriteProtected {
		return StatusWriteProtect
	}
	n := 1
	switch method {
	case PartitionFixed:
	case PartitionSelect, PartitionInitiator:
		if count == 0 || count > t.caps.MaximumPartitionCount {
			return StatusPartitionFailure
		}
		if method == PartitionInitiator && int64(size)*mebibyte*int64(count-1) >= t.media.Capacity {
			return StatusPartitionFailure
		}
		n = int(count)
	default:
		return StatusNotSupported
	}
	t.media.Partitions = make([]*SimPartition, n)
	for i := range t.media.Partitions {
		t.media.Partitions[i] = &SimPartition{}
	}
	t.part, t.pos = 0, 0
	return StatusSuccess
}

func (t *TapeSimulator) DriveCapabilities(h Handle) (DriveCapabilities, Status) {
	t.record(OpDriveCapabilities)
	if st, ok := t.scripted(OpDriveCapabilities); ok {
		return DriveCapabilities{}, st
	}
	if st := t.ready(h, false); st != StatusSuccess {
		return DriveCapabilities{}, st
	}
	caps := t.caps
	caps.Current = t.settings
	return caps, StatusSuccess
}

func (t *TapeSimulator) MediaInfo(h Handle) (MediaInfo, Status) {
	t.record(OpMediaInfo)
	if st, ok := t.scripted(OpMediaInfo); ok {
		return MediaInfo{}, st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return MediaInfo{}, st
	}
	return MediaInfo{
		Capacity:       t.media.Capacity,
		Remaining:      t.media.Capacity - t.media.used(),
		BlockSize:      t.media.BlockSize,
		PartitionCount: uint32(len(t.media.Partitions)),
		WriteProtected: t.media.WriteProtected,
	}, StatusSuccess
}

func (t *TapeSimulator) SetDriveSettings(h Handle, s DriveSettings) Status {
	t.record(OpSetDriveSettings, s)
	if st, ok := t.scripted(OpSetDriveSettings); ok {
		return st
	}
	if st := t.ready(h, false); st != StatusSuccess {
		return st
	}
	t.settings = s
	return StatusSuccess
}

func (t *TapeSimulator) SetMediaBlockSize(h Handle, size uint32) Status {
	t.record(OpSetMediaBlockSize, size)
	if st, ok := t.scripted(OpSetMediaBlockSize); ok {
		return st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return st
	}
	if size != 0 && (size < t.caps.MinimumBlockSize || size > t.caps.MaximumBlockSize) {
		return StatusInvalidBlockLength
	}
	t.media.BlockSize = size
	return StatusSuccess
}

func (t *TapeSimulator) Flush(h Handle) Status {
	t.record(OpFlush)
	if st, ok := t.scripted(OpFlush); ok {
		return st
	}
	return t.ready(h, true)
}

func (t *TapeSimulator) Erase(h Handle, kind EraseType, immediate bool) Status {
	t.record(OpErase, kind, immediate)
	if st, ok := t.scripted(OpErase); ok {
		return st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return st
	}
	if t.media.WriteProtected {
		return StatusWriteProtect
	}
	switch kind {
	case EraseShort, EraseLong:
		t.truncate()
	default:
		return StatusNotSupported
	}
	return StatusSuccess
}

func (t *TapeSimulator) WriteMark(h Handle, kind MarkType, count uint32, immediate bool) Status {
	t.record(OpWriteMark, kind, count, immediate)
	if st, ok := t.scripted(OpWriteMark); ok {
		return st
	}
	if st := t.ready(h, true); st != StatusSuccess {
		return st
	}
	if t.media.WriteProtected {
		return StatusWriteProtect
	}
	rk := recordFile
	switch kind {
	case MarkSet:
		rk = recordSet
	case MarkFile, MarkShortFile, MarkLongFile:
	default:
		return StatusNotSupported
	}
	t.truncate()
	part := t.partition()
	for i := uint32(0); i < count; i++ {
		part.Records = append(part.Records, SimRecord{Kind: rk})
	}
	t.pos = len(part.Records)
	return StatusSuccess
}

//**** SIMULATED TAPE LIBRARY ********

// TapeLibrarySimulator keeps cartridge images in a directory and moves
// them in and out of simulated drives.
type TapeLibrarySimulator struct {
	drives        []*TapeSimulator
	tapes         []TapeCartridge
	tapeDirectory string
}

type TapeCartridgeSimulator struct {
	name string
	slot int
}

func (c *TapeCartridgeSimulator) Name() string { return c.name }

func (c *TapeCartridgeSimulator) GetSlot() int { return c.slot }

// NewTapeLibrarySimulator finds the cartridge images in tapeDirectory. When
// there are none it creates blank media named blankName of capacity bytes.
func NewTapeLibrarySimulator(tapeDirectory string, drives []*TapeSimulator, blankName string, capacity int64) (*TapeLibrarySimulator, error) {
	if err := os.MkdirAll(tapeDirectory, 0755); err != nil {
		return nil, err
	}
	lib := &TapeLibrarySimulator{drives: drives, tapeDirectory: tapeDirectory}
	names, err := lib.scan()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 && blankName != "" {
		if err := NewSimMedia(blankName, capacity).Save(tapeDirectory); err != nil {
			return nil, err
		}
		names = []string{blankName}
	}
	for slot, name := range names {
		logInfo(componentSimulator, "found tape", "name", name, "slot", slot)
		lib.tapes = append(lib.tapes, &TapeCartridgeSimulator{name: name, slot: slot})
	}
	return lib, nil
}

func (l *TapeLibrarySimulator) scan() ([]string, error) {
	entries, err := os.ReadDir(l.tapeDirectory)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), SimMediaSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), SimMediaSuffix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *TapeLibrarySimulator) Audit() ([]LibraryDrive, []TapeCartridge, error) {
	var drives []LibraryDrive
	for slot, d := range l.drives {
		ld := LibraryDrive{Slot: slot, Index: d.index}
		if d.media != nil {
			ld.Cartridge = d.media.Name
		}
		drives = append(drives, ld)
	}
	return drives, l.tapes, nil
}

func (l *TapeLibrarySimulator) Load(cart TapeCartridge, drive LibraryDrive) error {
	td, err := l.drive(drive)
	if err != nil {
		return err
	}
	if td.media != nil {
		return fmt.Errorf("simulator: drive %d busy", drive.Slot)
	}
	m, err := LoadSimMedia(filepath.Join(l.tapeDirectory, cart.Name()+SimMediaSuffix))
	if err != nil {
		return err
	}
	td.Insert(m)
	logInfo(componentSimulator, "loaded tape", "name", cart.Name(), "drive", drive.Slot)
	return nil
}

// Unload writes the cartridge image back to the directory and empties the drive.
func (l *TapeLibrarySimulator) Unload(drive LibraryDrive) error {
	td, err := l.drive(drive)
	if err != nil {
		return err
	}
	m := td.Eject()
	if m == nil {
		return fmt.Errorf("simulator: drive %d empty", drive.Slot)
	}
	return m.Save(l.tapeDirectory)
}

func (l *TapeLibrarySimulator) drive(d LibraryDrive) (*TapeSimulator, error) {
	if d.Slot < 0 || d.Slot >= len(l.drives) {
		return nil, fmt.Errorf("simulator: no drive slot %d", d.Slot)
	}
	return l.drives[d.Slot], nil
}
