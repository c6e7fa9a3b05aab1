package tapehardware

import (
	"errors"
	"fmt"
)

// Status is the raw completion code a backend reports for a device call.
// The values are the Win32 tape error codes; other backends translate their
// native errors into this space.
type Status uint32

const (
	StatusSuccess              Status = 0
	StatusWriteProtect         Status = 19
	StatusNotSupported         Status = 50
	StatusEndOfMedia           Status = 1100
	StatusFileMarkDetected     Status = 1101
	StatusBeginningOfMedia     Status = 1102
	StatusSetMarkDetected      Status = 1103
	StatusNoDataDetected       Status = 1104
	StatusPartitionFailure     Status = 1105
	StatusInvalidBlockLength   Status = 1106
	StatusDeviceNotPartitioned Status = 1107
	StatusUnableToLockMedia    Status = 1108
	StatusUnableToUnloadMedia  Status = 1109
	StatusMediaChanged         Status = 1110
	StatusBusReset             Status = 1111
	StatusNoMediaInDrive       Status = 1112
)

var statusNames = map[Status]string{
	StatusSuccess:              "success",
	StatusWriteProtect:         "write protected",
	StatusNotSupported:         "not supported",
	StatusEndOfMedia:           "end of media",
	StatusFileMarkDetected:     "file mark detected",
	StatusBeginningOfMedia:     "beginning of media",
	StatusSetMarkDetected:      "set mark detected",
	StatusNoDataDetected:       "no data detected",
	StatusPartitionFailure:     "partition failure",
	StatusInvalidBlockLength:   "invalid block length",
	StatusDeviceNotPartitioned: "device not partitioned",
	StatusUnableToLockMedia:    "unable to lock media",
	StatusUnableToUnloadMedia:  "unable to unload media",
	StatusMediaChanged:         "media changed",
	StatusBusReset:             "bus reset",
	StatusNoMediaInDrive:       "no media in drive",
}

// String returns a human-readable status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status %d", uint32(s))
}

// Kind identifies a fatal tape condition.
type Kind int

const (
	KindNone Kind = iota // not an error
	KindNotFound
	KindFormatFailed
	KindLockFailed
	KindWriteProtected
	KindInvalidBlockLength
	KindNotPartitioned
	KindMediaChanged
	KindBusReset
	KindNoMedia
	KindNotSupported
)

var kindMessages = map[Kind]string{
	KindNone:               "no error",
	KindNotFound:           "tape drive not found",
	KindFormatFailed:       "format failed: tape could not be partitioned",
	KindLockFailed:         "could not lock media",
	KindWriteProtected:     "media is write-protected",
	KindInvalidBlockLength: "invalid block length",
	KindNotPartitioned:     "device not partitioned",
	KindMediaChanged:       "media has changed in drive",
	KindBusReset:           "I/O bus has been reset",
	KindNoMedia:            "no media was detected in the tape drive",
	KindNotSupported:       "operation not supported",
}

// String returns the message associated with the kind.
func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return fmt.Sprintf("kind %d", int(k))
}

// Error is a fatal tape error. Op names the call that failed and Status is
// the raw code, when the error came from one. Err is the underlying cause
// reported by the platform, if any.
type Error struct {
	Op     string
	Kind   Kind
	Status Status
	Err    error
}

func (e *Error) Error() string {
	msg := "tape: " + e.Kind.String()
	if e.Op != "" {
		msg = "tape: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so errors.Is
// matches the sentinels below regardless of Op and Status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrFormatFailed       = &Error{Kind: KindFormatFailed}
	ErrLockFailed         = &Error{Kind: KindLockFailed}
	ErrWriteProtected     = &Error{Kind: KindWriteProtected}
	ErrInvalidBlockLength = &Error{Kind: KindInvalidBlockLength}
	ErrNotPartitioned     = &Error{Kind: KindNotPartitioned}
	ErrMediaChanged       = &Error{Kind: KindMediaChanged}
	ErrBusReset           = &Error{Kind: KindBusReset}
	ErrNoMedia            = &Error{Kind: KindNoMedia}
	ErrNotSupported       = &Error{Kind: KindNotSupported}
)

// ErrDriveClosed is returned by every operation on a closed Drive.
var ErrDriveClosed = errors.New("tape: drive is closed")

// KindOf returns the kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNone
}

// generic is the shared status table used by every call site.
var generic = map[Status]Kind{
	StatusInvalidBlockLength:   KindInvalidBlockLength,
	StatusDeviceNotPartitioned: KindNotPartitioned,
	StatusMediaChanged:         KindMediaChanged,
	StatusBusReset:             KindBusReset,
	StatusNoMediaInDrive:       KindNoMedia,
	StatusNotSupported:         KindNotSupported,
}

// Classify maps a status to a fatal error, or nil when the status is success
// or not listed in the shared table.
func Classify(s Status) error {
	if k, ok := generic[s]; ok {
		return &Error{Kind: k, Status: s}
	}
	return nil
}

// Overrides is a per-call-site table checked before the shared one.
// An entry mapping to KindNone swallows the status.
type Overrides map[Status]Kind

// Classify checks the overrides first and falls through to the shared table.
func (o Overrides) Classify(s Status) error {
	if k, ok := o[s]; ok {
		if k == KindNone {
			return nil
		}
		return &Error{Kind: k, Status: s}
	}
	return Classify(s)
}

// controlOverrides applies to drive control calls.
var controlOverrides = Overrides{
	StatusPartitionFailure:    KindFormatFailed,
	StatusUnableToLockMedia:   KindLockFailed,
	StatusUnableToUnloadMedia: KindNone,
}

// streamOverrides applies to stream I/O and positioning calls once the
// boundary statuses have been latched.
var streamOverrides = Overrides{
	StatusWriteProtect: KindWriteProtected,
}

// withOp stamps the operation name onto a classified error.
func withOp(op string, err error) error {
	var te *Error
	if errors.As(err, &te) && te.Op == "" {
		te.Op = op
	}
	return err
}
