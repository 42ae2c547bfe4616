package wire

import (
	"fmt"
	"strings"

	"github.com/bardlex/nebula/pkg/errors"
)

// Empty is the unit payload.
type Empty struct{}

// SleepMillis asks the device to sleep for the given duration.
type SleepMillis struct {
	Millis uint16
}

// SleptMillis reports how long the device actually slept.
type SleptMillis struct {
	Millis uint16
}

// LedState is the requested LED output.
type LedState uint8

const (
	LedOff LedState = iota
	LedOn
)

func (s LedState) String() string {
	switch s {
	case LedOff:
		return "off"
	case LedOn:
		return "on"
	default:
		return fmt.Sprintf("LedState(%d)", uint8(s))
	}
}

// Asic enumerates the supported hash chip variants.
type Asic uint8

const (
	AsicBM1362 Asic = iota
	AsicBM1366
	AsicBM1368
	AsicBM1370
)

var asicNames = [...]string{"bm1362", "bm1366", "bm1368", "bm1370"}

func (a Asic) String() string {
	if int(a) < len(asicNames) {
		return asicNames[a]
	}
	return fmt.Sprintf("Asic(%d)", uint8(a))
}

// Valid reports whether a is one of the enumerated variants.
func (a Asic) Valid() bool {
	return int(a) < len(asicNames)
}

// ParseAsic parses a variant name such as "bm1370" (case-insensitive).
func ParseAsic(s string) (Asic, error) {
	for i, name := range asicNames {
		if strings.EqualFold(s, name) {
			return Asic(i), nil
		}
	}
	return 0, fmt.Errorf("unknown asic variant %q", s)
}

// Chain describes the hash chips attached to the device.
type Chain struct {
	Asic  Asic
	Count uint8
}

// Validate enforces a known variant and at least one chip.
func (c Chain) Validate() error {
	if !c.Asic.Valid() {
		return fmt.Errorf("chain: unknown asic %d", uint8(c.Asic))
	}
	if c.Count < 1 {
		return fmt.Errorf("chain: chip count must be at least 1")
	}
	return nil
}

// Info is the nebula/info response.
type Info struct {
	Version string
	Chain   Chain
}

// Job is one unit of device-local mining work. Each Job replaces the
// current one.
type Job struct {
	ID            uint32
	Version       uint32
	PrevBlockHash [32]byte
	MerkleRoot    [32]byte
	NTime         uint32
	NBits         uint32
}

// Share is a candidate solution for a Job. RolledVersion and RolledNTime are
// set only when the search changed those header fields.
type Share struct {
	JobID         uint32
	RolledVersion *uint32
	RolledNTime   *uint32
	Nonce         uint32
}

// ErrorKind classifies an error reply.
type ErrorKind uint8

const (
	ErrInternal ErrorKind = iota
	ErrUnknownPath
	ErrPoolExhausted
	ErrInvalidJob
	ErrDecode
)

var kindTypes = map[ErrorKind]errors.ErrorType{
	ErrInternal:      errors.ErrorTypeInternal,
	ErrUnknownPath:   errors.ErrorTypeUnknownPath,
	ErrPoolExhausted: errors.ErrorTypePoolExhausted,
	ErrInvalidJob:    errors.ErrorTypeInvalidJob,
	ErrDecode:        errors.ErrorTypeDecode,
}

// Type maps the wire kind onto the service error taxonomy.
func (k ErrorKind) Type() errors.ErrorType {
	if t, ok := kindTypes[k]; ok {
		return t
	}
	return errors.ErrorTypeInternal
}

// KindOf maps a service error onto the wire kind.
func KindOf(err error) ErrorKind {
	t := errors.TypeOf(err)
	for k, kt := range kindTypes {
		if kt == t {
			return k
		}
	}
	return ErrInternal
}

// WireError is the payload of an error reply.
type WireError struct {
	Kind    ErrorKind
	Message string
}

// NewWireError converts err for transmission.
func NewWireError(err error) WireError {
	return WireError{Kind: KindOf(err), Message: err.Error()}
}

// Err converts a received error reply back into a service error.
func (e WireError) Err(path string) error {
	return errors.New(e.Kind.Type(), "remote", e.Message).WithContext("path", path)
}
