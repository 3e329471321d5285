// Package blockstore defines the contract every virtual-disk backend in
// this repository implements: a sector-addressed read/write/flush device
// plus an optional archival extension for snapshot-capable backends.
//
// The engine (internal/engine) depends only on the interfaces declared
// here; it never imports a concrete backend package. This is the
// capability-based dispatch the AoE engine uses in place of a type switch
// on backend identity.
package blockstore

import "errors"

// DeviceInfo is the immutable descriptor of a virtual disk.
type DeviceInfo struct {
	// Model, Serial, and Firmware are presented verbatim (padded or
	// truncated as needed) in an ATA IDENTIFY DEVICE response.
	Model    string
	Serial   string
	Firmware string

	// TotalSectors is the capacity of the disk, in SectorSize units.
	TotalSectors uint64

	// SectorSize is 512 or 4096.
	SectorSize uint32

	// LBA48 is true for any disk exposing more than 2^28 sectors. The
	// engine does not consult it: LBA48 ATA requests are accepted for
	// every target.
	LBA48 bool
}

// Kind classifies a Device error so the engine can map it to the correct
// AoE wire error code without inspecting error strings.
type Kind uint8

const (
	// KindIo indicates an underlying I/O failure (disk, filesystem, or
	// blob-store transport).
	KindIo Kind = iota

	// KindOutOfRange indicates an LBA/count pair that does not fit within
	// TotalSectors.
	KindOutOfRange

	// KindInvalidSectorCount indicates a request whose sector count is
	// zero-after-normalization, exceeds the backend's configured maximum,
	// or does not evenly divide a data payload.
	KindInvalidSectorCount

	// KindBackend indicates a logical failure internal to the backend,
	// including content-hash integrity failures surfaced by a CAS backend.
	KindBackend

	// KindReadOnly indicates a write was rejected because the backend (or
	// the specific target) does not accept writes.
	KindReadOnly
)

// Error is the error type every Device method returns for a request that
// cannot be satisfied by a backend. It carries enough structure for the
// engine to pick an AoE error code and for a logger to record the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, &Error{Kind: KindOutOfRange}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError wraps err (which may be nil) as a Device error of the given
// kind, tagged with the failing operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Device is the block-storage contract every backend satisfies.
//
// Read, Write, and Flush operate purely in whole-sector units; callers are
// responsible for presenting already-validated sector-multiple buffers,
// but implementations must still reject malformed calls defensively (see
// spec §4.3).
type Device interface {
	// Read returns exactly count*Info().SectorSize bytes starting at
	// logical sector lba.
	Read(lba uint64, count uint32) ([]byte, error)

	// Write stores data, whose length must be a multiple of
	// Info().SectorSize, starting at logical sector lba. Writes are
	// rejected if lba+sectors would cross TotalSectors.
	Write(lba uint64, data []byte) error

	// Flush makes all prior successful writes durable before returning.
	Flush() error

	// Info returns the device's immutable descriptor.
	Info() DeviceInfo
}

// SnapshotRecord describes one recorded point-in-time state of an archival
// Device.
type SnapshotRecord struct {
	// Timestamp is seconds since the Unix epoch.
	Timestamp int64

	// ID identifies the recorded state; for a CAS-backed device this is
	// the hex encoding of a root hash.
	ID string

	// Description is an optional human-supplied annotation.
	Description string
}

// Archival extends Device with snapshot recording and restoration. Only
// the CAS backend implements it; the engine does not use it.
type Archival interface {
	Device

	// Snapshot records the device's current state and returns an
	// opaque, stable identifier for it.
	Snapshot(description string) (id string, err error)

	// ListSnapshots returns all recorded snapshots, oldest first.
	ListSnapshots() ([]SnapshotRecord, error)

	// Restore replaces the device's live state with the state identified
	// by id. The snapshot list itself is left untouched.
	Restore(id string) error
}
