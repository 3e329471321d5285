// Package fileblock implements the block-storage contract over a single
// contiguous file, the way a raw disk image is typically exposed. It
// exists to demonstrate the blockstore.Device contract boundary (spec §2
// item 4); the content-addressed backend in internal/cas is the one that
// matters for deduplication.
//
// The read/write/flush shape is adapted from zchee/go-qcow2's
// BlockBackend, generalized from a single qcow2 image to the plain
// sector-linear contract every backend in this repository implements.
package fileblock

import (
	"os"

	"github.com/pkg/errors"

	"github.com/shelfslot/aoecas/internal/blockstore"
)

// Device is a blockstore.Device backed by a contiguous *os.File. Sector i
// maps to the byte range [i*SectorSize, (i+1)*SectorSize).
type Device struct {
	f    *os.File
	info blockstore.DeviceInfo
}

// Open opens (or creates, if create is true) path as a file-backed device
// exposing info.TotalSectors sectors of info.SectorSize bytes each.
func Open(path string, info blockstore.DeviceInfo, create bool) (*Device, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "fileblock: open %s", path)
	}

	size := int64(info.TotalSectors) * int64(info.SectorSize)
	if create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "fileblock: truncate %s", path)
		}
	}

	return &Device{f: f, info: info}, nil
}

// Close releases the underlying file handle.
func (d *Device) Close() error {
	return d.f.Close()
}

func (d *Device) checkRange(lba uint64, count uint32) error {
	if count == 0 {
		return blockstore.NewError(blockstore.KindInvalidSectorCount, "fileblock: range", nil)
	}
	if lba+uint64(count) > d.info.TotalSectors {
		return blockstore.NewError(blockstore.KindOutOfRange, "fileblock: range", nil)
	}
	return nil
}

// Read implements blockstore.Device.
func (d *Device) Read(lba uint64, count uint32) ([]byte, error) {
	if err := d.checkRange(lba, count); err != nil {
		return nil, err
	}

	n := int64(count) * int64(d.info.SectorSize)
	b := make([]byte, n)
	off := int64(lba) * int64(d.info.SectorSize)
	if _, err := d.f.ReadAt(b, off); err != nil {
		return nil, blockstore.NewError(blockstore.KindIo, "fileblock: read", err)
	}
	return b, nil
}

// Write implements blockstore.Device.
func (d *Device) Write(lba uint64, data []byte) error {
	sectorSize := int64(d.info.SectorSize)
	if sectorSize == 0 || int64(len(data))%sectorSize != 0 {
		return blockstore.NewError(blockstore.KindInvalidSectorCount, "fileblock: write", nil)
	}
	count := uint32(int64(len(data)) / sectorSize)
	if err := d.checkRange(lba, count); err != nil {
		return err
	}

	off := int64(lba) * sectorSize
	if _, err := d.f.WriteAt(data, off); err != nil {
		return blockstore.NewError(blockstore.KindIo, "fileblock: write", err)
	}
	return nil
}

// Flush implements blockstore.Device.
func (d *Device) Flush() error {
	if err := d.f.Sync(); err != nil {
		return blockstore.NewError(blockstore.KindIo, "fileblock: flush", err)
	}
	return nil
}

// Info implements blockstore.Device.
func (d *Device) Info() blockstore.DeviceInfo {
	return d.info
}
