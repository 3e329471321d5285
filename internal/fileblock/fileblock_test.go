package fileblock

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/shelfslot/aoecas/internal/blockstore"
)

func newTestDevice(t *testing.T, totalSectors uint64, sectorSize uint32) *Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	info := blockstore.DeviceInfo{
		Model:        "aoecas-fileblock-test",
		Serial:       "0001",
		Firmware:     "0.1",
		TotalSectors: totalSectors,
		SectorSize:   sectorSize,
	}
	d, err := Open(path, info, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRoundTrip(t *testing.T) {
	d := newTestDevice(t, 64, 512)

	payload := bytes.Repeat([]byte{0xab}, 512*3)
	if err := d.Write(4, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := d.Read(4, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestNewFileReadsAsZero(t *testing.T) {
	d := newTestDevice(t, 64, 512)

	got, err := d.Read(0, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 1024)) {
		t.Fatalf("expected a freshly created file to read back as zero")
	}
}

func TestReadOutOfRange(t *testing.T) {
	d := newTestDevice(t, 4, 512)

	cases := []struct {
		name  string
		lba   uint64
		count uint32
	}{
		{"past end", 3, 2},
		{"lba beyond capacity", 10, 1},
		{"zero count", 0, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Read(tt.lba, tt.count); err == nil {
				t.Fatalf("[%s] expected an error", tt.name)
			}
		})
	}
}

func TestWriteRejectsUnalignedLength(t *testing.T) {
	d := newTestDevice(t, 4, 512)

	if err := d.Write(0, make([]byte, 511)); err == nil {
		t.Fatalf("expected an error writing a non-sector-multiple length")
	}
}

func TestFlushSucceeds(t *testing.T) {
	d := newTestDevice(t, 4, 512)

	if err := d.Write(0, make([]byte, 512)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestInfoReflectsConstructorArgs(t *testing.T) {
	d := newTestDevice(t, 64, 512)

	info := d.Info()
	if info.TotalSectors != 64 || info.SectorSize != 512 {
		t.Fatalf("unexpected info: %+v", info)
	}
}
