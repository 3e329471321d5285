// Package cas implements the content-addressed block-storage backend: a
// fixed-depth Merkle index over a blobstore.Store, with copy-on-write
// updates, snapshot recording, and optional per-sector compression.
package cas

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shelfslot/aoecas/internal/blobstore"
	"github.com/shelfslot/aoecas/internal/blockstore"
)

// Config controls how a Backend is constructed.
type Config struct {
	Info      blockstore.DeviceInfo
	Compress  bool
	CacheSize int
	Logger    *zap.Logger
}

// Backend is the CAS block-storage backend described in spec §4.4. It
// implements blockstore.Device and blockstore.Archival.
type Backend struct {
	blobs    blobstore.Store
	cache    *pointerCache
	compress bool
	info     blockstore.DeviceInfo
	fanout   int
	depth    int
	log      *zap.Logger

	mu        sync.RWMutex
	root      Hash
	snapshots []blockstore.SnapshotRecord
}

var (
	_ blockstore.Device   = (*Backend)(nil)
	_ blockstore.Archival = (*Backend)(nil)
)

// New constructs a CAS Backend over blobs, computing depth from
// cfg.Info.TotalSectors and the sector-derived fanout (spec §3/§9: depth
// is computed at open time and never changes thereafter).
func New(blobs blobstore.Store, cfg Config) (*Backend, error) {
	if cfg.Info.SectorSize == 0 {
		return nil, errors.New("cas: sector size must be nonzero")
	}
	fanout := int(cfg.Info.SectorSize / 32)
	if fanout < 2 {
		return nil, errors.New("cas: sector size too small for a 32-byte fanout")
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Backend{
		blobs:    blobs,
		cache:    newPointerCache(cfg.CacheSize),
		compress: cfg.Compress,
		info:     cfg.Info,
		fanout:   fanout,
		depth:    depthForCapacity(cfg.Info.TotalSectors, fanout),
		log:      log,
	}, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (b *Backend) checkRange(lba uint64, count uint32) error {
	if count == 0 {
		return blockstore.NewError(blockstore.KindInvalidSectorCount, "cas: range", nil)
	}
	if lba+uint64(count) > b.info.TotalSectors {
		return blockstore.NewError(blockstore.KindOutOfRange, "cas: range", nil)
	}
	return nil
}

// Read implements blockstore.Device, per the algorithm in spec §4.4: a
// leaf reached through a zero slot anywhere on the spine returns
// sector-size zero bytes without touching the blob store; otherwise the
// data block is fetched, decompressed if needed, and length-verified.
func (b *Backend) Read(lba uint64, count uint32) ([]byte, error) {
	if err := b.checkRange(lba, count); err != nil {
		return nil, err
	}

	sectorSize := int(b.info.SectorSize)
	out := make([]byte, int(count)*sectorSize)

	b.mu.RLock()
	root := b.root
	b.mu.RUnlock()

	for i := uint32(0); i < count; i++ {
		leaf, err := b.lookupLeaf(root, lba+uint64(i))
		if err != nil {
			return nil, blockstore.NewError(blockstore.KindBackend, "cas: merkle lookup", err)
		}

		dst := out[int(i)*sectorSize : int(i+1)*sectorSize]
		if leaf.IsZero() {
			continue
		}

		stored, err := b.blobs.Get(leaf)
		if err != nil {
			b.log.Error("cas: read failed", zap.Uint64("lba", lba+uint64(i)), zap.String("hash", leaf.String()), zap.Error(err))
			if errors.Is(err, blobstore.ErrCorrupted) {
				return nil, blockstore.NewError(blockstore.KindBackend, "cas: corrupted block", err)
			}
			return nil, blockstore.NewError(blockstore.KindIo, "cas: fetch block", err)
		}

		payload, err := decodeDataBlock(stored, sectorSize)
		if err != nil {
			return nil, blockstore.NewError(blockstore.KindBackend, "cas: decode block", err)
		}
		copy(dst, payload)
	}

	return out, nil
}

// Write implements blockstore.Device, per the algorithm in spec §4.4: a
// wholly-zero sector deletes its leaf instead of allocating a blob, and
// the new root is only installed once every constituent pointer-block
// write has succeeded (atomic commit).
func (b *Backend) Write(lba uint64, data []byte) error {
	sectorSize := int(b.info.SectorSize)
	if sectorSize == 0 || len(data)%sectorSize != 0 {
		return blockstore.NewError(blockstore.KindInvalidSectorCount, "cas: write", nil)
	}
	count := uint32(len(data) / sectorSize)
	if err := b.checkRange(lba, count); err != nil {
		return err
	}

	b.mu.RLock()
	root := b.root
	b.mu.RUnlock()

	for i := uint32(0); i < count; i++ {
		sector := data[int(i)*sectorSize : int(i+1)*sectorSize]

		var leaf Hash
		if !allZero(sector) {
			stored, hash := encodeDataBlock(sector, b.compress)
			if !b.blobs.Exists(hash) {
				if err := b.blobs.Put(hash, stored); err != nil {
					return blockstore.NewError(blockstore.KindIo, "cas: store block", err)
				}
			}
			leaf = hash
		}

		newRoot, err := b.updateLeaf(root, lba+uint64(i), leaf)
		if err != nil {
			return blockstore.NewError(blockstore.KindBackend, "cas: merkle update", err)
		}
		root = newRoot
	}

	b.mu.Lock()
	b.root = root
	b.mu.Unlock()
	return nil
}

// Flush implements blockstore.Device: fsyncs the blob store's root
// directory so that every blob renamed into place during prior writes
// survives a process restart. The in-memory root hash itself is
// persisted externally via SaveMetadata (spec §4.4: "snapshot list
// persistence is an external responsibility").
func (b *Backend) Flush() error {
	if err := b.blobs.Sync(); err != nil {
		return blockstore.NewError(blockstore.KindIo, "cas: flush", err)
	}
	return nil
}

// Info implements blockstore.Device.
func (b *Backend) Info() blockstore.DeviceInfo {
	return b.info
}

// RootHash returns the current root hash, for metadata persistence and
// diagnostics.
func (b *Backend) RootHash() Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.root
}

// Snapshot implements blockstore.Archival: it appends a record of the
// current root hash to the snapshot list and returns its hex encoding.
func (b *Backend) Snapshot(description string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := blockstore.SnapshotRecord{
		Timestamp:   time.Now().Unix(),
		ID:          b.root.String(),
		Description: description,
	}
	b.snapshots = append(b.snapshots, rec)
	return rec.ID, nil
}

// ListSnapshots implements blockstore.Archival.
func (b *Backend) ListSnapshots() ([]blockstore.SnapshotRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]blockstore.SnapshotRecord, len(b.snapshots))
	copy(out, b.snapshots)
	return out, nil
}

// Restore implements blockstore.Archival. Per spec §4.4/§9's resolved
// Open Question, any well-formed hash is accepted — not only one present
// in the recorded snapshot list — so that a root hash can be transplanted
// from another server sharing the same blob store.
func (b *Backend) Restore(id string) error {
	h, err := blobstore.ParseHash(id)
	if err != nil {
		return blockstore.NewError(blockstore.KindBackend, "cas: restore", err)
	}

	b.mu.Lock()
	b.root = h
	b.mu.Unlock()
	return nil
}

// metadataFile is the JSON-encoded form of a CAS target's persisted
// state (spec §6: "per-CAS-target metadata file"). The encoding is
// implementer-controlled and documented here; JSON is used because the
// format is explicitly not interop-constrained, only diagnosable.
type metadataFile struct {
	Root         string                      `json:"root"`
	TotalSectors uint64                      `json:"total_sectors"`
	SectorSize   uint32                      `json:"sector_size"`
	Depth        int                         `json:"depth"`
	Fanout       int                         `json:"fanout"`
	Snapshots    []blockstore.SnapshotRecord `json:"snapshots"`
}

// SaveMetadata encodes the target's persisted state (root hash, shape,
// and snapshot list) as the external load/save endpoint spec §4.4
// requires.
func (b *Backend) SaveMetadata() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := metadataFile{
		Root:         b.root.String(),
		TotalSectors: b.info.TotalSectors,
		SectorSize:   b.info.SectorSize,
		Depth:        b.depth,
		Fanout:       b.fanout,
		Snapshots:    b.snapshots,
	}
	return json.Marshal(m)
}

// LoadMetadata restores a target's persisted state. The disk's shape
// (TotalSectors, SectorSize, hence Depth/Fanout) must already match what
// the Backend was constructed with; LoadMetadata only replaces the live
// root hash and snapshot list.
func (b *Backend) LoadMetadata(data []byte) error {
	var m metadataFile
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "cas: decode metadata")
	}

	root, err := blobstore.ParseHash(m.Root)
	if err != nil {
		return errors.Wrap(err, "cas: decode metadata root")
	}

	b.mu.Lock()
	b.root = root
	b.snapshots = m.Snapshots
	b.mu.Unlock()
	return nil
}
