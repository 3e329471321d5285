// Package blobstore implements the content-addressed key/value layer:
// local-file storage keyed by the 32-byte hash of the stored bytes, with
// idempotent puts and hash-verifying gets.
//
// Hashing uses BLAKE3 (lukechampine.com/blake3), grounded on
// good-night-oppie/helios's pkg/helios/cas package, the closest domain
// match in the retrieval pack for a hash-keyed local content store.
package blobstore

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"lukechampine.com/blake3"
)

// Hash is the 32-byte content identity used throughout the store. The
// all-zero Hash is the sentinel for "unwritten/sparse" (spec §3).
type Hash [32]byte

// Zero is the all-zero sentinel hash.
var Zero Hash

// IsZero reports whether h is the all-zero sentinel.
func (h Hash) IsZero() bool { return h == Zero }

// String returns the hex encoding of h, used only at external interfaces
// (snapshot IDs, logging).
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	var out [64]byte
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out[:])
}

// ParseHash decodes the hex encoding produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 64 {
		return h, errors.Errorf("blobstore: hash %q has wrong length", s)
	}
	for i := 0; i < 32; i++ {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return h, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return h, err
		}
		h[i] = hi<<4 | lo
	}
	return h, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.Errorf("blobstore: invalid hex digit %q", c)
	}
}

// Sum computes the content hash of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ErrCorrupted is returned by Get when the bytes read back from storage do
// not rehash to the requested key.
var ErrCorrupted = errors.New("blobstore: corrupted blob")

// Store is a content-addressed key/value layer: Put is idempotent for
// identical content, Get verifies integrity on every read, and Exists is a
// cheap existence check.
type Store interface {
	Put(h Hash, data []byte) error
	Get(h Hash) ([]byte, error)
	Exists(h Hash) bool
	Sync() error
}

// Stats is a point-in-time snapshot of store occupancy, exposed for
// operational logging; it is not required for correctness.
type Stats struct {
	BlobCount   int64
	BytesStored int64
}

// LocalStore is the reference Store implementation: blobs live under a
// root directory, sharded by the first byte of the hex hash, written via
// temp-file-then-rename for atomicity.
type LocalStore struct {
	root string
	log  *zap.Logger

	blobCount   int64
	bytesStored int64

	// dirMu serializes MkdirAll calls for a given shard; os.MkdirAll
	// itself is safe for concurrent callers, but serializing keeps the
	// generated stat traffic predictable.
	dirMu sync.Mutex
}

// Open opens (creating if necessary) a LocalStore rooted at dir, and
// sweeps any leftover ".tmp" files from a prior unclean shutdown.
func Open(dir string, log *zap.Logger) (*LocalStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "blobstore: create root %s", dir)
	}

	s := &LocalStore{root: dir, log: log}
	if err := s.sweepTemp(); err != nil {
		log.Warn("blobstore: temp sweep failed", zap.Error(err))
	}
	if err := s.countExisting(); err != nil {
		log.Warn("blobstore: stat pass failed", zap.Error(err))
	}
	return s, nil
}

func (s *LocalStore) shardPath(h Hash) (dir, file string) {
	hex := h.String()
	dir = filepath.Join(s.root, hex[0:2])
	file = filepath.Join(dir, hex[2:])
	return dir, file
}

// Put stores data under h. If a blob already exists at h's path, Put
// returns nil immediately without rewriting it (dedup).
func (s *LocalStore) Put(h Hash, data []byte) error {
	dir, final := s.shardPath(h)

	if _, err := os.Stat(final); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "blobstore: stat %s", final)
	}

	s.dirMu.Lock()
	err := os.MkdirAll(dir, 0o755)
	s.dirMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "blobstore: mkdir %s", dir)
	}

	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "blobstore: create %s", tmp)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "blobstore: write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "blobstore: fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "blobstore: close %s", tmp)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "blobstore: rename %s", tmp)
	}

	atomic.AddInt64(&s.blobCount, 1)
	atomic.AddInt64(&s.bytesStored, int64(len(data)))
	return nil
}

// Get reads the blob stored at h and verifies it rehashes to h.
func (s *LocalStore) Get(h Hash) ([]byte, error) {
	_, final := s.shardPath(h)

	data, err := os.ReadFile(final)
	if err != nil {
		return nil, errors.Wrapf(err, "blobstore: read %s", final)
	}

	if Sum(data) != h {
		s.log.Error("blobstore: integrity check failed", zap.String("hash", h.String()))
		return nil, ErrCorrupted
	}
	return data, nil
}

// Exists reports whether a blob is stored at h, checking only the final
// (non-temp) path.
func (s *LocalStore) Exists(h Hash) bool {
	_, final := s.shardPath(h)
	_, err := os.Stat(final)
	return err == nil
}

// Sync fsyncs the store's root directory so that recently renamed files'
// directory entries survive a crash.
func (s *LocalStore) Sync() error {
	f, err := os.Open(s.root)
	if err != nil {
		return errors.Wrapf(err, "blobstore: open root %s", s.root)
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "blobstore: fsync root %s", s.root)
	}
	return nil
}

// Stats returns a point-in-time snapshot of store occupancy.
func (s *LocalStore) Stats() Stats {
	return Stats{
		BlobCount:   atomic.LoadInt64(&s.blobCount),
		BytesStored: atomic.LoadInt64(&s.bytesStored),
	}
}

func (s *LocalStore) sweepTemp() error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".tmp" {
				os.Remove(filepath.Join(shardDir, e.Name()))
			}
		}
	}
	return nil
}

func (s *LocalStore) countExisting() error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	var count, bytes int64
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".tmp" {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			count++
			bytes += info.Size()
		}
	}
	atomic.StoreInt64(&s.blobCount, count)
	atomic.StoreInt64(&s.bytesStored, bytes)
	return nil
}

var _ Store = (*LocalStore)(nil)
