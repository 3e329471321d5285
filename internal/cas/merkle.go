package cas

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/shelfslot/aoecas/internal/blobstore"
)

// pointerBlock is the decoded form of one interior node: fanout child
// hashes, in slot order. Untouched slots are ZeroHash.
type pointerBlock []Hash

// encodePointerBlock serializes a pointer block to its canonical bytes;
// the block's own identity is the hash of this exact encoding.
func encodePointerBlock(pb pointerBlock) []byte {
	b := make([]byte, len(pb)*32)
	for i, h := range pb {
		copy(b[i*32:(i+1)*32], h[:])
	}
	return b
}

// decodePointerBlock parses sectorSize bytes into a pointer block of the
// given fanout.
func decodePointerBlock(b []byte, fanout int) (pointerBlock, error) {
	if len(b) != fanout*32 {
		return nil, errors.Errorf("cas: pointer block has %d bytes, want %d", len(b), fanout*32)
	}
	pb := make(pointerBlock, fanout)
	for i := range pb {
		copy(pb[i][:], b[i*32:(i+1)*32])
	}
	return pb, nil
}

// depthForCapacity returns the smallest depth >= 1 such that
// fanout^depth >= totalSectors, as required by spec §3/§9: the tree is
// logically complete but physically sparse, and depth never changes
// after a disk is created.
func depthForCapacity(totalSectors uint64, fanout int) int {
	depth := 1
	capacity := uint64(fanout)
	for capacity < totalSectors {
		capacity *= uint64(fanout)
		depth++
	}
	return depth
}

// digits decomposes a logical sector index into depth digits in base
// fanout, most-significant first. Digit k selects the slot at level k (0
// = root).
func digits(index uint64, depth, fanout int) []int {
	out := make([]int, depth)
	base := uint64(fanout)
	for k := depth - 1; k >= 0; k-- {
		out[k] = int(index % base)
		index /= base
	}
	return out
}

// pointerCache is a bounded LRU of decoded pointer blocks keyed by their
// own hash. Correctness never depends on its presence; it only saves a
// blob-store round trip when a node was recently read or written.
//
// Grounded on good-night-oppie/helios's CAS package, which wraps the same
// hashicorp/golang-lru/v2 library for an identical purpose (an L1 cache
// of decoded content-addressed nodes).
type pointerCache struct {
	lru *lru.Cache[Hash, pointerBlock]
}

// defaultCacheSize is the documented default pointer-block cache size.
const defaultCacheSize = 4096

func newPointerCache(size int) *pointerCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[Hash, pointerBlock](size)
	if err != nil {
		// Only returns an error for a non-positive size, which is
		// excluded above.
		panic(err)
	}
	return &pointerCache{lru: c}
}

func (c *pointerCache) get(h Hash) (pointerBlock, bool) {
	return c.lru.Get(h)
}

func (c *pointerCache) put(h Hash, pb pointerBlock) {
	c.lru.Add(h, pb)
}

// fetchPointerBlock returns the decoded pointer block identified by h,
// consulting the cache before falling back to the blob store.
func (b *Backend) fetchPointerBlock(h Hash) (pointerBlock, error) {
	if pb, ok := b.cache.get(h); ok {
		return pb, nil
	}

	raw, err := b.blobs.Get(h)
	if err != nil {
		return nil, err
	}
	pb, err := decodePointerBlock(raw, b.fanout)
	if err != nil {
		return nil, err
	}
	b.cache.put(h, pb)
	return pb, nil
}

// putPointerBlock persists a newly computed pointer block, skipping the
// write if a block with that hash already exists (it necessarily holds
// identical bytes), and primes the cache with the decoded form already in
// hand.
func (b *Backend) putPointerBlock(pb pointerBlock) (Hash, error) {
	raw := encodePointerBlock(pb)
	h := blobstore.Sum(raw)

	if !b.blobs.Exists(h) {
		if err := b.blobs.Put(h, raw); err != nil {
			return Hash{}, err
		}
	}
	b.cache.put(h, pb)
	return h, nil
}

// lookupLeaf walks the Merkle spine from root to the leaf at logical
// sector index, short-circuiting to ZeroHash the moment the path
// descends through a zero slot.
func (b *Backend) lookupLeaf(root Hash, index uint64) (Hash, error) {
	if root.IsZero() {
		return ZeroHash, nil
	}

	cur := root
	for _, digit := range digits(index, b.depth, b.fanout) {
		pb, err := b.fetchPointerBlock(cur)
		if err != nil {
			return Hash{}, err
		}
		cur = pb[digit]
		if cur.IsZero() {
			return ZeroHash, nil
		}
	}
	return cur, nil
}

// updateLeaf performs the copy-on-write update described in spec §4.4:
// record the (node, slot) pairs on the way down, replace the leaf slot,
// then walk back up regenerating and persisting each ancestor. An ancestor
// left with only zero slots becomes ZeroHash and is not stored. It returns
// the new root hash; root is left unmodified by this call (the caller
// commits it atomically once every constituent write succeeds).
func (b *Backend) updateLeaf(root Hash, index uint64, leaf Hash) (Hash, error) {
	path := digits(index, b.depth, b.fanout)

	// Walk down, materializing sparse interior blocks lazily as all-zero.
	nodes := make([]pointerBlock, b.depth)
	cur := root
	for level := 0; level < b.depth; level++ {
		if cur.IsZero() {
			nodes[level] = make(pointerBlock, b.fanout)
		} else {
			pb, err := b.fetchPointerBlock(cur)
			if err != nil {
				return Hash{}, err
			}
			cp := make(pointerBlock, b.fanout)
			copy(cp, pb)
			nodes[level] = cp
		}
		cur = nodes[level][path[level]]
	}

	// Replace the bottom slot, then regenerate ancestors bottom-up.
	childHash := leaf
	for level := b.depth - 1; level >= 0; level-- {
		nodes[level][path[level]] = childHash
		empty := true
		for _, h := range nodes[level] {
			if !h.IsZero() {
				empty = false
				break
			}
		}
		if empty {
			childHash = ZeroHash
			continue
		}
		newHash, err := b.putPointerBlock(nodes[level])
		if err != nil {
			return Hash{}, err
		}
		childHash = newHash
	}

	return childHash, nil
}
