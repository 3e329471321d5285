package cas

import "github.com/shelfslot/aoecas/internal/blobstore"

// Hash is the 32-byte content identity shared with the blob store: a
// pointer block's identity is the hash of its own encoded bytes, and a
// data block's identity is the hash of whichever form (raw or compressed)
// was actually stored.
type Hash = blobstore.Hash

// ZeroHash is the sentinel identifying an unwritten (sparse) leaf or an
// untouched pointer-block slot.
var ZeroHash = blobstore.Zero

// sumStored hashes the exact bytes that will be written to the blob
// store, guarding against the vanishingly unlikely case that they hash to
// the all-zero sentinel (spec §4.4). When that happens, a single guard
// byte is appended before hashing and the discriminant carries that fact
// so the decoder can strip it back off; see discriminant values in
// compress.go.
func sumStored(stored []byte) (Hash, bool) {
	h := blobstore.Sum(stored)
	if !h.IsZero() {
		return h, false
	}
	guarded := append(append([]byte(nil), stored...), 0xff)
	return blobstore.Sum(guarded), true
}
