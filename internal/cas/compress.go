package cas

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/shelfslot/aoecas/internal/blobstore"
)

// Discriminant byte values for the self-describing data-block encoding
// required by spec §4.4/§9: since a block's hash identifies the exact
// bytes stored, the decoder must determine raw-vs-compressed (and the
// zero-hash guard of sumStored) from the bytes alone.
//
// Grounded on go-ethereum's era/era2 block builders, which store
// snappy-compressed blocks behind a one-byte discriminant the same way.
const (
	discRaw           byte = 0x00
	discSnappy        byte = 0x01
	discRawGuarded    byte = 0x02
	discSnappyGuarded byte = 0x03
)

// encodeDataBlock chooses the stored representation of a sector's payload
// — compressed if compression is enabled and strictly smaller, otherwise
// raw — prefixes the chosen discriminant, and returns the stored bytes
// along with their content hash.
func encodeDataBlock(payload []byte, compress bool) (stored []byte, hash Hash) {
	disc := discRaw
	body := payload

	if compress {
		c := snappy.Encode(nil, payload)
		if len(c) < len(payload) {
			disc = discSnappy
			body = c
		}
	}

	stored = make([]byte, 1+len(body))
	stored[0] = disc
	copy(stored[1:], body)

	h, guarded := sumStored(stored)
	if guarded {
		guardedDisc := discRawGuarded
		if disc == discSnappy {
			guardedDisc = discSnappyGuarded
		}
		stored = append(stored, 0xff)
		stored[0] = guardedDisc
		h = blobstore.Sum(stored)
	}
	return stored, h
}

// decodeDataBlock reverses encodeDataBlock, returning the original
// sectorSize-byte payload.
func decodeDataBlock(stored []byte, sectorSize int) ([]byte, error) {
	if len(stored) < 1 {
		return nil, errors.New("cas: empty stored block")
	}

	disc := stored[0]
	body := stored[1:]

	switch disc {
	case discRawGuarded, discSnappyGuarded:
		if len(body) < 1 {
			return nil, errors.New("cas: guarded block missing guard byte")
		}
		body = body[:len(body)-1]
		if disc == discRawGuarded {
			disc = discRaw
		} else {
			disc = discSnappy
		}
	}

	var payload []byte
	switch disc {
	case discRaw:
		payload = body
	case discSnappy:
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, errors.Wrap(err, "cas: snappy decode")
		}
		payload = decoded
	default:
		return nil, errors.Errorf("cas: unknown block discriminant 0x%02x", stored[0])
	}

	if len(payload) != sectorSize {
		return nil, errors.Errorf("cas: decoded block has length %d, want %d", len(payload), sectorSize)
	}
	return payload, nil
}
