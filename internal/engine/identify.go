package engine

import "github.com/shelfslot/aoecas/internal/blockstore"

// buildIdentify renders the 512-byte ATA IDENTIFY DEVICE response for
// info, per the word-offset table in spec §4.1/§6.
//
// Model, serial, and firmware follow the standard ATA IDENTIFY
// convention of storing ASCII text byte-swapped within each 16-bit word.
// The total-sector and sector-size words are plain little-endian
// integers; word 106 is this repository's own minimal encoding (the raw
// sector size in bytes) rather than the full ATA physical/logical
// sector-size bitfield, since no client in this repository's scope
// parses that field below the byte level.
func buildIdentify(info blockstore.DeviceInfo) []byte {
	buf := make([]byte, identifyBufLen)

	putIdentifyString(buf, identifySerialWord, identifySerialLen, info.Serial)
	putIdentifyString(buf, identifyFirmWord, identifyFirmLen, info.Firmware)
	putIdentifyString(buf, identifyModelWord, identifyModelLen, info.Model)

	lba28 := info.TotalSectors
	if lba28 > lba28Max {
		lba28 = lba28Max
	}
	putWord32(buf, identifyLBA28Word, uint32(lba28))
	putWord64(buf, identifyLBA48Word, info.TotalSectors)
	putWord16(buf, identifySectorWord, uint16(info.SectorSize))

	return buf
}

// putIdentifyString writes s, space-padded or truncated to charLen bytes,
// starting at word wordOffset, swapping the two bytes of each character
// pair as ATA IDENTIFY strings require.
func putIdentifyString(buf []byte, wordOffset, charLen int, s string) {
	padded := make([]byte, charLen)
	for i := range padded {
		padded[i] = ' '
	}
	copy(padded, s)

	base := wordOffset * 2
	for i := 0; i < charLen; i += 2 {
		buf[base+i] = padded[i+1]
		buf[base+i+1] = padded[i]
	}
}

func putWord16(buf []byte, wordOffset int, v uint16) {
	pos := wordOffset * 2
	buf[pos] = byte(v)
	buf[pos+1] = byte(v >> 8)
}

func putWord32(buf []byte, wordOffset int, v uint32) {
	putWord16(buf, wordOffset, uint16(v))
	putWord16(buf, wordOffset+1, uint16(v>>16))
}

func putWord64(buf []byte, wordOffset int, v uint64) {
	putWord16(buf, wordOffset, uint16(v))
	putWord16(buf, wordOffset+1, uint16(v>>16))
	putWord16(buf, wordOffset+2, uint16(v>>32))
	putWord16(buf, wordOffset+3, uint16(v>>48))
}
