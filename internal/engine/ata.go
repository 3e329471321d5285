package engine

import (
	"github.com/shelfslot/aoecas"
	"github.com/shelfslot/aoecas/internal/targetmgr"
)

// lba28Max is the largest LBA expressible in a 28-bit address (spec
// §4.1: "upper LBA bytes must be zero else error code 2").
const lba28Max = 0x0FFFFFFF

// legacyReadWriteSectors28 and legacyReadWriteSectors48 are the sector
// counts a zero SectorCount field requests (spec §4.1).
const (
	legacyReadWriteSectors28 = 256
	legacyReadWriteSectors48 = 65536
)

// decodeLBA reassembles the 48-bit logical block address carried across
// an ATAArg's 6-byte LBA array, least-significant byte first (LBA[0] holds
// bits 0-7).
func decodeLBA(rlba [6]uint8) uint64 {
	var v uint64
	for i := 5; i >= 0; i-- {
		v = v<<8 | uint64(rlba[i])
	}
	return v
}

// handleATA implements spec §4.1's ATA dispatch for one resolved target.
// It returns either a response ATAArg or a nonzero AoE error code, never
// both.
func (e *Engine) handleATA(arg *aoe.ATAArg, t *targetmgr.Target) (*aoe.ATAArg, aoe.Error) {
	lba := decodeLBA(arg.LBA)
	if !arg.FlagLBA48Extended && lba > lba28Max {
		return nil, aoe.ErrorBadArgumentParameter
	}

	info := t.Storage.Info()

	count := uint32(arg.SectorCount)
	if count == 0 {
		if arg.FlagLBA48Extended {
			count = legacyReadWriteSectors48
		} else {
			count = legacyReadWriteSectors28
		}
	}
	if count > e.maxSectorsPerOp {
		return nil, aoe.ErrorBadArgumentParameter
	}
	if lba+uint64(count) > info.TotalSectors {
		return nil, aoe.ErrorBadArgumentParameter
	}

	switch arg.CmdStatus {
	case aoe.ATACmdStatusIdentify:
		if count != 1 {
			return nil, aoe.ErrorBadArgumentParameter
		}
		return &aoe.ATAArg{
			CmdStatus: aoe.ATACmdStatusReadyStatus,
			Data:      buildIdentify(info),
		}, 0

	case aoe.ATACmdStatusRead28Bit, aoe.ATACmdStatusRead48Bit:
		data, err := t.Storage.Read(lba, count)
		if err != nil {
			e.log.Error("engine: ATA read failed", zapFields(t, err)...)
			return nil, storageErrorCode(err)
		}
		return &aoe.ATAArg{CmdStatus: aoe.ATACmdStatusReadyStatus, Data: data}, 0

	case aoe.ATACmdStatusWrite28Bit, aoe.ATACmdStatusWrite48Bit:
		if uint32(len(arg.Data)) != count*info.SectorSize {
			return nil, aoe.ErrorBadArgumentParameter
		}
		if err := t.Storage.Write(lba, arg.Data); err != nil {
			e.log.Error("engine: ATA write failed", zapFields(t, err)...)
			return nil, storageErrorCode(err)
		}
		return &aoe.ATAArg{CmdStatus: aoe.ATACmdStatusReadyStatus}, 0

	case aoe.ATACmdStatusFlush, aoe.ATACmdStatusFlushExt:
		if err := t.Storage.Flush(); err != nil {
			e.log.Error("engine: ATA flush failed", zapFields(t, err)...)
			return nil, storageErrorCode(err)
		}
		return &aoe.ATAArg{CmdStatus: aoe.ATACmdStatusReadyStatus}, 0

	default:
		return nil, aoe.ErrorUnrecognizedCommandCode
	}
}

// identify word offsets, per spec §4.1/§6.
const (
	identifyBufLen     = 512
	identifySerialWord = 10
	identifySerialLen  = 20
	identifyFirmWord   = 23
	identifyFirmLen    = 8
	identifyModelWord  = 27
	identifyModelLen   = 40
	identifyLBA28Word  = 60
	identifyLBA48Word  = 100
	identifySectorWord = 106
)
