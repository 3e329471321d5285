package aoe

// An ATACmdStatus is a value which indicates an ATA command or status, as
// described in AoEr11, Section 3.1.
type ATACmdStatus uint8

const (
	// ATAErrAbort indicates that an ATA command should be aborted.
	ATAErrAbort = 0x04

	// ATACmdStatus values recognized by the ATA command dispatcher.
	ATACmdStatusErrStatus   ATACmdStatus = 0x01
	ATACmdStatusReadyStatus ATACmdStatus = 0x40
	ATACmdStatusFlush       ATACmdStatus = 0xe7
	ATACmdStatusFlushExt    ATACmdStatus = 0xea
	ATACmdStatusIdentify    ATACmdStatus = 0xec
	ATACmdStatusRead28Bit   ATACmdStatus = 0x20
	ATACmdStatusRead48Bit   ATACmdStatus = 0x24
	ATACmdStatusWrite28Bit  ATACmdStatus = 0x30
	ATACmdStatusWrite48Bit  ATACmdStatus = 0x34
)

// SectorSize512 is the minimum required AoE sector size, as specified in
// AoEr11, Section 3. Targets in this repository may additionally expose a
// 4096-byte sector size for 4Kn-style disks; the wire format carries raw
// sector-multiple payloads either way.
const SectorSize512 = 512
