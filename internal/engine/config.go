package engine

import (
	"bytes"

	"github.com/shelfslot/aoecas"
	"github.com/shelfslot/aoecas/internal/targetmgr"
)

// handleConfig implements spec §4.1's Config/Query dispatch for one
// resolved target. The config string lives on the target itself
// (internal/targetmgr.Target.ConfigString): it is per-virtual-disk state,
// not per-backend, so it survives equally whether the target is backed
// by internal/cas or internal/fileblock.
func handleConfig(arg *aoe.ConfigArg, t *targetmgr.Target) (*aoe.ConfigArg, aoe.Error) {
	switch arg.Command {
	case aoe.ConfigCommandRead:
		return echoConfig(arg, t.ConfigString), 0

	case aoe.ConfigCommandTest:
		if !bytes.Equal(t.ConfigString, arg.String) {
			return nil, aoe.ErrorConfigStringPresent
		}
		return echoConfig(arg, t.ConfigString), 0

	case aoe.ConfigCommandTestPrefix:
		if !bytes.HasPrefix(t.ConfigString, arg.String) {
			return nil, aoe.ErrorConfigStringPresent
		}
		return echoConfig(arg, t.ConfigString), 0

	case aoe.ConfigCommandSet:
		if len(t.ConfigString) != 0 {
			return nil, aoe.ErrorConfigStringPresent
		}
		t.ConfigString = append([]byte(nil), arg.String...)
		return echoConfig(arg, t.ConfigString), 0

	case aoe.ConfigCommandForceSet:
		t.ConfigString = append([]byte(nil), arg.String...)
		return echoConfig(arg, t.ConfigString), 0

	default:
		return nil, aoe.ErrorUnrecognizedCommandCode
	}
}

// echoConfig builds the response ConfigArg: the request's housekeeping
// fields are preserved verbatim, and String/StringLength are replaced
// with the target's current config string.
func echoConfig(req *aoe.ConfigArg, current []byte) *aoe.ConfigArg {
	return &aoe.ConfigArg{
		BufferCount:     req.BufferCount,
		FirmwareVersion: req.FirmwareVersion,
		SectorCount:     req.SectorCount,
		Version:         aoe.Version,
		Command:         req.Command,
		StringLength:    uint16(len(current)),
		String:          current,
	}
}
