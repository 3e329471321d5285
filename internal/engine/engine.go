// Package engine implements the AoE protocol engine: frame parsing,
// target resolution (including broadcast expansion), ATA and Config
// command dispatch, and response synthesis.
//
// Grounded on mdlayher/aoe's Server/Handler split (server.go): this
// package keeps that package's frame-in/frame-out shape and its
// response-synthesis helper, but replaces the single in-process Handler
// callback with dispatch against a sealed internal/targetmgr.Registry, so
// that decoding and storage are no longer the caller's responsibility.
package engine

import (
	"encoding/binary"
	"net"

	"github.com/mdlayher/ethernet"
	"go.uber.org/zap"

	"github.com/shelfslot/aoecas"
	"github.com/shelfslot/aoecas/internal/blockstore"
	"github.com/shelfslot/aoecas/internal/targetmgr"
)

// FrameSource yields raw Ethernet frames (14-byte L2 header intact) that
// the engine should consider, per spec §6. Destination-MAC filtering (a
// server's own unicast address or broadcast) is the source's
// responsibility; the engine applies no further filtering on that axis.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// FrameSink accepts raw Ethernet frames for transmission, per spec §6.
type FrameSink interface {
	WriteFrame([]byte) error
}

// defaultMaxSectorsPerOp bounds a single ATA request's sector count,
// independent of the legacy 256/65536 defaults a zero sector-count field
// requests (spec §4.1: "implementations may cap further to respect MTU").
const defaultMaxSectorsPerOp = 2048

// Config controls how an Engine is constructed.
type Config struct {
	// LocalMAC is the server's own hardware address, used as the source
	// address of every response frame (spec §4.1: "swap source/destination
	// MAC" — the request's destination is not reusable as-is, since a
	// broadcast request's destination is the all-ones address).
	LocalMAC net.HardwareAddr

	// MaxSectorsPerOp caps the sector count accepted by a single ATA
	// request, including the legacy 256/65536 defaults used when a
	// request's SectorCount field is zero. Zero selects
	// defaultMaxSectorsPerOp.
	MaxSectorsPerOp uint32

	Logger *zap.Logger
}

// Engine dispatches AoE frames against a sealed target registry.
type Engine struct {
	registry        *targetmgr.Registry
	localMAC        net.HardwareAddr
	maxSectorsPerOp uint32
	log             *zap.Logger
}

// New constructs an Engine over registry, which must already be sealed
// (targetmgr.Registry.Seal) before Serve or HandleFrame is called.
func New(registry *targetmgr.Registry, cfg Config) *Engine {
	max := cfg.MaxSectorsPerOp
	if max == 0 {
		max = defaultMaxSectorsPerOp
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		registry:        registry,
		localMAC:        cfg.LocalMAC,
		maxSectorsPerOp: max,
		log:             log,
	}
}

// Serve reads frames from source until it returns a non-nil error,
// dispatching each one and writing any resulting responses to sink in
// target-registration order (spec §5: "responses are emitted in the
// order their requests were parsed... emitted contiguously in
// target-registration order before the next incoming frame is touched").
func (e *Engine) Serve(source FrameSource, sink FrameSink) error {
	for {
		frame, err := source.ReadFrame()
		if err != nil {
			return err
		}

		for _, resp := range e.HandleFrame(frame) {
			if err := sink.WriteFrame(resp); err != nil {
				return err
			}
		}
	}
}

// HandleFrame parses and dispatches a single raw Ethernet frame,
// returning zero or more raw Ethernet response frames. It never panics
// on malformed input (spec §4.1 "Failure semantics").
func (e *Engine) HandleFrame(raw []byte) [][]byte {
	var f ethernet.Frame
	if err := f.UnmarshalBinary(raw); err != nil {
		return nil
	}
	if f.EtherType != aoe.EtherType {
		return nil
	}

	var h aoe.Header
	if err := h.UnmarshalBinary(f.Payload); err != nil {
		switch err {
		case aoe.ErrorUnsupportedVersion:
			// The length check in Header.UnmarshalBinary passed (it runs
			// before the version check), so the fields after the version
			// nibble are still valid to read directly off the wire.
			var tag [4]byte
			copy(tag[:], f.Payload[6:10])
			return [][]byte{e.buildFrame(f.Source, &aoe.Header{
				FlagError: true,
				Error:     aoe.ErrorUnsupportedVersion,
				Shelf:     binary.BigEndian.Uint16(f.Payload[2:4]),
				Slot:      f.Payload[4],
				Command:   aoe.Command(f.Payload[5]),
				Tag:       tag,
				Arg:       noopArg{},
			})}

		case aoe.ErrorBadArgumentParameter:
			// A malformed argument (e.g. non-zero ATA reserved bytes) is
			// caught after the common header fields are already decoded
			// into h, so they're valid to reuse here.
			return [][]byte{e.buildFrame(f.Source, &aoe.Header{
				FlagError: true,
				Error:     aoe.ErrorBadArgumentParameter,
				Shelf:     h.Shelf,
				Slot:      h.Slot,
				Command:   h.Command,
				Tag:       h.Tag,
				Arg:       noopArg{},
			})}

		case aoe.ErrorUnrecognizedCommandCode:
			// An unrecognized top-level Command (e.g. CommandMACMaskList,
			// CommandReserveRelease) is rejected before any Arg is
			// decoded, but the common header fields are already valid.
			return [][]byte{e.buildFrame(f.Source, &aoe.Header{
				FlagError: true,
				Error:     aoe.ErrorUnrecognizedCommandCode,
				Shelf:     h.Shelf,
				Slot:      h.Slot,
				Command:   h.Command,
				Tag:       h.Tag,
				Arg:       noopArg{},
			})}

		default:
			// Too short to contain a common header at all: dropped
			// silently per spec §4.1/§7.
			return nil
		}
	}
	if h.FlagResponse {
		return nil
	}

	targets := e.registry.Resolve(h.Shelf, h.Slot)
	if len(targets) == 0 {
		return nil
	}

	responses := make([][]byte, 0, len(targets))
	for _, t := range targets {
		resp := e.dispatch(&h, t)
		resp.Shelf = t.Shelf
		resp.Slot = t.Slot
		resp.Tag = h.Tag
		resp.Command = h.Command
		responses = append(responses, e.buildFrame(f.Source, resp))
	}
	return responses
}

// dispatch performs step 3 of spec §4.1's dispatch state machine for one
// resolved target, returning the (not yet addressed) response header.
func (e *Engine) dispatch(h *aoe.Header, t *targetmgr.Target) *aoe.Header {
	switch h.Command {
	case aoe.CommandIssueATACommand:
		arg, ok := h.Arg.(*aoe.ATAArg)
		if !ok {
			return errorHeader(aoe.ErrorUnrecognizedCommandCode)
		}
		warg, aoeErr := e.handleATA(arg, t)
		if aoeErr != 0 {
			return errorHeader(aoeErr)
		}
		return &aoe.Header{Arg: warg}

	case aoe.CommandQueryConfigInformation:
		arg, ok := h.Arg.(*aoe.ConfigArg)
		if !ok {
			return errorHeader(aoe.ErrorUnrecognizedCommandCode)
		}
		warg, aoeErr := handleConfig(arg, t)
		if aoeErr != 0 {
			return errorHeader(aoeErr)
		}
		return &aoe.Header{Arg: warg}

	default:
		// Unreachable for CommandMACMaskList/CommandReserveRelease: both
		// are rejected at Header.UnmarshalBinary time, before a target is
		// ever resolved. Kept as a safety net for any future Command this
		// switch does not yet handle.
		return errorHeader(aoe.ErrorUnrecognizedCommandCode)
	}
}

func errorHeader(e aoe.Error) *aoe.Header {
	return &aoe.Header{FlagError: true, Error: e, Arg: noopArg{}}
}

// buildFrame finishes a response header (version, response flag, MAC
// addressing) and marshals it into a raw Ethernet frame addressed back to
// dst.
func (e *Engine) buildFrame(dst net.HardwareAddr, h *aoe.Header) []byte {
	h.Version = aoe.Version
	h.FlagResponse = true

	hb, err := h.MarshalBinary()
	if err != nil {
		// Only returned for a nil Arg or bad version, neither of which
		// dispatch produces; a response every path here always sets Arg.
		e.log.Error("engine: failed to marshal response header", zap.Error(err))
		return nil
	}

	frame := &ethernet.Frame{
		Destination: dst,
		Source:      e.localMAC,
		EtherType:   aoe.EtherType,
		Payload:     hb,
	}
	fb, err := frame.MarshalBinary()
	if err != nil {
		e.log.Error("engine: failed to marshal response frame", zap.Error(err))
		return nil
	}
	return fb
}

// storageErrorCode maps a blockstore.Error's Kind to the AoE wire error
// code table in spec §4.3/§7.
func storageErrorCode(err error) aoe.Error {
	var bsErr *blockstore.Error
	if be, ok := err.(*blockstore.Error); ok {
		bsErr = be
	}
	if bsErr == nil {
		return aoe.ErrorDeviceUnavailable
	}
	switch bsErr.Kind {
	case blockstore.KindOutOfRange, blockstore.KindInvalidSectorCount:
		return aoe.ErrorBadArgumentParameter
	case blockstore.KindReadOnly:
		return aoe.ErrorTargetIsReserved
	default:
		return aoe.ErrorDeviceUnavailable
	}
}

// zapFields builds the structured log fields spec §7 requires for a
// storage failure: "logged loudly via an injected logger collaborator".
func zapFields(t *targetmgr.Target, err error) []zap.Field {
	return []zap.Field{
		zap.Uint16("shelf", t.Shelf),
		zap.Uint8("slot", t.Slot),
		zap.Error(err),
	}
}

// noopArg is the Arg carried by an error response: AoE error responses
// omit a payload (spec §4.1), so MarshalBinary returns no bytes.
type noopArg struct{}

func (noopArg) MarshalBinary() ([]byte, error) { return nil, nil }
func (noopArg) UnmarshalBinary([]byte) error   { return nil }
