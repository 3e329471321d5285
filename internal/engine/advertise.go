package engine

import (
	"time"

	"github.com/mdlayher/ethernet"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/shelfslot/aoecas"
)

// AdvertiseLoop periodically emits an unsolicited Config-read response for
// every registered target to the Ethernet broadcast address, the way AoE
// targets announce their presence on the wire (spec §4.1, grounded on
// mdlayher/aoe's Server.advertiseLoop/advertise). interval <= 0 disables
// the loop entirely; AdvertiseLoop returns nil immediately in that case.
//
// AdvertiseLoop blocks until ctx is cancelled or sink.WriteFrame fails; run
// it in its own goroutine.
func (e *Engine) AdvertiseLoop(ctx context.Context, sink FrameSink, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if err := e.advertise(sink); err != nil {
			e.log.Error("engine: advertise failed", zap.Error(err))
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// advertise sends one broadcast Config-read response per registered
// target, in registration order.
func (e *Engine) advertise(sink FrameSink) error {
	for _, t := range e.registry.Enumerate() {
		h := &aoe.Header{
			Version:      aoe.Version,
			FlagResponse: true,
			Shelf:        t.Shelf,
			Slot:         t.Slot,
			Command:      aoe.CommandQueryConfigInformation,
			Arg: &aoe.ConfigArg{
				Version:      aoe.Version,
				Command:      aoe.ConfigCommandRead,
				StringLength: uint16(len(t.ConfigString)),
				String:       t.ConfigString,
			},
		}

		frame := e.buildFrame(ethernet.Broadcast, h)
		if frame == nil {
			continue
		}
		if err := sink.WriteFrame(frame); err != nil {
			return err
		}
	}
	return nil
}
