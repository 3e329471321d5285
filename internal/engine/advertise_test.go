package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/ethernet"
	"golang.org/x/net/context"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) WriteFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), b...))
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestAdvertiseLoopZeroIntervalIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, map[[2]int]*memDevice{{0, 0}: newMemDevice(4, 512)})
	sink := &recordingSink{}

	if err := e.AdvertiseLoop(context.Background(), sink, 0); err != nil {
		t.Fatalf("AdvertiseLoop: %v", err)
	}
	if got := sink.count(); got != 0 {
		t.Fatalf("expected no frames written, got %d", got)
	}
}

func TestAdvertiseLoopBroadcastsOncePerTarget(t *testing.T) {
	e, _ := newTestEngine(t, map[[2]int]*memDevice{
		{1, 0}: newMemDevice(4, 512),
		{1, 1}: newMemDevice(4, 512),
	})
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.AdvertiseLoop(ctx, sink, time.Hour); err != nil {
		t.Fatalf("AdvertiseLoop: %v", err)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("expected 1 advertisement per target (2 total), got %d", got)
	}

	for _, raw := range sink.frames {
		var f ethernet.Frame
		if err := f.UnmarshalBinary(raw); err != nil {
			t.Fatalf("decode advertised frame: %v", err)
		}
		if f.Destination.String() != ethernet.Broadcast.String() {
			t.Fatalf("expected broadcast destination, got %v", f.Destination)
		}
		_, h := decodeResponse(t, raw)
		if !h.FlagResponse {
			t.Fatalf("expected Response flag on an advertisement")
		}
	}
}
