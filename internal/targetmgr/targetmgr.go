// Package targetmgr owns the collection of virtual disks exposed by a
// server and routes requests to them by (shelf, slot), expanding the AoE
// broadcast sentinels where applicable.
//
// Grounded on the registration-order, build-once-then-read-only shape of
// mdlayher/aoe's Handler dispatch, generalized from a single in-process
// handler to a sealed multi-target registry.
package targetmgr

import (
	"fmt"

	"github.com/shelfslot/aoecas/internal/blockstore"
)

// BroadcastShelf and BroadcastSlot are the AoE wire sentinels (aoe.go);
// in Resolve each matches any value in its own field.
const (
	BroadcastShelf = 0xFFFF
	BroadcastSlot  = 0xFF
)

// Target pairs a registered device with the (shelf, slot) it answers to.
// ConfigString carries the AoE Config/Query command's per-target state
// (spec §4.1): it is mutated only by internal/engine's config-command
// handler, never by the registry itself.
type Target struct {
	Shelf        uint16
	Slot         uint8
	Storage      blockstore.Device
	ConfigString []byte
}

// Registry maps (shelf, slot) to a blockstore.Device. It is built once at
// startup via Register and is read-only (and lock-free) from Seal onward,
// per spec §4.2/§5: "built at startup; post-startup mutations are not part
// of the core contract... reads are lock-free once sealed."
type Registry struct {
	byKey  map[key]*Target
	order  []*Target
	sealed bool
}

type key struct {
	shelf uint16
	slot  uint8
}

// New returns an empty, unsealed Registry.
func New() *Registry {
	return &Registry{byKey: make(map[key]*Target)}
}

// Register adds storage under (shelf, slot). It returns an error if the
// registry is already sealed, if either coordinate is a broadcast
// sentinel, or if (shelf, slot) is already registered.
func (r *Registry) Register(shelf uint16, slot uint8, storage blockstore.Device) error {
	if r.sealed {
		return fmt.Errorf("targetmgr: registry is sealed")
	}
	if shelf == BroadcastShelf || slot == BroadcastSlot {
		return fmt.Errorf("targetmgr: (%d, %d) is a broadcast sentinel and cannot be registered", shelf, slot)
	}
	k := key{shelf, slot}
	if _, ok := r.byKey[k]; ok {
		return fmt.Errorf("targetmgr: (%d, %d) is already registered", shelf, slot)
	}

	t := &Target{Shelf: shelf, Slot: slot, Storage: storage}
	r.byKey[k] = t
	r.order = append(r.order, t)
	return nil
}

// Seal marks the registry read-only. Resolve and Enumerate are safe for
// concurrent use by any number of callers once Seal has returned; Register
// after Seal always fails.
func (r *Registry) Seal() {
	r.sealed = true
}

// Resolve expands (shelf, slot) to the targets it addresses, in
// registration order. Each field is matched independently: a concrete
// value must equal the target's own, while a broadcast sentinel matches
// any value in that field. A sentinel in one field does not widen the
// other — (shelf=5, slot=0xFF) matches every slot on shelf 5 only, never
// a target on a different shelf (spec §4.1 step 2, §4.2; grounded on the
// teacher's per-field Major/Minor comparison in server.go).
func (r *Registry) Resolve(shelf uint16, slot uint8) []*Target {
	if shelf != BroadcastShelf && slot != BroadcastSlot {
		if t, ok := r.byKey[key{shelf, slot}]; ok {
			return []*Target{t}
		}
		return nil
	}

	var out []*Target
	for _, t := range r.order {
		if (shelf == BroadcastShelf || shelf == t.Shelf) && (slot == BroadcastSlot || slot == t.Slot) {
			out = append(out, t)
		}
	}
	return out
}

// Enumerate returns every registered target in registration order, the
// tie-break spec §4.1/§5 requires for broadcast response ordering.
func (r *Registry) Enumerate() []*Target {
	out := make([]*Target, len(r.order))
	copy(out, r.order)
	return out
}
