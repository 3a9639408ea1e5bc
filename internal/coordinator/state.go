package coordinator

import (
	"sync"
	"time"

	"streda-bridge/internal/streda"
)

// StateStore is the in-memory mirror of the device state tree. The
// coordinator run loop is the only writer; readers (entities, mqtt bridge,
// web handlers, scripts) go through the read-locked accessors. The explicit
// mutex replaces the single-event-loop serialization the cooperative model
// relied on.
type StateStore struct {
	mu          sync.RWMutex
	snapIns     []streda.SnapIn
	lastRefresh time.Time
	stale       bool
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{}
}

// ReplaceFull replaces the whole tree. Used by the polling path.
func (s *StateStore) ReplaceFull(snapIns []streda.SnapIn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapIns = snapIns
	s.lastRefresh = time.Now()
	s.stale = false
}

// ApplyPartial merges a batch of push updates into the tree in place and
// returns the updates that actually hit an existing record. An update for a
// snap-in, device, or state type not present in the tree is skipped
// silently: the push channel only patches known state kinds and may carry
// devices outside the current topology. The whole batch is always
// processed; one push message can update several devices.
func (s *StateStore) ApplyPartial(updates []streda.Update) []streda.Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []streda.Update
	for _, u := range updates {
		if u.ZigbeeID == "" || u.DeviceState == nil {
			continue
		}
		if s.mergeLocked(u) {
			applied = append(applied, u)
		}
	}
	return applied
}

func (s *StateStore) mergeLocked(u streda.Update) bool {
	for si := range s.snapIns {
		if s.snapIns[si].ZigbeeID != u.ZigbeeID {
			continue
		}
		devices := s.snapIns[si].Devices
		for di := range devices {
			if devices[di].DeviceNumber != u.DeviceNumber {
				continue
			}
			states := devices[di].States
			for sti := range states {
				if states[sti].Type != u.DeviceState.Type {
					continue
				}
				if states[sti].Data == nil {
					states[sti].Data = make(map[string]any, len(u.DeviceState.Data))
				}
				// Shallow merge: new keys overwrite, unrelated keys survive.
				for k, v := range u.DeviceState.Data {
					states[sti].Data[k] = v
				}
				return true
			}
			return false // state type unknown, update dropped
		}
		return false // device not in snap-in
	}
	return false // snap-in outside current topology
}

// View runs fn with the current tree under a read lock. fn must not retain
// or mutate the slice.
func (s *StateStore) View(fn func(snapIns []streda.SnapIn)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.snapIns)
}

// PowerState returns the power state string ("ON"/"OFF") of one device, or
// false when the device or its PowerState record is absent. Absence is a
// defined negative, never leftover data from another device.
func (s *StateStore) PowerState(zigbeeID string, deviceNumber int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sn := range s.snapIns {
		if sn.ZigbeeID != zigbeeID {
			continue
		}
		for _, dev := range sn.Devices {
			if dev.DeviceNumber != deviceNumber {
				continue
			}
			for _, st := range dev.States {
				if st.Type != streda.StateTypePower {
					continue
				}
				v, ok := st.Data["state"].(string)
				return v, ok
			}
			return "", false
		}
		return "", false
	}
	return "", false
}

// ResolveRelay finds the relay device inside a snap-in and its firmware
// version (display metadata). Called once per dock at entity construction.
func (s *StateStore) ResolveRelay(zigbeeID string) (deviceNumber int, firmware string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	firmware = "unknown"
	for _, sn := range s.snapIns {
		if sn.ZigbeeID != zigbeeID {
			continue
		}
		for _, st := range sn.States {
			if st.Type == streda.StateTypeFirmware {
				if v, found := st.Data["firmwareVersion"].(string); found {
					firmware = v
				}
			}
		}
		for _, dev := range sn.Devices {
			if dev.DeviceType == streda.DeviceTypeRelay {
				return dev.DeviceNumber, firmware, true
			}
		}
		return 0, firmware, false
	}
	return 0, firmware, false
}

// LastRefresh returns the time of the last successful full refresh.
func (s *StateStore) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// Stale reports whether the most recent poll failed, i.e. readers see
// last-good data.
func (s *StateStore) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// MarkStale flags the current data as last-good after a failed poll.
func (s *StateStore) MarkStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
}
