package marker

import (
	"sync"
	"time"

	"github.com/alwitt/livemarkers/common"
	"github.com/apex/log"
)

// Store in-memory table of the latest marker of each device
//
// Readers receive immutable snapshots: a snapshot is only rebuilt after the table
// changes, so an unchanged table keeps returning the identical Markers value.
type Store struct {
	common.Component
	lock     sync.RWMutex
	entries  map[string]Marker
	snapshot Markers
}

// NewStore define a new empty Store
func NewStore(instance string) *Store {
	logTags := log.Fields{"module": "marker", "component": "store", "instance": instance}
	return &Store{
		Component: common.Component{LogTags: logTags},
		entries:   make(map[string]Marker),
		snapshot:  Markers{},
	}
}

// snapshotLocked return the current snapshot, rebuilding it if the table changed.
// Caller must hold the write lock.
func (s *Store) snapshotLocked() Markers {
	if s.snapshot == nil {
		s.snapshot = make(Markers, len(s.entries))
		for deviceID, entry := range s.entries {
			s.snapshot[deviceID] = entry
		}
	}
	return s.snapshot
}

// Upsert replace the marker of a device wholesale
func (s *Store) Upsert(m Marker) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[m.DeviceID] = m
	s.snapshot = nil
}

// Sweep re-evaluate the online flag of every marker
//
// A marker is online while its report is younger than threshold. Only markers whose flag
// changes are touched. Returns the resulting snapshot, which is the identical value
// as before the call when nothing changed, and the markers which changed.
func (s *Store) Sweep(now time.Time, threshold time.Duration) (Markers, []Marker) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var changed []Marker
	for deviceID, entry := range s.entries {
		shouldBeOnline := now.Sub(entry.ReceivedAt()) < threshold
		if entry.IsOnline == shouldBeOnline {
			continue
		}
		entry.IsOnline = shouldBeOnline
		s.entries[deviceID] = entry
		changed = append(changed, entry)
	}
	if len(changed) > 0 {
		s.snapshot = nil
		log.WithFields(s.LogTags).Debugf("Sweep changed %d markers", len(changed))
	}
	return s.snapshotLocked(), changed
}

// Clear drop all markers
func (s *Store) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries = make(map[string]Marker)
	s.snapshot = Markers{}
}

// Snapshot the current markers
func (s *Store) Snapshot() Markers {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snapshotLocked()
}

// Get fetch the marker of one device
func (s *Store) Get(deviceID string) (Marker, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.entries[deviceID]
	return entry, ok
}

// Len number of known devices
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.entries)
}

// OnlineCount number of devices currently marked online
func (s *Store) OnlineCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	count := 0
	for _, entry := range s.entries {
		if entry.IsOnline {
			count++
		}
	}
	return count
}
