package devices

import (
	"sync"

	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/google/uuid"
)

// Snapshots keeps the latest result set per device for the read API.
type Snapshots struct {
	mu     sync.RWMutex
	latest map[uuid.UUID]modbus.ResultSet
}

func NewSnapshots() *Snapshots {
	return &Snapshots{latest: make(map[uuid.UUID]modbus.ResultSet)}
}

// Store replaces the snapshot of rs.DeviceID unless a later cycle is
// already stored.
func (s *Snapshots) Store(rs modbus.ResultSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[rs.DeviceID]; ok && cur.Started.After(rs.Started) {
		return
	}
	s.latest[rs.DeviceID] = rs
}

func (s *Snapshots) Get(id uuid.UUID) (modbus.ResultSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.latest[id]
	return rs, ok
}

func (s *Snapshots) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, id)
}
