package sitemodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Machine is the metadata known about one piece of equipment. It is attached
// to passes through CellPass.MachineID and is not part of the spatial tree.
type Machine struct {
	ID          uint16    `json:"id"`
	HardwareID  string    `json:"hardware_id"`
	Name        string    `json:"name"`
	Type        uint8     `json:"type"`
	Design      string    `json:"design,omitempty"`
	Layer       uint16    `json:"layer"`
	GPSAccuracy uint16    `json:"gps_accuracy_mm"`
	LastX       float64   `json:"last_x"`
	LastY       float64   `json:"last_y"`
	LastLat     float64   `json:"last_lat"`
	LastLng     float64   `json:"last_lng"`
	LastSeen    time.Time `json:"last_seen"`

	// MapReset is the time of the most recent map reset reported by the
	// machine. Layer analysis ignores the machine's earlier passes.
	MapReset time.Time `json:"map_reset,omitempty"`

	ProofingRuns []ProofingRun `json:"proofing_runs,omitempty"`
}

// ProofingRun is a named interval reported by a machine.
type ProofingRun struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Machines assigns internal IDs to hardware IDs and keeps the latest metadata
// reported by each machine. Safe for concurrent use.
type Machines struct {
	mu         sync.RWMutex
	byID       map[uint16]*Machine
	byHardware map[string]uint16
	next       uint16
}

// NewMachines creates an empty registry.
func NewMachines() *Machines {
	return &Machines{byID: make(map[uint16]*Machine), byHardware: make(map[string]uint16), next: 1}
}

// Register returns the internal ID for hardwareID, creating a machine
// record the first time it is seen.
func (m *Machines) Register(hardwareID, name string, machineType uint8) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byHardware[hardwareID]; ok {
		mc := m.byID[id]
		if name != "" {
			mc.Name = name
		}
		if machineType != 0 {
			mc.Type = machineType
		}
		return id, nil
	}
	if m.next == 0 || m.next == 0xFFFF {
		return 0, fmt.Errorf("machine registry full, cannot register %q", hardwareID)
	}
	id := m.next
	m.next++
	m.byID[id] = &Machine{ID: id, HardwareID: hardwareID, Name: name, Type: machineType}
	m.byHardware[hardwareID] = id
	return id, nil
}

// Update applies fn to the machine under the registry lock.
func (m *Machines) Update(id uint16, fn func(*Machine)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.byID[id]
	if ok {
		fn(mc)
	}
	return ok
}

// Get returns a copy of the machine record.
func (m *Machines) Get(id uint16) (Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mc, ok := m.byID[id]
	if !ok {
		return Machine{}, false
	}
	out := *mc
	out.ProofingRuns = append([]ProofingRun(nil), mc.ProofingRuns...)
	return out, true
}

// Lookup returns the internal ID assigned to hardwareID.
func (m *Machines) Lookup(hardwareID string) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHardware[hardwareID]
	return id, ok
}

// List returns copies of every machine ordered by ID.
func (m *Machines) List() []Machine {
	m.mu.RLock()
	ids := make([]uint16, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Machine, 0, len(ids))
	for _, id := range ids {
		if mc, ok := m.Get(id); ok {
			out = append(out, mc)
		}
	}
	return out
}

// Len returns the number of registered machines.
func (m *Machines) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// MarshalJSON encodes the registry as a list of machines.
func (m *Machines) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.List())
}

// UnmarshalJSON replaces the registry with a decoded list.
func (m *Machines) UnmarshalJSON(data []byte) error {
	var list []Machine
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode machines: %w", err)
	}

	byID := make(map[uint16]*Machine, len(list))
	byHardware := make(map[string]uint16, len(list))
	next := uint16(1)
	for i := range list {
		mc := list[i]
		if mc.ID == 0 {
			return fmt.Errorf("decode machines: machine %q has no id", mc.HardwareID)
		}
		byID[mc.ID] = &mc
		byHardware[mc.HardwareID] = mc.ID
		next = max(next, mc.ID+1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID, m.byHardware, m.next = byID, byHardware, next
	return nil
}
