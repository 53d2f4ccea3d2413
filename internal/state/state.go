// Package state models the live emergency department snapshot the decision
// loop reasons over: patients with severity and admission times, staff, and
// rooms. The snapshot is input to decisions; executing a decision and
// mutating the department is the controller's job, not ours.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/RomainBuono/Emergency-manager/internal/kb"
)

// PatientStatus is the patient's position in the care pathway.
type PatientStatus string

const (
	StatusWaiting            PatientStatus = "waiting"
	StatusTransportToConsult PatientStatus = "transport_to_consult"
	StatusInConsult          PatientStatus = "in_consult"
	StatusTransportToUnit    PatientStatus = "transport_to_unit"
	StatusAdmitted           PatientStatus = "admitted"
	StatusDischarged         PatientStatus = "discharged"
)

// Patient is one tracked patient.
type Patient struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Complaint  string        `json:"complaint"`
	Severity   kb.Severity   `json:"severity"`
	Status     PatientStatus `json:"status"`
	AdmittedAt time.Time     `json:"admitted_at"`
	RoomID     string        `json:"room_id,omitempty"`
	StaffID    string        `json:"staff_id,omitempty"`
}

// WaitMinutes returns whole minutes since admission, floored at zero.
func (p *Patient) WaitMinutes(now time.Time) int {
	m := int(now.Sub(p.AdmittedAt).Minutes())
	if m < 0 {
		return 0
	}
	return m
}

// StaffRole is a staff member's function.
type StaffRole string

const (
	RoleDoctor  StaffRole = "doctor"
	RoleNurse   StaffRole = "nurse"
	RoleOrderly StaffRole = "orderly"
)

// Staff is one staff member.
type Staff struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      StaffRole `json:"role"`
	Available bool      `json:"available"`
	// WatchRoom is the room this member is assigned to watch, if any.
	WatchRoom string `json:"watch_room,omitempty"`
}

// Room is one physical room.
type Room struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "waiting", "consult", "unit"
	PatientID string `json:"patient_id,omitempty"`
}

// Occupied reports whether a patient is in the room.
func (r *Room) Occupied() bool { return r.PatientID != "" }

// Snapshot is a point-in-time view of the department.
type Snapshot struct {
	TakenAt  time.Time `json:"taken_at"`
	Patients []Patient `json:"patients"`
	Staff    []Staff   `json:"staff"`
	Rooms    []Room    `json:"rooms"`
}

// Waiting returns the patients still in the waiting phase.
func (s *Snapshot) Waiting() []Patient {
	var out []Patient
	for _, p := range s.Patients {
		if p.Status == StatusWaiting {
			out = append(out, p)
		}
	}
	return out
}

// AvailableStaff returns staff members marked available, optionally
// filtered by role (empty role matches all).
func (s *Snapshot) AvailableStaff(role StaffRole) []Staff {
	var out []Staff
	for _, st := range s.Staff {
		if st.Available && (role == "" || st.Role == role) {
			out = append(out, st)
		}
	}
	return out
}

// FreeRooms returns unoccupied rooms of the given kind (empty kind matches
// all).
func (s *Snapshot) FreeRooms(kind string) []Room {
	var out []Room
	for _, r := range s.Rooms {
		if !r.Occupied() && (kind == "" || r.Kind == kind) {
			out = append(out, r)
		}
	}
	return out
}

// UnwatchedOccupiedRooms returns occupied rooms no staff member is assigned
// to watch.
func (s *Snapshot) UnwatchedOccupiedRooms() []Room {
	watched := make(map[string]bool, len(s.Staff))
	for _, st := range s.Staff {
		if st.WatchRoom != "" {
			watched[st.WatchRoom] = true
		}
	}
	var out []Room
	for _, r := range s.Rooms {
		if r.Occupied() && !watched[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// Patient returns the patient with the given id, or nil.
func (s *Snapshot) Patient(id string) *Patient {
	for i := range s.Patients {
		if s.Patients[i].ID == id {
			return &s.Patients[i]
		}
	}
	return nil
}

// Validate checks severity classes and cross-references. A snapshot that
// names unknown severities or dangling room/staff ids is rejected before it
// reaches the decision loop.
func (s *Snapshot) Validate() error {
	rooms := make(map[string]bool, len(s.Rooms))
	for _, r := range s.Rooms {
		rooms[r.ID] = true
	}
	staff := make(map[string]bool, len(s.Staff))
	for _, st := range s.Staff {
		staff[st.ID] = true
	}

	for _, p := range s.Patients {
		if !p.Severity.Valid() {
			return fmt.Errorf("patient %s: invalid severity %q", p.ID, p.Severity)
		}
		if p.RoomID != "" && !rooms[p.RoomID] {
			return fmt.Errorf("patient %s: unknown room %q", p.ID, p.RoomID)
		}
		if p.StaffID != "" && !staff[p.StaffID] {
			return fmt.Errorf("patient %s: unknown staff %q", p.ID, p.StaffID)
		}
	}
	for _, st := range s.Staff {
		if st.WatchRoom != "" && !rooms[st.WatchRoom] {
			return fmt.Errorf("staff %s: unknown watch room %q", st.ID, st.WatchRoom)
		}
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot JSON file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("state file %s: %w", path, err)
	}
	return &snap, nil
}

// Store holds the current snapshot behind a lock so the HTTP surface and
// the autonomous loop can share it.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewStore creates a store with an initial snapshot (may be nil).
func NewStore(snap *Snapshot) *Store {
	return &Store{snap: snap}
}

// Current returns the current snapshot, or nil when none was loaded.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Replace swaps in a new snapshot after validating it.
func (s *Store) Replace(snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return nil
}
