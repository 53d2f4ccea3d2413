package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomainBuono/Emergency-manager/internal/kb"
	"github.com/RomainBuono/Emergency-manager/internal/state"
)

const longWait = 360

func waitingPatient(id string, sev kb.Severity, waitMin int, now time.Time) state.Patient {
	return state.Patient{
		ID:         id,
		Name:       id,
		Complaint:  "test",
		Severity:   sev,
		Status:     state.StatusWaiting,
		AdmittedAt: now.Add(-time.Duration(waitMin) * time.Minute),
	}
}

func TestLongWaitOverride(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name string
		sev  kb.Severity
		wait int
		want bool
	}{
		{"moderate past threshold", kb.SeverityModerate, 400, true},
		{"deferred past threshold", kb.SeverityDeferred, 361, true},
		{"moderate at threshold exactly", kb.SeverityModerate, 360, false},
		{"moderate under threshold", kb.SeverityModerate, 100, false},
		{"urgent never overrides", kb.SeverityUrgent, 500, false},
		{"critical never overrides", kb.SeverityCritical, 500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := waitingPatient("p", tt.sev, tt.wait, now)
			assert.Equal(t, tt.want, LongWaitOverride(&p, now, longWait))
		})
	}
}

func TestSortByPriorityMixedDepartment(t *testing.T) {
	now := time.Now().UTC()
	patients := []state.Patient{
		waitingPatient("def_short", kb.SeverityDeferred, 10, now),
		waitingPatient("urg_1", kb.SeverityUrgent, 90, now),
		waitingPatient("mod_long", kb.SeverityModerate, 400, now),
		waitingPatient("crit_1", kb.SeverityCritical, 2, now),
		waitingPatient("urg_2", kb.SeverityUrgent, 30, now),
		waitingPatient("mod_short", kb.SeverityModerate, 50, now),
	}

	SortByPriority(patients, now, longWait)

	got := make([]string, len(patients))
	for i, p := range patients {
		got[i] = p.ID
	}
	// CRITICAL first, the long-wait MODERATE above every URGENT, then URGENT
	// by admission time, then the remaining classes.
	assert.Equal(t, []string{"crit_1", "mod_long", "urg_1", "urg_2", "mod_short", "def_short"}, got)
}

func TestSortByPriorityAdmissionTiebreak(t *testing.T) {
	now := time.Now().UTC()
	patients := []state.Patient{
		waitingPatient("later", kb.SeverityUrgent, 30, now),
		waitingPatient("earlier", kb.SeverityUrgent, 45, now),
	}
	SortByPriority(patients, now, longWait)
	assert.Equal(t, "earlier", patients[0].ID)
	assert.Equal(t, "later", patients[1].ID)
}

func TestNextPatient(t *testing.T) {
	now := time.Now().UTC()

	t.Run("empty waiting room", func(t *testing.T) {
		snap := &state.Snapshot{Patients: []state.Patient{
			{ID: "in_care", Severity: kb.SeverityCritical, Status: state.StatusInConsult, AdmittedAt: now},
		}}
		assert.Nil(t, NextPatient(snap, now, longWait))
	})

	t.Run("critical wins over long wait", func(t *testing.T) {
		snap := &state.Snapshot{Patients: []state.Patient{
			waitingPatient("def_long", kb.SeverityDeferred, 700, now),
			waitingPatient("crit", kb.SeverityCritical, 1, now),
		}}
		next := NextPatient(snap, now, longWait)
		require.NotNil(t, next)
		assert.Equal(t, "crit", next.ID)
	})
}
