package orchestrator

import (
	"sort"
	"time"

	"github.com/RomainBuono/Emergency-manager/internal/kb"
	"github.com/RomainBuono/Emergency-manager/internal/state"
)

// Priority ranks, lower is more urgent. CRITICAL always leads; the long-wait
// override lifts any below-URGENT patient past the threshold above every
// URGENT patient, but never above CRITICAL.
const (
	rankCritical     = 0
	rankLongWait     = 1
	rankUrgent       = 2
	rankModerate     = 3
	rankDeferred     = 4
	rankUnclassified = 5
)

// LongWaitOverride reports whether the long-wait rule applies: a MODERATE or
// DEFERRED patient whose wait strictly exceeds the threshold.
func LongWaitOverride(p *state.Patient, now time.Time, thresholdMinutes int) bool {
	if p.Severity != kb.SeverityModerate && p.Severity != kb.SeverityDeferred {
		return false
	}
	return p.WaitMinutes(now) > thresholdMinutes
}

// Rank returns the priority rank for a patient at the given time.
func Rank(p *state.Patient, now time.Time, longWaitMinutes int) int {
	if p.Severity == kb.SeverityCritical {
		return rankCritical
	}
	if LongWaitOverride(p, now, longWaitMinutes) {
		return rankLongWait
	}
	switch p.Severity {
	case kb.SeverityUrgent:
		return rankUrgent
	case kb.SeverityModerate:
		return rankModerate
	case kb.SeverityDeferred:
		return rankDeferred
	}
	return rankUnclassified
}

// SortByPriority orders patients by rank, then earliest admission. The sort
// is stable so equal patients keep their input order.
func SortByPriority(patients []state.Patient, now time.Time, longWaitMinutes int) {
	sort.SliceStable(patients, func(i, j int) bool {
		ri := Rank(&patients[i], now, longWaitMinutes)
		rj := Rank(&patients[j], now, longWaitMinutes)
		if ri != rj {
			return ri < rj
		}
		return patients[i].AdmittedAt.Before(patients[j].AdmittedAt)
	})
}

// NextPatient returns the highest-priority waiting patient, or nil when
// nobody is waiting.
func NextPatient(snap *state.Snapshot, now time.Time, longWaitMinutes int) *state.Patient {
	waiting := snap.Waiting()
	if len(waiting) == 0 {
		return nil
	}
	SortByPriority(waiting, now, longWaitMinutes)
	return &waiting[0]
}
