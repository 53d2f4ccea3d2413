package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/RomainBuono/Emergency-manager/internal/state"
)

// Summarize projects the snapshot into the compact situation text the
// reasoning model receives. Patients are listed in priority order so the
// model's attention follows the department's.
func Summarize(snap *state.Snapshot, now time.Time, longWaitMinutes int) string {
	var b strings.Builder

	waiting := snap.Waiting()
	SortByPriority(waiting, now, longWaitMinutes)

	fmt.Fprintf(&b, "Patients waiting: %d\n", len(waiting))
	for _, p := range waiting {
		fmt.Fprintf(&b, "- %s (%s): %s, severity %s, waiting %d min",
			p.ID, p.Name, p.Complaint, p.Severity, p.WaitMinutes(now))
		if LongWaitOverride(&p, now, longWaitMinutes) {
			fmt.Fprintf(&b, " [long wait, past %d min]", longWaitMinutes)
		}
		b.WriteString("\n")
	}

	inCare := 0
	for _, p := range snap.Patients {
		switch p.Status {
		case state.StatusInConsult, state.StatusTransportToConsult, state.StatusTransportToUnit:
			inCare++
		}
	}
	fmt.Fprintf(&b, "Patients in care: %d\n", inCare)

	doctors := snap.AvailableStaff(state.RoleDoctor)
	nurses := snap.AvailableStaff(state.RoleNurse)
	orderlies := snap.AvailableStaff(state.RoleOrderly)
	fmt.Fprintf(&b, "Available staff: %d doctors, %d nurses, %d orderlies\n",
		len(doctors), len(nurses), len(orderlies))
	for _, st := range snap.AvailableStaff("") {
		fmt.Fprintf(&b, "- %s (%s): %s\n", st.ID, st.Role, st.Name)
	}

	consult := snap.FreeRooms("consult")
	fmt.Fprintf(&b, "Free consult rooms: %d\n", len(consult))
	for _, r := range consult {
		fmt.Fprintf(&b, "- %s\n", r.ID)
	}

	if unwatched := snap.UnwatchedOccupiedRooms(); len(unwatched) > 0 {
		fmt.Fprintf(&b, "Occupied rooms without watch: %d\n", len(unwatched))
		for _, r := range unwatched {
			fmt.Fprintf(&b, "- %s (%s): patient %s\n", r.ID, r.Kind, r.PatientID)
		}
	}

	return b.String()
}
