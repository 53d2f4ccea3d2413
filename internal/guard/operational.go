package guard

import "regexp"

// Operational queries ask about the live department state (counts, lists,
// availability) rather than medical protocols. They legitimately have no
// nearby protocol vector, so the relevance floor does not apply to them.
// They still go through the pattern and classifier stages like any input.
var operationalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)combien\s+de\s+(patients?|salles?|m[ée]decins?|infirmi[eè]r)`),
	regexp.MustCompile(`(?i)how\s+many\s+(patients?|rooms?|doctors?|nurses?)`),
	regexp.MustCompile(`(?i)liste\s+(des\s+)?(patients?|salles?|personnels?)`),
	regexp.MustCompile(`(?i)list\s+(of\s+)?(patients?|rooms?|staff)`),
	regexp.MustCompile(`(?i)(quel|what)\s+(est\s+le\s+)?(statut|status|[ée]tat)`),
	regexp.MustCompile(`(?i)(salles?|rooms?)\s+(disponibles?|libres?|available|free)`),
	regexp.MustCompile(`(?i)(personnel|staff|[ée]quipe)\s+(disponible|available|de\s+garde|on\s+duty)`),
	regexp.MustCompile(`(?i)temps\s+d'attente`),
	regexp.MustCompile(`(?i)wait(ing)?\s+times?`),
	regexp.MustCompile(`(?i)(occupation|occupancy)\s+(des\s+salles|rate)?`),
}

// IsOperational reports whether the query matches the operational whitelist.
func IsOperational(query string) bool {
	for _, p := range operationalPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}
