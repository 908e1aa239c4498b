package sampling

import (
	"time"

	"fieldcall-sampling/internal/models"
)

// FilterEligible drops duplicate references and farmers inside an active cooling window,
// preserving first-seen order.
func FilterEligible(farmerIDs []string, cooling map[string]models.CoolingPeriod, now time.Time) []string {
	out := make([]string, 0, len(farmerIDs))
	seen := make(map[string]struct{}, len(farmerIDs))
	for _, id := range farmerIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if cp, ok := cooling[id]; ok && cp.Active(now) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Dedupe returns ids with repeated references removed, preserving order.
func Dedupe(ids []string) []string {
	return FilterEligible(ids, nil, time.Time{})
}
