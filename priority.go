package activitysync

import "sort"

// PriorityTier governs batch selection order. Higher tiers are always
// selected before lower ones.
type PriorityTier int

const (
	// TierAny matches every tier when fetching.
	TierAny PriorityTier = iota
	// TierNormal is the default tier.
	TierNormal
	// TierHigh marks records that have been retried repeatedly.
	TierHigh
	// TierCritical marks high-risk records that bypass the scheduled
	// interval entirely.
	TierCritical
)

// String returns the tier name.
func (t PriorityTier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierAny:
		return "any"
	default:
		return "unknown"
	}
}

// criticalRiskThreshold is the risk score at or above which a record is
// critical.
const criticalRiskThreshold = 0.7

// highRetryThreshold is the retry count at or above which a record is
// promoted to the high tier regardless of risk.
const highRetryThreshold = 3

// Classify maps a record's risk score and retry history to a priority tier.
// Pure function, no side effects. Frozen records never classify above
// normal: their retry count is a containment sentinel, not history.
func Classify(rec *Record) PriorityTier {
	if rec.RiskScore >= criticalRiskThreshold {
		return TierCritical
	}
	if rec.RetryCount >= highRetryThreshold && !rec.Frozen() {
		return TierHigh
	}
	return TierNormal
}

// sortByPriority orders records critical first, then high, then normal,
// breaking ties oldest first. Frozen records sort behind everything else in
// their tier.
func sortByPriority(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := Classify(recs[i]), Classify(recs[j])
		if ti != tj {
			return ti > tj
		}
		fi, fj := recs[i].Frozen(), recs[j].Frozen()
		if fi != fj {
			return fj
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
