package cache

import "time"

// Policy selects how a full tier picks its eviction victim.
type Policy string

const (
	// PolicyLRU evicts the least recently used entry.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the least frequently used entry.
	PolicyLFU Policy = "lfu"
	// PolicyTTL evicts the entry closest to expiry.
	PolicyTTL Policy = "ttl"
	// PolicyAdaptive blends recency (0.6) and frequency (0.4).
	PolicyAdaptive Policy = "adaptive"
	// PolicyPredictive evicts the entry least likely to be accessed soon,
	// judged by its observed access-interval average.
	PolicyPredictive Policy = "predictive"
)

// ParsePolicy maps a config string to a policy.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(s) {
	case PolicyLRU, PolicyLFU, PolicyTTL, PolicyAdaptive, PolicyPredictive:
		return Policy(s), true
	case "":
		return PolicyAdaptive, true
	default:
		return "", false
	}
}

const (
	adaptiveRecencyWeight   = 0.6
	adaptiveFrequencyWeight = 0.4
)

// selectVictim picks the entry to evict from a full tier. Higher retention
// score means keep; the lowest-scoring entry is the victim.
func selectVictim(t *tier, policy Policy) *entry {
	var victim *entry
	var victimScore float64

	now := time.Now()
	for _, e := range t.entries {
		score := retentionScore(e, policy, now)
		if victim == nil || score < victimScore {
			victim = e
			victimScore = score
		}
	}
	return victim
}

// retentionScore rates how much an entry deserves to stay.
func retentionScore(e *entry, policy Policy, now time.Time) float64 {
	switch policy {
	case PolicyLFU:
		return float64(e.accessCount)

	case PolicyTTL:
		// Older entries go first.
		return -now.Sub(e.storedAt).Seconds()

	case PolicyAdaptive:
		return adaptiveRecencyWeight*recencyScore(e, now) +
			adaptiveFrequencyWeight*float64(e.accessCount)

	case PolicyPredictive:
		// A short observed interval predicts another access soon.
		if e.intervalEMA <= 0 {
			return recencyScore(e, now)
		}
		return 1.0 / e.intervalEMA.Seconds()

	default: // PolicyLRU
		return recencyScore(e, now)
	}
}

// recencyScore grows toward 1 for recently touched entries.
func recencyScore(e *entry, now time.Time) float64 {
	ref := e.lastAccess
	if ref.IsZero() {
		ref = e.storedAt
	}
	age := now.Sub(ref).Seconds()
	return 1.0 / (1.0 + age)
}
