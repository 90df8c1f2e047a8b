package restart

import "time"

// History holds the timestamps of recent restarts, oldest first. It is not
// safe for concurrent use; the owning monitor serializes access.
type History struct {
	stamps []time.Time
}

// Record appends a restart timestamp.
func (h *History) Record(t time.Time) {
	h.stamps = append(h.stamps, t)
}

// Evict drops timestamps strictly before cutoff.
func (h *History) Evict(cutoff time.Time) {
	i := 0
	for i < len(h.stamps) && h.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		h.stamps = append(h.stamps[:0], h.stamps[i:]...)
	}
}

func (h *History) Len() int { return len(h.stamps) }

// Within returns the timestamps of stamps that fall inside the window ending
// at now. A zero window keeps all of them.
func Within(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	out := make([]time.Time, 0, len(stamps))
	cutoff := now.Add(-window)
	for _, t := range stamps {
		if window <= 0 || !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Timestamps returns a copy of the retained timestamps.
func (h *History) Timestamps() []time.Time {
	return append([]time.Time(nil), h.stamps...)
}
