package ledger

import "time"

// Stats summarises the buffered records.
type Stats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	AvgDuration time.Duration  `json:"avg_duration"`
	ByName      map[string]int `json:"by_name"`
	BySource    map[Source]int `json:"by_source"`
	Appended    int64          `json:"appended"`
	Capacity    int            `json:"capacity"`
}

// Stats derives counters over the records still in the ring. Appended counts
// every record ever appended, including evicted ones.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		ByName:   make(map[string]int),
		BySource: make(map[Source]int),
		Appended: l.nextSeq.Load(),
		Capacity: len(l.ring),
	}

	var total time.Duration
	for i := 0; i < l.size; i++ {
		rec := l.ring[(l.start+i)%len(l.ring)]
		s.Total++
		if rec.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		total += rec.Duration
		s.ByName[rec.Name]++
		s.BySource[rec.Source]++
	}

	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
		s.AvgDuration = total / time.Duration(s.Total)
	}
	return s
}

// ErrorRate is the failed fraction of records timestamped within window of
// now. It is 0 when no record falls in the window.
func (l *Ledger) ErrorRate(window time.Duration) float64 {
	return l.errorRateAt(time.Now(), window)
}

func (l *Ledger) errorRateAt(now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var total, failed int
	// Walk newest to oldest and stop at the first record outside the window.
	for i := 0; i < l.size; i++ {
		rec := l.ring[(l.start+l.size-1-i)%len(l.ring)]
		if rec.Timestamp.Before(cutoff) {
			break
		}
		total++
		if !rec.Success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
