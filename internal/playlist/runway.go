package playlist

import "time"

// Runway decides when a looping standby playlist needs more entries. The
// concat reader terminates the encoder when it runs out of entries, so the
// list must always stay ahead of the playback position.
type Runway struct {
	// EntryDuration is the playback length of one loop entry.
	EntryDuration time.Duration
	// Threshold is the remaining-entry count at or below which to top up.
	Threshold int
	// Count is how many entries one top-up appends.
	Count int
}

// Remaining estimates how many entries have not finished playing, given
// total entries written and the playback time since the list was last
// replaced. The entry currently playing counts as remaining.
func (r Runway) Remaining(total int, played time.Duration) int {
	if r.EntryDuration <= 0 {
		return total
	}
	if played < 0 {
		played = 0
	}
	left := total - int(played/r.EntryDuration)
	if left < 0 {
		return 0
	}
	return left
}

// TopUp returns how many entries to append now; zero when the runway is long enough.
func (r Runway) TopUp(total int, played time.Duration) int {
	if r.Remaining(total, played) <= r.Threshold {
		return r.Count
	}
	return 0
}
