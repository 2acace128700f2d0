package audit

import "time"

// SetClock pins the time a Recorder stamps on entries.
func SetClock(r *Recorder, now func() time.Time) { r.now = now }
