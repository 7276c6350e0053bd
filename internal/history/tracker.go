// Package history keeps a short rolling window of client-reported states per
// user and answers time-indexed queries against it for lag compensation.
package history

import (
	"time"

	"github.com/eapache/queue"
)

// DefaultRetention is the window kept behind the newest sample.
const DefaultRetention = time.Second

// Tracker stores per-user samples in arrival order. It is not safe for
// concurrent use; the coordinator loop owns it.
type Tracker struct {
	retention int64
	users     map[string]*buffer
}

type buffer struct {
	samples *queue.Queue
	newest  int64
}

// NewTracker constructs a tracker. A non-positive retention falls back to DefaultRetention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		retention: retention.Milliseconds(),
		users:     make(map[string]*buffer),
	}
}

// Record appends sample at the tail and evicts everything older than the
// retention window measured from the newest timestamp held for the user.
// Late samples are not re-sorted.
func (t *Tracker) Record(userID string, sample Sample) {
	buf, ok := t.users[userID]
	if !ok {
		buf = &buffer{samples: queue.New(), newest: sample.Timestamp}
		t.users[userID] = buf
	}
	buf.samples.Add(sample)
	if sample.Timestamp > buf.newest {
		buf.newest = sample.Timestamp
	}
	buf.prune(buf.newest - t.retention)
}

func (b *buffer) prune(cutoff int64) {
	for b.samples.Length() > 0 && b.samples.Peek().(Sample).Timestamp < cutoff {
		b.samples.Remove()
	}

	stale := false
	for i := 0; i < b.samples.Length(); i++ {
		if b.samples.Get(i).(Sample).Timestamp < cutoff {
			stale = true
			break
		}
	}
	if !stale {
		return
	}

	// An out-of-order arrival left an expired sample behind the head.
	n := b.samples.Length()
	for i := 0; i < n; i++ {
		s := b.samples.Remove().(Sample)
		if s.Timestamp >= cutoff {
			b.samples.Add(s)
		}
	}
}

// Query returns the best estimate of the user's state at target (unix ms).
// Targets outside the recorded span clamp to the nearest end; targets inside
// it are linearly interpolated between the bracketing samples.
func (t *Tracker) Query(userID string, target int64) (Sample, bool) {
	buf, ok := t.users[userID]
	if !ok || buf.samples.Length() == 0 {
		return Sample{}, false
	}
	n := buf.samples.Length()
	if n < 2 {
		return buf.samples.Peek().(Sample), true
	}

	var before, after *Sample
	for i := 0; i < n; i++ {
		s := buf.samples.Get(i).(Sample)
		if s.Timestamp <= target {
			before = &s
			continue
		}
		after = &s
		break
	}

	switch {
	case before == nil:
		return *after, true
	case after == nil:
		return *before, true
	case before.Timestamp == target:
		return *before, true
	}

	span := after.Timestamp - before.Timestamp
	ratio := 0.0
	if span > 0 {
		ratio = float64(target-before.Timestamp) / float64(span)
	}
	result := Interpolate(*before, *after, ratio)
	result.Timestamp = target
	return result, true
}

// Compensate looks up the state the user observed when it acted at eventTime
// with the given one-way latency.
func (t *Tracker) Compensate(userID string, eventTime int64, latency time.Duration) (Sample, bool) {
	return t.Query(userID, eventTime-latency.Milliseconds())
}

// Samples returns a copy of the user's history in stored order.
func (t *Tracker) Samples(userID string) []Sample {
	buf, ok := t.users[userID]
	if !ok {
		return nil
	}
	out := make([]Sample, 0, buf.samples.Length())
	for i := 0; i < buf.samples.Length(); i++ {
		out = append(out, buf.samples.Get(i).(Sample))
	}
	return out
}

// Len reports how many samples are held for the user.
func (t *Tracker) Len(userID string) int {
	buf, ok := t.users[userID]
	if !ok {
		return 0
	}
	return buf.samples.Length()
}

// Clear drops all history for the user.
func (t *Tracker) Clear(userID string) {
	delete(t.users, userID)
}

// Users reports how many users have history.
func (t *Tracker) Users() int {
	return len(t.users)
}
