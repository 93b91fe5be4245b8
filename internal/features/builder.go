/*
Package features turns a learner snapshot and an answer event into the
fixed-length context vector consumed by the contextual policies.

A vector is tied to the answer that produced it through OwnerEventID and to
its layout through Version. The pair is unique: a session holds many events,
so vectors are never keyed by session.
*/
package features

import (
	"fmt"
	"math"
	"time"

	"github.com/khanglvm/amas-engine/internal/amas"
)

// Dim is the length of every feature vector produced by this package.
const Dim = 10

// SchemaVersion identifies the current vector layout.
const SchemaVersion = 1

// Index of each named feature in Values.
const (
	IdxResponseTime = iota
	IdxDwell
	IdxCorrect
	IdxRetry
	IdxAttention
	IdxFatigue
	IdxMotivation
	IdxMemory
	IdxHour
	IdxTimePref
)

// Labels names each dimension, in order.
var Labels = []string{
	"rt_norm", "dwell_norm", "correct", "retry_norm", "attention",
	"fatigue", "motivation", "memory", "hour_norm", "time_pref",
}

// FeatureVector is the context snapshot of one answer event.
type FeatureVector struct {
	OwnerEventID string    `json:"ownerEventId"`
	Version      int       `json:"version"`
	Values       []float64 `json:"values"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the layout against the current schema.
func (fv FeatureVector) Validate() error {
	if fv.OwnerEventID == "" {
		return fmt.Errorf("feature vector has no owner event id")
	}
	if len(fv.Values) != Dim {
		return fmt.Errorf("feature vector %s has %d values, want %d", fv.OwnerEventID, len(fv.Values), Dim)
	}
	return nil
}

// Builder holds the normalization constants.
type Builder struct {
	// MaxResponseTime is the response time (ms) that maps to 1.0.
	MaxResponseTime int64
	// MaxDwellTime is the dwell time (ms) that maps to 1.0.
	MaxDwellTime int64
	// MaxRetries is the retry count that maps to 1.0.
	MaxRetries int
	// Location is used to derive the hour of day; UTC when nil.
	Location *time.Location
}

// NewBuilder returns a builder with the default normalization constants.
func NewBuilder() *Builder {
	return &Builder{MaxResponseTime: 10000, MaxDwellTime: 10000, MaxRetries: 5}
}

// Build computes the vector for one event. It never fails: malformed inputs
// are clamped and unknown values take neutral defaults. The hour is taken
// from the event timestamp, or from now when the event carries none.
func (b *Builder) Build(ownerEventID string, ev amas.RawEvent, st amas.UserState, now time.Time) FeatureVector {
	st = st.Sanitized()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	hour := HourOf(ts, b.Location)

	dwell := 0.5
	if ev.DwellTime > 0 {
		dwell = ratio(float64(ev.DwellTime), float64(b.MaxDwellTime))
	}
	correct := 0.0
	if ev.IsCorrect {
		correct = 1.0
	}

	values := make([]float64, Dim)
	values[IdxResponseTime] = ratio(float64(ev.ResponseTime), float64(b.MaxResponseTime))
	values[IdxDwell] = dwell
	values[IdxCorrect] = correct
	values[IdxRetry] = ratio(float64(ev.RetryCount), float64(b.MaxRetries))
	values[IdxAttention] = st.Attention
	values[IdxFatigue] = st.Fatigue
	values[IdxMotivation] = st.Motivation
	values[IdxMemory] = st.Cognitive.Memory
	values[IdxHour] = float64(hour) / 24.0
	values[IdxTimePref] = st.Habit.PrefAt(hour)

	return FeatureVector{
		OwnerEventID: ownerEventID,
		Version:      SchemaVersion,
		Values:       values,
		CreatedAt:    now.UTC(),
	}
}

// HourOf returns the hour of day of t in loc (UTC when loc is nil).
func HourOf(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}

func ratio(v, max float64) float64 {
	if max <= 0 || math.IsNaN(v) || v <= 0 {
		return 0
	}
	return math.Min(1, v/max)
}
