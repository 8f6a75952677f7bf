// Package detect defines the detector capability the capture loop consults
// once per frame, plus adapters for remote and scripted detectors.
package detect

import (
	"context"
	"math"
	"sync"
	"time"

	"evidenced/internal/framebuf"
)

// Known event kinds.
const (
	KindMobFormation   = "mob_formation"
	KindMelee          = "melee"
	KindSuspiciousPose = "suspicious_body_language"
)

// Trigger is a detector's claim that a frame shows a security event.
type Trigger struct {
	Kind       string    `json:"event_kind"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
}

// Detector classifies a frame. It returns nil when the frame shows no event.
type Detector interface {
	Classify(ctx context.Context, f framebuf.Frame) (*Trigger, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, f framebuf.Frame) (*Trigger, error)

// Classify calls fn.
func (fn Func) Classify(ctx context.Context, f framebuf.Frame) (*Trigger, error) {
	return fn(ctx, f)
}

// Normalize clamps confidence into [0,1], stamps DetectedAt when missing
// and turns a trigger without a kind into no trigger.
func Normalize(t *Trigger, now time.Time) *Trigger {
	if t == nil || t.Kind == "" {
		return nil
	}
	out := *t
	switch {
	case out.Confidence < 0 || math.IsNaN(out.Confidence):
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}
	if out.DetectedAt.IsZero() {
		out.DetectedAt = now
	}
	return &out
}

// Script is a detector that replays a fixed trigger per frame sequence
// number. Frames without an entry classify as no event.
type Script struct {
	mu       sync.Mutex
	triggers map[uint64]Trigger
}

// NewScript creates a scripted detector.
func NewScript(triggers map[uint64]Trigger) *Script {
	m := make(map[uint64]Trigger, len(triggers))
	for k, v := range triggers {
		m[k] = v
	}
	return &Script{triggers: m}
}

// Classify returns the scripted trigger for f.Seq.
func (s *Script) Classify(_ context.Context, f framebuf.Frame) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[f.Seq]
	if !ok {
		return nil, nil
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = f.Timestamp
	}
	return &t, nil
}
