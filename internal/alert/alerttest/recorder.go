// Package alerttest records alerts in memory for assertions.
package alerttest

import (
	"context"
	"sync"

	"tokenfund/internal/alert"
)

type Recorder struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *Recorder) Publish(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

// Alerts returns a copy of everything published so far.
func (r *Recorder) Alerts() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

// Count returns the number of alerts of kind.
func (r *Recorder) Count(kind alert.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
