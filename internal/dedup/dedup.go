// Package dedup collapses concurrent work for the same key into a single
// execution. Ticker bursts can trigger many evaluations per second for one
// symbol; the gate bounds CPU and database load independent of feed
// burstiness by letting concurrent callers await the in-flight result.
package dedup

import "golang.org/x/sync/singleflight"

// Gate serializes work per key. The zero value is not usable; construct
// with NewGate so each engine instance owns its own registry.
type Gate struct {
	group singleflight.Group
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{}
}

// RunExclusive executes fn if no work is in flight for key; otherwise the
// caller blocks until the in-flight execution finishes and receives its
// result. The registration is cleared on completion, success or failure.
func (g *Gate) RunExclusive(key string, fn func() error) error {
	_, err, _ := g.group.Do(key, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
