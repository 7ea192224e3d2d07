package pipeline

import "context"

// Gate bounds concurrent access to the fitting resource. Width 1
// serializes model fits across parallel folds and tuning trials; wider
// gates admit that many fits at once. The zero-width gate admits
// nobody, so NewGate clamps to a minimum of one slot.
type Gate struct {
	slots chan struct{}
}

// NewGate returns a gate admitting width concurrent holders.
func NewGate(width int) *Gate {
	if width < 1 {
		width = 1
	}
	return &Gate{slots: make(chan struct{}, width)}
}

// Acquire blocks until a slot is free or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	<-g.slots
}

// Width returns the gate's capacity.
func (g *Gate) Width() int { return cap(g.slots) }
