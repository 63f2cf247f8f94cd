package telemetry

import "sync"

// LastKnown wraps a Source so that values missing from a sample are
// replaced with the most recent value that was available.
type LastKnown struct {
	src Source

	mu   sync.Mutex
	prev Sample
}

// NewLastKnown wraps src.
func NewLastKnown(src Source) *LastKnown {
	return &LastKnown{src: src}
}

// Sample implements Source.
func (l *LastKnown) Sample() Sample {
	next := l.src.Sample()

	l.mu.Lock()
	defer l.mu.Unlock()
	merged := next.MergeMissing(l.prev)
	l.prev = merged
	return merged
}
