package governor

import (
	"context"
	"time"

	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/compute"
	"github.com/skobkin/resgov/internal/events"
	"github.com/skobkin/resgov/internal/lifecycle"
	"github.com/skobkin/resgov/internal/memgov"
	"github.com/skobkin/resgov/internal/orchestrator"
	"github.com/skobkin/resgov/internal/presentation"
)

// Snapshot is a read-only view over every published component state.
type Snapshot struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Baseline     capability.ResourceProfile `json:"baseline"`
	Profile      capability.ResourceProfile `json:"profile"`
	Signals      capability.Signals         `json:"signals"`
	Memory       memgov.Status              `json:"memory"`
	Lifecycle    lifecycle.Status           `json:"lifecycle"`
	Presentation presentation.Status        `json:"presentation"`
	Orchestrator orchestrator.Status        `json:"orchestrator"`
	Lanes        []compute.LaneStats        `json:"lanes"`
	Buffers      compute.PoolStats          `json:"buffers"`
}

// Snapshot assembles the latest value of every topic.
func (g *Governor) Snapshot() Snapshot {
	s := Snapshot{
		Timestamp: time.Now().UTC(),
		Baseline:  g.Classifier.Baseline(),
		Lanes:     g.Pool.Stats(),
		Buffers:   g.Buffers.Stats(),
	}
	s.Profile, _ = g.Classifier.Profiles().Latest()
	s.Signals, _ = g.Classifier.Signals().Latest()
	s.Memory = g.Memory.Status()
	s.Lifecycle, _ = g.Lifecycle.Status().Latest()
	s.Presentation, _ = g.Presentation.Status().Latest()
	s.Orchestrator, _ = g.Orchestrator.Status().Latest()
	return s
}

// publishSnapshots republishes the combined snapshot whenever a component
// topic changes. Bursts collapse into one snapshot.
func (g *Governor) publishSnapshots(ctx context.Context) error {
	notify := make(chan struct{}, 1)
	poke := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	cancels := []func(){
		watch(g.Classifier.Signals(), poke),
		watch(g.Classifier.Profiles(), poke),
		watch(g.Memory.Levels(), poke),
		watch(g.Lifecycle.Status(), poke),
		watch(g.Presentation.Status(), poke),
		watch(g.Orchestrator.Status(), poke),
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
			g.state.Publish(g.Snapshot())
		}
	}
}

// watch calls poke for every value published on t until the returned
// cancel func runs.
func watch[T any](t *events.Topic[T], poke func()) func() {
	ch, cancel := t.Subscribe()
	go func() {
		for range ch {
			poke()
		}
	}()
	return cancel
}
