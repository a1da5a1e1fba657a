package amq

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dart-go/dartq/internal/fabric"
	"github.com/dart-go/dartq/internal/registry"
	"github.com/dart-go/dartq/internal/team"
)

// Queue is one collectively-opened active message queue: a team, a fixed
// ring capacity, and the drain guard that serializes calls to Process on
// this queue (spec.md §3, §4.F). A Queue is safe for concurrent TrySend
// calls from many goroutines; Process calls on the same Queue are mutually
// exclusive by design (testable property 5), not merely by convention.
type Queue struct {
	rt            *Runtime
	team          *team.Team
	id            string
	capacityBytes uint64
	fabric        fabric.Fabric
	registry      *registry.Registry
	log           *zap.SugaredLogger

	drainMu sync.Mutex
}

// QueueOption configures a Queue at Open time.
type QueueOption func(*Queue)

// WithQueueLogger overrides the logger a queue inherits from its Runtime.
func WithQueueLogger(log *zap.SugaredLogger) QueueOption {
	return func(q *Queue) {
		q.log = log
	}
}

// Team returns the team this queue was opened on.
func (q *Queue) Team() *team.Team {
	return q.team
}

// CapacityBytes returns the fixed ring size chosen at Open.
func (q *Queue) CapacityBytes() uint64 {
	return q.capacityBytes
}

// Close collectively frees the queue's windows and local scratch buffer
// (spec.md §4.F). It gives no guarantee that messages still in flight at
// the time of the call are delivered; callers that need that should Sync
// or Process before calling Close.
func (q *Queue) Close(ctx context.Context) error {
	if err := q.fabric.CloseQueue(ctx, q.team, q.id); err != nil {
		return fmt.Errorf("amq: close %q: %w", q.id, err)
	}
	q.log.Infow("amq: queue closed", "queue", q.id, "team", q.team.Name())
	return nil
}
