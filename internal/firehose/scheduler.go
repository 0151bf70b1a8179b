package firehose

import (
	"context"

	"github.com/bluesky-social/indigo/events"
	"github.com/rs/zerolog/log"

	"tangled.org/appview/indexer/internal/dispatch"
)

// queueScheduler satisfies indigo's events.Scheduler by forwarding each
// stream event to the dispatch queue instead of a per-repo worker pool:
// the specification's dispatch model has no per-DID worker affinity, so
// this replaces indigo's parallel scheduler rather than wrapping it.
type queueScheduler struct {
	queue *dispatch.Queue
	do    func(ctx context.Context, evt *events.XRPCStreamEvent) error
}

func newQueueScheduler(queue *dispatch.Queue, do func(ctx context.Context, evt *events.XRPCStreamEvent) error) *queueScheduler {
	return &queueScheduler{queue: queue, do: do}
}

func (s *queueScheduler) AddWork(ctx context.Context, repo string, val *events.XRPCStreamEvent) error {
	s.queue.Submit(ctx, func(ctx context.Context) {
		if err := s.do(ctx, val); err != nil {
			log.Error().Err(err).Str("repo", repo).Msg("firehose: event handler failed")
		}
	})
	return nil
}

func (s *queueScheduler) Shutdown() {
	s.queue.Disconnect()
}
