package dispatch

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/metrics"
	"github.com/sammy995/Local-LLM-Arena/internal/stats"
	"github.com/sammy995/Local-LLM-Arena/internal/telemetry"
)

// Stream merges the events of every instance worker of one request into a
// single sequence. It ends once each instance has delivered its terminal
// event. A Stream has exactly one consumer and cannot be restarted.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan domain.StreamEvent
	pending map[string]struct{}
}

// Stream starts one worker per instance and returns the merged sequence
// immediately. Workers block on emission while the merge buffer is full.
func (c *Coordinator) Stream(ctx context.Context, req domain.DispatchRequest) (*Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan domain.StreamEvent, c.cfg.BufferSize),
		pending: make(map[string]struct{}, len(req.Instances)),
	}
	for _, inst := range req.Instances {
		s.pending[inst.ID] = struct{}{}
	}

	metrics.ActiveStreams.Inc()
	go func() {
		defer metrics.ActiveStreams.Dec()

		var g errgroup.Group
		g.SetLimit(c.cfg.MaxConcurrency)
		for _, inst := range req.Instances {
			g.Go(func() error {
				c.streamInstance(ctx, s, inst, req.Conversation)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return s, nil
}

// Next returns the next merged event. It reports false once every instance
// is terminal, or when ctx or the stream is cancelled. Next must not be
// called concurrently.
func (s *Stream) Next(ctx context.Context) (domain.StreamEvent, bool) {
	for len(s.pending) > 0 {
		if s.ctx.Err() != nil {
			return domain.StreamEvent{}, false
		}
		select {
		case ev := <-s.events:
			if _, ok := s.pending[ev.InstanceID]; !ok {
				continue
			}
			if ev.Terminal() {
				delete(s.pending, ev.InstanceID)
				if len(s.pending) == 0 {
					s.cancel()
				}
			}
			return ev, true
		case <-ctx.Done():
			return domain.StreamEvent{}, false
		case <-s.ctx.Done():
			return domain.StreamEvent{}, false
		}
	}
	return domain.StreamEvent{}, false
}

// Events adapts the stream to a range-over-func sequence. Breaking out of
// the loop closes the stream.
func (s *Stream) Events(ctx context.Context) iter.Seq[domain.StreamEvent] {
	return func(yield func(domain.StreamEvent) bool) {
		for {
			ev, ok := s.Next(ctx)
			if !ok {
				return
			}
			if !yield(ev) {
				s.Close()
				return
			}
		}
	}
}

// Pending returns how many instances have not yet delivered a terminal event.
func (s *Stream) Pending() int {
	return len(s.pending)
}

// Close stops all workers. Events not yet consumed are discarded.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) emit(ev domain.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// streamInstance emits zero or more tokens followed by exactly one terminal event.
func (c *Coordinator) streamInstance(ctx context.Context, s *Stream, inst domain.ModelInstance, conv domain.Conversation) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.stream_instance")
	defer span.End()
	telemetry.AddInstanceAttributes(span, inst.ID, providerLabel(inst), inst.Model)

	metrics.InstancesInFlight.Inc()
	defer metrics.InstancesInFlight.Dec()

	collector := stats.NewCollector()
	var failure error

	defer func() {
		if r := recover(); r != nil {
			failure = recovered(inst, r)
		}
		m := collector.Finish()
		c.settle(span, inst, m, failure)

		if failure != nil {
			s.emit(domain.ErrorEvent(inst, failure))
			return
		}
		metrics.RecordFirstToken(providerLabel(inst), inst.Model, m.FirstTokenSeconds)
		s.emit(domain.MetricsEvent(inst, m))
	}()

	fragments, errs := c.backend.ChatStream(ctx, inst, conv.Clone())

	if fragments != nil {
		for frag := range fragments {
			collector.ReportTokens(frag.EvalCount)
			if frag.Content == "" {
				continue
			}
			collector.Observe(frag.Content)
			if !s.emit(domain.TokenEvent(inst, frag.Content)) {
				failure = domain.AsBackendError(providerLabel(inst), inst.Model, ctx.Err())
				return
			}
		}
	}

	if errs != nil {
		if err := <-errs; err != nil {
			failure = domain.AsBackendError(providerLabel(inst), inst.Model, err)
			return
		}
	}

	if err := ctx.Err(); err != nil {
		failure = domain.AsBackendError(providerLabel(inst), inst.Model, err)
	}
}
