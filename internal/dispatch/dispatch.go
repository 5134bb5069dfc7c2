// Package dispatch runs the single delivery goroutine: every tick it drains
// eligible outbound queue rows for each connected host, writes them to the
// agent's session, and periodically sweeps unacknowledged sends back into
// the retry schedule.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

// Defaults; all overridable through Options.
const (
	defaultTickInterval = 250 * time.Millisecond
	defaultBatchSize    = 10
	defaultRetryEvery   = 240
	defaultAckTimeout   = 5 * time.Minute
)

// Options tunes the loop. Zero values fall back to the defaults.
type Options struct {
	// TickInterval is the delay between dispatch passes.
	TickInterval time.Duration
	// BatchSize caps the rows dequeued per host per tick.
	BatchSize int
	// RetryEveryTicks is how many ticks pass between unacknowledged sweeps.
	RetryEveryTicks int
	// AckTimeout is how long a sent row may wait for its acknowledgment.
	AckTimeout time.Duration
}

func (o *Options) fill() {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.RetryEveryTicks <= 0 {
		o.RetryEveryTicks = defaultRetryEvery
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
}

// Loop is the outbound delivery pump.
type Loop struct {
	queue  *queue.Engine
	agents *agents.Manager
	clk    clock.Clock
	bus    *events.Bus
	log    *logging.Logger
	opts   Options
}

// New builds a dispatch loop. Call Run to start it.
func New(q *queue.Engine, mgr *agents.Manager, clk clock.Clock, bus *events.Bus, log *logging.Logger, opts Options) *Loop {
	opts.fill()
	return &Loop{
		queue:  q,
		agents: mgr,
		clk:    clk,
		bus:    bus,
		log:    log.With("component", "dispatch"),
		opts:   opts,
	}
}

// Run ticks until ctx is cancelled. One goroutine owns all sends, so
// per-host delivery order follows dequeue order.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("dispatch loop starting",
		"tick", l.opts.TickInterval, "batch", l.opts.BatchSize, "ack_timeout", l.opts.AckTimeout)
	ticks := 0
	for {
		select {
		case <-l.clk.After(l.opts.TickInterval):
			start := time.Now()
			l.Tick(ctx)
			metrics.DispatchDuration.Observe(time.Since(start).Seconds())

			ticks++
			if ticks%l.opts.RetryEveryTicks == 0 {
				if _, err := l.queue.RetryUnacknowledged(ctx, l.opts.AckTimeout); err != nil {
					l.log.Error("unacknowledged sweep failed", "error", err)
				}
			}
		case <-ctx.Done():
			l.log.Info("dispatch loop stopped")
			return nil
		}
	}
}

// Tick runs one dispatch pass over every connected host.
func (l *Loop) Tick(ctx context.Context) {
	for _, hostID := range l.agents.ConnectedHostIDs() {
		l.dispatchHost(ctx, hostID)
	}
}

func (l *Loop) dispatchHost(ctx context.Context, hostID string) {
	msgs, err := l.queue.DequeueForHost(ctx, &hostID, db.DirectionOutbound, l.opts.BatchSize, true)
	if err != nil {
		l.log.Error("dequeue failed", "host_id", hostID, "error", err)
		return
	}
	for i := range msgs {
		l.deliver(ctx, hostID, &msgs[i])
	}
}

// deliver sends one queue row as a wire envelope. A failed write goes back
// through the retry schedule; the agent may simply have disconnected
// between the index snapshot and the write.
func (l *Loop) deliver(ctx context.Context, hostID string, msg *db.QueueMessage) {
	if ok, err := l.queue.MarkProcessing(ctx, msg.MessageID); err != nil || !ok {
		if err != nil {
			l.log.Error("claiming message", "message_id", msg.MessageID, "error", err)
		}
		return
	}

	env := &protocol.Envelope{
		Type:      msg.Type,
		MessageID: msg.MessageID,
		Data:      json.RawMessage(msg.Data),
		Timestamp: l.clk.Now().UTC().Format(time.RFC3339),
	}
	if msg.CorrelationID != nil {
		env.CorrelationID = *msg.CorrelationID
	}
	if msg.ReplyTo != nil {
		env.ReplyTo = *msg.ReplyTo
	}

	if !l.agents.SendToHost(hostID, env) {
		if err := l.queue.MarkFailed(ctx, msg.MessageID, "send failed", true); err != nil {
			l.log.Error("recording send failure", "message_id", msg.MessageID, "error", err)
		}
		l.bus.Publish(events.Event{
			Type: events.EventCommandFailed, HostID: hostID,
			Message: "message delivery failed, rescheduled",
		})
		return
	}

	if _, err := l.queue.MarkSent(ctx, msg.MessageID); err != nil {
		l.log.Error("marking message sent", "message_id", msg.MessageID, "error", err)
		return
	}
	l.bus.Publish(events.Event{
		Type: events.EventCommandSent, HostID: hostID, Message: msg.Type,
	})
	l.log.Debug("message delivered",
		"message_id", msg.MessageID, "host_id", hostID, "type", msg.Type, "priority", msg.Priority)
}
