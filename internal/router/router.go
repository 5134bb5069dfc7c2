// Package router parses inbound agent envelopes, records them in the
// durable queue for audit, and dispatches them to typed handlers. Handlers
// run sequentially on each session's reader goroutine; per-host ordering
// follows the socket.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
	"github.com/sysmanage/sysmanage-server/internal/orchestrator"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

// defaultHandlerTimeout bounds one handler invocation when no explicit
// timeout is configured.
const defaultHandlerTimeout = 30 * time.Second

// ErrHostNotBound is returned by handlers that need a registered host on a
// session that never completed registration.
var ErrHostNotBound = errors.New("session has no bound host")

// Router dispatches inbound envelopes. One instance serves all sessions.
type Router struct {
	db     *db.DB
	queue  *queue.Engine
	agents *agents.Manager
	orch   *orchestrator.Orchestrator
	clk    clock.Clock
	bus    *events.Bus
	log    *logging.Logger

	handlerTimeout time.Duration
}

// New builds a router. A zero handlerTimeout falls back to the default.
func New(database *db.DB, q *queue.Engine, mgr *agents.Manager, orch *orchestrator.Orchestrator,
	clk clock.Clock, bus *events.Bus, log *logging.Logger, handlerTimeout time.Duration) *Router {
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	return &Router{
		db:             database,
		queue:          q,
		agents:         mgr,
		orch:           orch,
		clk:            clk,
		bus:            bus,
		log:            log.With("component", "router"),
		handlerTimeout: handlerTimeout,
	}
}

// HandleMessage processes one raw inbound frame: parse, audit, dispatch,
// reply. It never returns an error for handler failures; those are recorded
// on the queue row and answered with an error envelope so the session stays
// up. Only transport-level reply failures propagate.
func (r *Router) HandleMessage(ctx context.Context, sess *agents.Session, raw []byte) error {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		r.log.Warn("malformed envelope", "agent_id", sess.AgentID, "error", err)
		return sess.Send(protocol.ErrorReply("", "malformed envelope"))
	}

	// Replayed message_ids are answered from the audit trail without
	// re-running the handler.
	if env.MessageID != "" {
		if prev, err := r.queue.GetMessage(ctx, env.MessageID); err == nil && prev.Terminal() {
			r.log.Debug("duplicate inbound message",
				"message_id", env.MessageID, "type", env.Type, "status", prev.Status)
			return sess.Send(protocol.Ack(env.MessageID))
		}
	}

	var hostID *string
	if id := sess.HostID(); id != "" {
		hostID = &id
	}
	audit := queue.EnqueueParams{
		Type:          env.Type,
		Data:          env.Data,
		Direction:     db.DirectionInbound,
		HostID:        hostID,
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
	}
	msgID, err := r.queue.Enqueue(ctx, audit)
	if errors.Is(err, db.ErrHostNotFound) {
		// Stale binding: the host row vanished under the session. Keep the
		// audit row unattributed and let the handler rebind.
		audit.HostID = nil
		msgID, err = r.queue.Enqueue(ctx, audit)
	}
	if err != nil {
		r.log.Error("recording inbound message",
			"agent_id", sess.AgentID, "type", env.Type, "error", err)
		return sess.Send(protocol.ErrorReply(env.MessageID, "message could not be recorded"))
	}
	if _, err := r.queue.MarkProcessing(ctx, msgID); err != nil {
		r.log.Error("marking inbound message processing", "message_id", msgID, "error", err)
	}

	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	start := time.Now()
	reply, err := r.dispatch(hctx, sess, env)
	metrics.HandlerDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.HandlerErrors.WithLabelValues(env.Type).Inc()
		r.log.Error("handler failed",
			"type", env.Type, "message_id", msgID, "agent_id", sess.AgentID, "error", err)
		if ferr := r.queue.MarkFailed(ctx, msgID, err.Error(), false); ferr != nil {
			r.log.Error("marking inbound message failed", "message_id", msgID, "error", ferr)
		}
		return sess.Send(protocol.ErrorReply(env.MessageID, err.Error()))
	}

	if err := r.queue.MarkCompleted(ctx, msgID); err != nil {
		r.log.Error("completing inbound message", "message_id", msgID, "error", err)
	}
	if reply == nil {
		reply = protocol.Ack(env.MessageID)
	}
	return sess.Send(reply)
}

// dispatch routes one envelope to its handler. A nil reply means the caller
// sends the default ack.
func (r *Router) dispatch(ctx context.Context, sess *agents.Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	switch env.Type {
	case protocol.TypeSystemInfo:
		return r.handleSystemInfo(ctx, sess, env)
	case protocol.TypeHeartbeat:
		return r.handleHeartbeat(ctx, sess, env)
	case protocol.TypeCommandResult:
		return nil, r.handleCommandResult(ctx, sess, env)
	case protocol.TypeUpdateApplyResult:
		return nil, r.handleUpdateApplyResult(ctx, sess, env)
	case protocol.TypeHardwareUpdate:
		return nil, r.handleHardwareUpdate(ctx, sess, env)
	case protocol.TypeUserAccessUpdate:
		return nil, r.handleUserAccessUpdate(ctx, sess, env)
	case protocol.TypeSoftwareUpdate:
		return nil, r.handleSoftwareUpdate(ctx, sess, env)
	case protocol.TypePackageUpdates:
		return nil, r.handlePackageUpdates(ctx, sess, env)
	case protocol.TypeUbuntuProUpdate:
		return nil, r.handleUbuntuProUpdate(ctx, sess, env)
	case protocol.TypeVirtualizationSupport:
		return nil, r.handleVirtualizationSupport(ctx, sess, env)
	case protocol.TypeWSLEnableResult, protocol.TypeLXDInitializeResult, protocol.TypeVMMInitializeResult:
		return nil, r.handleFeatureInitResult(ctx, sess, env)
	case protocol.TypeChildHostStarted, protocol.TypeChildHostStopped, protocol.TypeChildHostError:
		return nil, r.handleChildStatus(ctx, sess, env)
	case protocol.TypePackageInstallStatus:
		return nil, r.handlePackageInstallStatus(ctx, sess, env)
	case protocol.TypeDiagnosticResult:
		return nil, r.handleDiagnosticResult(ctx, sess, env)
	case protocol.TypeConfigAck:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// boundHost resolves the session's bound host row. Handlers that consume
// agent reports require a completed registration.
func (r *Router) boundHost(ctx context.Context, sess *agents.Session) (*db.Host, error) {
	hostID := sess.HostID()
	if hostID == "" {
		return nil, ErrHostNotBound
	}
	return r.db.GetHost(ctx, hostID)
}

func (r *Router) refreshHostGauge(ctx context.Context) {
	counts, err := r.db.CountHostsByApproval(ctx)
	if err != nil {
		return
	}
	for _, status := range []string{db.ApprovalPending, db.ApprovalApproved, db.ApprovalRejected, db.ApprovalRevoked} {
		metrics.HostsTotal.WithLabelValues(status).Set(float64(counts[status]))
	}
}
