// Package orchestrator drives the multi-phase reboot of a parent host that
// owns running child workloads: drain the children, reboot the parent, and
// restart the children once the agent reconnects. Every transition is
// triggered by an external event and runs as one short transaction.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

// Child restart outcomes tracked in child_hosts_restart_status.
const (
	RestartPending = "pending"
	RestartRunning = "running"
	RestartFailed  = "failed"
)

var (
	// ErrNoRunningChildren means a plain reboot command suffices.
	ErrNoRunningChildren = errors.New("no running children to drain")
	// ErrAlreadyActive means the parent already has an in-flight orchestration.
	ErrAlreadyActive = errors.New("orchestration already active for host")
)

// SnapshotChild is one child captured at initiation. The snapshot is
// frozen: children started later are ignored by drain and restart logic.
type SnapshotChild struct {
	ID        string `json:"id"`
	ChildName string `json:"child_name"`
	ChildType string `json:"child_type,omitempty"`
}

// ChildRestartStatus tracks one snapshot child through the restart phase.
type ChildRestartStatus struct {
	ChildName     string `json:"child_name"`
	RestartStatus string `json:"restart_status"`
	Error         string `json:"error,omitempty"`
}

// Orchestrator advances reboot orchestrations in response to child status
// events and agent reconnects.
type Orchestrator struct {
	db    *db.DB
	queue *queue.Engine
	clk   clock.Clock
	bus   *events.Bus
	log   *logging.Logger
}

// New builds an orchestrator over the store and queue engine.
func New(database *db.DB, q *queue.Engine, clk clock.Clock, bus *events.Bus, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		db: database, queue: q, clk: clk, bus: bus,
		log: log.With("component", "orchestrator"),
	}
}

// Initiate starts an orchestration for a parent host: snapshot the running
// children, create the shutting_down row, and enqueue one stop command per
// child. Fails when the parent already has a non-terminal orchestration or
// has nothing to drain.
func (o *Orchestrator) Initiate(ctx context.Context, parentID string, shutdownTimeout time.Duration) (*db.RebootOrchestration, error) {
	if _, err := o.db.GetHost(ctx, parentID); err != nil {
		return nil, err
	}
	active, err := db.GetActiveOrchestration(ctx, o.db, parentID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, active.ID)
	}

	running, err := o.db.GetRunningChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, ErrNoRunningChildren
	}

	snapshot := make([]SnapshotChild, len(running))
	for i, c := range running {
		snapshot[i] = SnapshotChild{ID: c.ID, ChildName: c.ChildName}
		if c.ChildType != nil {
			snapshot[i].ChildType = *c.ChildType
		}
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("serializing child snapshot: %w", err)
	}

	orch := &db.RebootOrchestration{
		ID:                     uuid.NewString(),
		ParentHostID:           parentID,
		Status:                 db.OrchShuttingDown,
		ChildHostsSnapshot:     string(snapshotJSON),
		InitiatedAt:            o.clk.Now().UTC(),
		ShutdownTimeoutSeconds: int(shutdownTimeout.Seconds()),
	}
	if err := db.InsertOrchestration(ctx, o.db, orch); err != nil {
		return nil, err
	}

	for _, child := range snapshot {
		if err := o.enqueueChildCommand(ctx, parentID, protocol.CmdStopChildHost, child, orch.ID); err != nil {
			return nil, err
		}
	}

	o.updateActiveGauge(ctx)
	o.publish(orch, "reboot orchestration started")
	o.log.Info("orchestration initiated",
		"orchestration_id", orch.ID, "parent_host_id", parentID, "children", len(snapshot))
	return orch, nil
}

// CheckShutdownProgress advances a shutting_down orchestration after a
// child status event. When every snapshot child has stopped, or the
// shutdown timeout has elapsed with children still running, the reboot
// command is issued and the orchestration moves to rebooting.
func (o *Orchestrator) CheckShutdownProgress(ctx context.Context, parentID string) error {
	orch, err := db.GetActiveOrchestration(ctx, o.db, parentID)
	if err != nil {
		return err
	}
	if orch == nil || orch.Status != db.OrchShuttingDown {
		return nil
	}

	snapshot, err := decodeSnapshot(orch.ChildHostsSnapshot)
	if err != nil {
		return err
	}

	stillRunning, err := o.runningSnapshotChildren(ctx, parentID, snapshot)
	if err != nil {
		return err
	}

	now := o.clk.Now().UTC()
	elapsed := now.Sub(orch.InitiatedAt)
	timeout := time.Duration(orch.ShutdownTimeoutSeconds) * time.Second

	if len(stillRunning) > 0 && elapsed < timeout {
		o.log.Debug("shutdown in progress",
			"orchestration_id", orch.ID, "still_running", len(stillRunning))
		return nil
	}
	if len(stillRunning) > 0 {
		o.log.Warn("shutdown timeout elapsed, rebooting with running children",
			"orchestration_id", orch.ID, "still_running", strings.Join(stillRunning, ","))
	}

	// Conditional update: a concurrent progress check loses the race and
	// does not double-issue the reboot.
	advanced, err := db.MarkOrchestrationRebooting(ctx, o.db, orch.ID, now)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	if _, err := o.queue.Enqueue(ctx, queue.EnqueueParams{
		Type: protocol.TypeCommand,
		Data: protocol.CommandData{
			CommandType: protocol.CmdRebootSystem,
		},
		Direction:     db.DirectionOutbound,
		HostID:        &parentID,
		Priority:      db.PriorityUrgent,
		CorrelationID: orch.ID,
	}); err != nil {
		return fmt.Errorf("enqueueing reboot command: %w", err)
	}

	orch.Status = db.OrchRebooting
	o.publish(orch, "reboot command issued")
	o.log.Info("orchestration rebooting", "orchestration_id", orch.ID, "parent_host_id", parentID)
	return nil
}

// HandleAgentReconnect advances a rebooting orchestration when the parent
// host heartbeats again: the restart status list is seeded and one start
// command per snapshot child is enqueued.
func (o *Orchestrator) HandleAgentReconnect(ctx context.Context, hostID string) error {
	orch, err := db.GetActiveOrchestration(ctx, o.db, hostID)
	if err != nil {
		return err
	}
	if orch == nil || orch.Status != db.OrchRebooting {
		return nil
	}

	snapshot, err := decodeSnapshot(orch.ChildHostsSnapshot)
	if err != nil {
		return err
	}
	restart := make([]ChildRestartStatus, len(snapshot))
	for i, child := range snapshot {
		restart[i] = ChildRestartStatus{ChildName: child.ChildName, RestartStatus: RestartPending}
	}
	restartJSON, err := json.Marshal(restart)
	if err != nil {
		return fmt.Errorf("serializing restart status: %w", err)
	}

	advanced, err := db.MarkOrchestrationRestarting(ctx, o.db, orch.ID, string(restartJSON), o.clk.Now().UTC())
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	for _, child := range snapshot {
		if err := o.enqueueChildCommand(ctx, hostID, protocol.CmdStartChildHost, child, orch.ID); err != nil {
			return err
		}
	}

	orch.Status = db.OrchRestarting
	o.publish(orch, "agent reconnected, restarting children")
	o.log.Info("orchestration restarting",
		"orchestration_id", orch.ID, "parent_host_id", hostID, "children", len(snapshot))
	return nil
}

// CheckRestartProgress advances a restarting orchestration after a child
// status event. Each snapshot child's restart status follows its reported
// state; when every entry has resolved to running or failed the
// orchestration completes, with partial failures recorded in error_message
// but still terminal completed.
func (o *Orchestrator) CheckRestartProgress(ctx context.Context, parentID string) error {
	orch, err := db.GetActiveOrchestration(ctx, o.db, parentID)
	if err != nil {
		return err
	}
	if orch == nil || orch.Status != db.OrchRestarting {
		return nil
	}

	snapshot, err := decodeSnapshot(orch.ChildHostsSnapshot)
	if err != nil {
		return err
	}

	children, err := o.db.GetChildrenByParent(ctx, parentID)
	if err != nil {
		return err
	}
	byName := make(map[string]*db.HostChild, len(children))
	for i := range children {
		byName[children[i].ChildName] = &children[i]
	}

	restart := make([]ChildRestartStatus, len(snapshot))
	resolved := 0
	var failed []string
	for i, snap := range snapshot {
		status := ChildRestartStatus{ChildName: snap.ChildName, RestartStatus: RestartPending}
		if child, ok := byName[snap.ChildName]; ok {
			switch child.Status {
			case db.ChildRunning:
				status.RestartStatus = RestartRunning
				resolved++
			case db.ChildError:
				status.RestartStatus = RestartFailed
				if child.ErrorMessage != nil {
					status.Error = *child.ErrorMessage
				}
				failed = append(failed, snap.ChildName)
				resolved++
			}
		}
		restart[i] = status
	}

	restartJSON, err := json.Marshal(restart)
	if err != nil {
		return fmt.Errorf("serializing restart status: %w", err)
	}

	if resolved < len(snapshot) {
		_, err := db.UpdateOrchestrationRestartStatus(ctx, o.db, orch.ID, string(restartJSON))
		return err
	}

	var errMsg *string
	if len(failed) > 0 {
		msg := fmt.Sprintf("children failed to restart: %s", strings.Join(failed, ", "))
		errMsg = &msg
	}
	if _, err := db.UpdateOrchestrationRestartStatus(ctx, o.db, orch.ID, string(restartJSON)); err != nil {
		return err
	}
	completed, err := db.CompleteOrchestration(ctx, o.db, orch.ID, errMsg, o.clk.Now().UTC())
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}

	o.updateActiveGauge(ctx)
	orch.Status = db.OrchCompleted
	if errMsg != nil {
		o.publish(orch, *errMsg)
		o.log.Warn("orchestration completed with failures",
			"orchestration_id", orch.ID, "failed", strings.Join(failed, ","))
	} else {
		o.publish(orch, "all children restarted")
		o.log.Info("orchestration completed", "orchestration_id", orch.ID)
	}
	return nil
}

// Abort force-fails a non-terminal orchestration by operator action.
func (o *Orchestrator) Abort(ctx context.Context, orchestrationID, reason string) error {
	if err := o.db.FailOrchestration(ctx, orchestrationID, reason); err != nil {
		return err
	}
	o.updateActiveGauge(ctx)
	o.bus.Publish(events.Event{
		Type:    events.EventOrchestrationUpdate,
		Message: fmt.Sprintf("orchestration %s aborted: %s", orchestrationID, reason),
	})
	o.log.Warn("orchestration aborted", "orchestration_id", orchestrationID, "reason", reason)
	return nil
}

// Get returns one orchestration row.
func (o *Orchestrator) Get(ctx context.Context, id string) (*db.RebootOrchestration, error) {
	return o.db.GetOrchestration(ctx, id)
}

func (o *Orchestrator) enqueueChildCommand(ctx context.Context, hostID, commandType string, child SnapshotChild, orchID string) error {
	params, err := json.Marshal(map[string]string{
		"child_name": child.ChildName,
		"child_type": child.ChildType,
	})
	if err != nil {
		return err
	}
	_, err = o.queue.Enqueue(ctx, queue.EnqueueParams{
		Type: protocol.TypeCommand,
		Data: protocol.CommandData{
			CommandType: commandType,
			Parameters:  params,
		},
		Direction:     db.DirectionOutbound,
		HostID:        &hostID,
		Priority:      db.PriorityHigh,
		CorrelationID: orchID,
	})
	if err != nil {
		return fmt.Errorf("enqueueing %s for child %s: %w", commandType, child.ChildName, err)
	}
	return nil
}

// runningSnapshotChildren returns the names of snapshot children still
// reported running or starting.
func (o *Orchestrator) runningSnapshotChildren(ctx context.Context, parentID string, snapshot []SnapshotChild) ([]string, error) {
	children, err := o.db.GetChildrenByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(children))
	for _, c := range children {
		byName[c.ChildName] = c.Status
	}
	var running []string
	for _, snap := range snapshot {
		switch byName[snap.ChildName] {
		case db.ChildRunning, db.ChildStarting:
			running = append(running, snap.ChildName)
		}
	}
	return running, nil
}

func (o *Orchestrator) publish(orch *db.RebootOrchestration, msg string) {
	o.bus.Publish(events.Event{
		Type:    events.EventOrchestrationUpdate,
		HostID:  orch.ParentHostID,
		Message: fmt.Sprintf("%s (%s)", msg, orch.Status),
	})
}

func (o *Orchestrator) updateActiveGauge(ctx context.Context) {
	if n, err := o.db.CountActiveOrchestrations(ctx); err == nil {
		metrics.OrchestrationsActive.Set(float64(n))
	}
}

func decodeSnapshot(raw string) ([]SnapshotChild, error) {
	var snapshot []SnapshotChild
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("decoding child snapshot: %w", err)
	}
	return snapshot, nil
}
