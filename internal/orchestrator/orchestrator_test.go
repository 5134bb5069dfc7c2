package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ clock.Clock = (*fakeClock)(nil)

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orch   *Orchestrator
	db     *db.DB
	queue  *queue.Engine
	clk    *fakeClock
	parent *db.Host
}

func setup(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(false, "error")
	d, err := db.Open(filepath.Join(t.TempDir(), "orch.db"), log)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.New(d, clk, log)

	parent, err := d.CreateHost(context.Background(), db.RegisterParams{FQDN: "parent.example.com"})
	if err != nil {
		t.Fatalf("creating parent host: %v", err)
	}

	return &fixture{
		orch:   New(d, q, clk, events.New(), log),
		db:     d,
		queue:  q,
		clk:    clk,
		parent: parent,
	}
}

func (f *fixture) reportChild(t *testing.T, name, status string) {
	t.Helper()
	if err := f.db.UpsertHostChild(context.Background(), f.parent.ID, name, "vm", status, ""); err != nil {
		t.Fatalf("reporting child %s %s: %v", name, status, err)
	}
}

func (f *fixture) reportChildError(t *testing.T, name, errMsg string) {
	t.Helper()
	if err := f.db.UpsertHostChild(context.Background(), f.parent.ID, name, "vm", db.ChildError, errMsg); err != nil {
		t.Fatalf("reporting child error: %v", err)
	}
}

// pendingCommands returns the command_type of each pending outbound message
// for the parent, in dequeue order.
func (f *fixture) pendingCommands(t *testing.T) []string {
	t.Helper()
	msgs, err := f.queue.DequeueForHost(context.Background(), &f.parent.ID, db.DirectionOutbound, 50, true)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var cmd protocol.CommandData
		if err := json.Unmarshal([]byte(m.Data), &cmd); err != nil {
			t.Fatalf("decoding command payload: %v", err)
		}
		out = append(out, cmd.CommandType)
	}
	return out
}

func (f *fixture) drainQueue(t *testing.T) {
	t.Helper()
	msgs, err := f.queue.DequeueForHost(context.Background(), &f.parent.ID, db.DirectionOutbound, 50, false)
	if err != nil {
		t.Fatalf("dequeue for drain: %v", err)
	}
	for _, m := range msgs {
		if err := f.queue.MarkCompleted(context.Background(), m.MessageID); err != nil {
			t.Fatalf("draining message: %v", err)
		}
	}
}

func TestFullDrainRebootRestartCycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.reportChild(t, "c1", db.ChildRunning)
	f.reportChild(t, "c2", db.ChildRunning)

	orch, err := f.orch.Initiate(ctx, f.parent.ID, 5*time.Minute)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if orch.Status != db.OrchShuttingDown {
		t.Fatalf("status = %q, want shutting_down", orch.Status)
	}

	// Initiation enqueues one stop command per snapshot child.
	cmds := f.pendingCommands(t)
	stops := 0
	for _, c := range cmds {
		if c == protocol.CmdStopChildHost {
			stops++
		}
	}
	if stops != 2 {
		t.Fatalf("stop commands = %d, want 2", stops)
	}
	f.drainQueue(t)

	// First child stops: still draining.
	f.reportChild(t, "c1", db.ChildStopped)
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("progress after c1: %v", err)
	}
	cur, _ := f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchShuttingDown {
		t.Fatalf("status after c1 stop = %q, want shutting_down", cur.Status)
	}

	// Second child stops: reboot issues.
	f.reportChild(t, "c2", db.ChildStopped)
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("progress after c2: %v", err)
	}
	cur, _ = f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchRebooting {
		t.Fatalf("status after drain = %q, want rebooting", cur.Status)
	}
	if cur.ShutdownCompletedAt == nil || cur.RebootIssuedAt == nil {
		t.Error("reboot phase timestamps missing")
	}
	cmds = f.pendingCommands(t)
	if len(cmds) != 1 || cmds[0] != protocol.CmdRebootSystem {
		t.Fatalf("pending commands = %v, want [reboot_system]", cmds)
	}
	f.drainQueue(t)

	// A duplicate progress event must not double-issue the reboot.
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("replayed progress: %v", err)
	}
	if cmds := f.pendingCommands(t); len(cmds) != 0 {
		t.Fatalf("replayed progress enqueued %v", cmds)
	}

	// Parent reconnects: restart phase, one start command per child.
	if err := f.orch.HandleAgentReconnect(ctx, f.parent.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	cur, _ = f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchRestarting {
		t.Fatalf("status after reconnect = %q, want restarting", cur.Status)
	}
	if cur.AgentReconnectedAt == nil {
		t.Error("agent_reconnected_at missing")
	}
	var restart []ChildRestartStatus
	if err := json.Unmarshal([]byte(*cur.ChildHostsRestartStatus), &restart); err != nil {
		t.Fatalf("decoding restart status: %v", err)
	}
	if len(restart) != 2 || restart[0].RestartStatus != RestartPending {
		t.Fatalf("restart status = %+v, want two pending entries", restart)
	}
	cmds = f.pendingCommands(t)
	starts := 0
	for _, c := range cmds {
		if c == protocol.CmdStartChildHost {
			starts++
		}
	}
	if starts != 2 {
		t.Fatalf("start commands = %d, want 2", starts)
	}

	// Children come back one at a time.
	f.reportChild(t, "c1", db.ChildRunning)
	if err := f.orch.CheckRestartProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("restart progress after c1: %v", err)
	}
	cur, _ = f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchRestarting {
		t.Fatalf("status with one child back = %q, want restarting", cur.Status)
	}

	f.reportChild(t, "c2", db.ChildRunning)
	if err := f.orch.CheckRestartProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("restart progress after c2: %v", err)
	}
	cur, _ = f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchCompleted {
		t.Fatalf("final status = %q, want completed", cur.Status)
	}
	if cur.ErrorMessage != nil {
		t.Errorf("error_message = %q, want none", *cur.ErrorMessage)
	}
	if cur.RestartCompletedAt == nil {
		t.Error("restart_completed_at missing")
	}
}

func TestShutdownTimeoutProceedsWithRunningChildren(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.reportChild(t, "c1", db.ChildRunning)
	f.reportChild(t, "c2", db.ChildRunning)

	orch, err := f.orch.Initiate(ctx, f.parent.ID, 5*time.Minute)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.drainQueue(t)

	// c1 stops, c2 never does.
	f.reportChild(t, "c1", db.ChildStopped)
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("progress: %v", err)
	}
	cur, _ := f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchShuttingDown {
		t.Fatalf("status before timeout = %q, want shutting_down", cur.Status)
	}

	// Past the timeout the next progress event issues the reboot anyway.
	f.clk.Advance(6 * time.Minute)
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("progress after timeout: %v", err)
	}
	cur, _ = f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchRebooting {
		t.Fatalf("status after timeout = %q, want rebooting", cur.Status)
	}
	cmds := f.pendingCommands(t)
	if len(cmds) != 1 || cmds[0] != protocol.CmdRebootSystem {
		t.Fatalf("pending commands = %v, want [reboot_system]", cmds)
	}
}

func TestPartialRestartFailureStillCompletes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.reportChild(t, "c1", db.ChildRunning)
	f.reportChild(t, "c2", db.ChildRunning)

	orch, err := f.orch.Initiate(ctx, f.parent.ID, time.Minute)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.reportChild(t, "c1", db.ChildStopped)
	f.reportChild(t, "c2", db.ChildStopped)
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("shutdown progress: %v", err)
	}
	if err := f.orch.HandleAgentReconnect(ctx, f.parent.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	f.reportChild(t, "c1", db.ChildRunning)
	f.reportChildError(t, "c2", "disk image corrupt")
	if err := f.orch.CheckRestartProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("restart progress: %v", err)
	}

	cur, _ := f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchCompleted {
		t.Fatalf("status = %q, want completed despite failure", cur.Status)
	}
	if cur.ErrorMessage == nil || !strings.Contains(*cur.ErrorMessage, "c2") {
		t.Error("error_message should name the failed child")
	}
	var restart []ChildRestartStatus
	if err := json.Unmarshal([]byte(*cur.ChildHostsRestartStatus), &restart); err != nil {
		t.Fatalf("decoding restart status: %v", err)
	}
	for _, r := range restart {
		switch r.ChildName {
		case "c1":
			if r.RestartStatus != RestartRunning {
				t.Errorf("c1 restart status = %q, want running", r.RestartStatus)
			}
		case "c2":
			if r.RestartStatus != RestartFailed || r.Error == "" {
				t.Errorf("c2 restart status = %q error = %q, want failed with error", r.RestartStatus, r.Error)
			}
		}
	}
}

func TestSnapshotIsFrozenAtInitiation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.reportChild(t, "c1", db.ChildRunning)

	orch, err := f.orch.Initiate(ctx, f.parent.ID, time.Minute)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// A child started after the snapshot is ignored by the drain.
	f.reportChild(t, "late", db.ChildRunning)
	f.reportChild(t, "c1", db.ChildStopped)
	if err := f.orch.CheckShutdownProgress(ctx, f.parent.ID); err != nil {
		t.Fatalf("progress: %v", err)
	}
	cur, _ := f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchRebooting {
		t.Fatalf("status = %q, want rebooting despite late child running", cur.Status)
	}
}

func TestSingleActiveOrchestrationPerParent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.reportChild(t, "c1", db.ChildRunning)

	if _, err := f.orch.Initiate(ctx, f.parent.ID, time.Minute); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	if _, err := f.orch.Initiate(ctx, f.parent.ID, time.Minute); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second initiate err = %v, want ErrAlreadyActive", err)
	}
}

func TestInitiateWithoutChildren(t *testing.T) {
	f := setup(t)
	if _, err := f.orch.Initiate(context.Background(), f.parent.ID, time.Minute); !errors.Is(err, ErrNoRunningChildren) {
		t.Fatalf("err = %v, want ErrNoRunningChildren", err)
	}
}

func TestAbort(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.reportChild(t, "c1", db.ChildRunning)

	orch, err := f.orch.Initiate(ctx, f.parent.ID, time.Minute)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.orch.Abort(ctx, orch.ID, "operator cancelled"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	cur, _ := f.orch.Get(ctx, orch.ID)
	if cur.Status != db.OrchFailed {
		t.Fatalf("status = %q, want failed", cur.Status)
	}

	// A new orchestration can start once the old one is terminal.
	if _, err := f.orch.Initiate(ctx, f.parent.ID, time.Minute); err != nil {
		t.Fatalf("initiate after abort: %v", err)
	}
}

func TestReconnectWithoutOrchestrationIsNoop(t *testing.T) {
	f := setup(t)
	if err := f.orch.HandleAgentReconnect(context.Background(), f.parent.ID); err != nil {
		t.Fatalf("reconnect without orchestration: %v", err)
	}
}
