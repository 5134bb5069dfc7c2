package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

// fakeClock is a settable clock so backoff and timeout arithmetic is
// deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

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

func testEngine(t *testing.T) (*Engine, *db.DB, *fakeClock) {
	t.Helper()
	log := logging.New(false, "error")
	d, err := db.Open(filepath.Join(t.TempDir(), "queue.db"), log)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	clk := newFakeClock()
	return New(d, clk, log), d, clk
}

func makeHost(t *testing.T, d *db.DB, fqdn string) *db.Host {
	t.Helper()
	h, err := d.CreateHost(context.Background(), db.RegisterParams{FQDN: fqdn})
	if err != nil {
		t.Fatalf("creating host %s: %v", fqdn, err)
	}
	return h
}

func TestEnqueueGeneratesMessageID(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	id, err := e.Enqueue(ctx, EnqueueParams{
		Type:      "command",
		Data:      map[string]string{"command_type": "update_hardware"},
		Direction: db.DirectionOutbound,
		HostID:    &h.ID,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("empty message_id")
	}

	msg, err := e.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("read-back: %v", err)
	}
	if msg.Status != db.StatusPending {
		t.Errorf("status = %q, want pending", msg.Status)
	}
	if msg.Priority != db.PriorityNormal {
		t.Errorf("priority = %q, want normal default", msg.Priority)
	}
	if msg.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3 default", msg.MaxRetries)
	}
}

func TestEnqueueUnknownHost(t *testing.T) {
	e, _, _ := testEngine(t)
	missing := "00000000-0000-4000-8000-000000000000"
	_, err := e.Enqueue(context.Background(), EnqueueParams{
		Type:      "command",
		Data:      map[string]string{},
		Direction: db.DirectionOutbound,
		HostID:    &missing,
	})
	if !errors.Is(err, db.ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
}

func TestEnqueueCallerTransaction(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	var id string
	err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
		var ierr error
		id, ierr = e.Enqueue(ctx, EnqueueParams{
			Type:      "command",
			Data:      map[string]string{"command_type": "reboot_system"},
			Direction: db.DirectionOutbound,
			HostID:    &h.ID,
			Tx:        tx,
		})
		if ierr != nil {
			return ierr
		}
		// Read-your-writes inside the caller's transaction.
		if _, ierr = db.GetMessageByMessageID(ctx, tx, id); ierr != nil {
			return ierr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transactional enqueue: %v", err)
	}
	if _, err := e.GetMessage(ctx, id); err != nil {
		t.Fatalf("row not visible after commit: %v", err)
	}
}

func TestScriptDedupByExecutionID(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	payload := map[string]string{
		"command_type":   "execute_script",
		"execution_id":   "E1",
		"script_content": "echo hi",
	}
	first, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: payload, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: payload, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second != first {
		t.Errorf("second enqueue returned %s, want dedup to %s", second, first)
	}

	var n int
	if err := d.Get(&n, `SELECT COUNT(*) FROM message_queue WHERE execution_id = 'E1'`); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if n != 1 {
		t.Errorf("rows for E1 = %d, want exactly 1", n)
	}
}

func TestScriptDedupByPrefixWindow(t *testing.T) {
	e, d, clk := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	first, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command",
		Data: map[string]string{
			"command_type": "execute_script", "execution_id": "E1", "script_content": "echo hi",
		},
		Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// The first row has moved on to sent: execution_id dedup no longer
	// matches, but the 10-second prefix window still does.
	if _, err := e.MarkSent(ctx, first); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	second, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command",
		Data: map[string]string{
			"command_type": "execute_script", "execution_id": "E2", "script_content": "echo hi",
		},
		Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second != first {
		t.Errorf("prefix window dedup: got %s, want %s", second, first)
	}

	// Past the window the same script enqueues fresh.
	clk.Advance(11 * time.Second)
	third, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command",
		Data: map[string]string{
			"command_type": "execute_script", "execution_id": "E3", "script_content": "echo hi",
		},
		Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if third == first {
		t.Error("enqueue outside the dedup window must insert a new row")
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	enq := func(priority, marker string) string {
		t.Helper()
		id, err := e.Enqueue(ctx, EnqueueParams{
			Type:      "command",
			Data:      map[string]string{"command_type": marker},
			Direction: db.DirectionOutbound,
			HostID:    &h.ID,
			Priority:  priority,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", marker, err)
		}
		return id
	}

	low := enq(db.PriorityLow, "c1")
	normalOld := enq(db.PriorityNormal, "c2")
	urgent := enq(db.PriorityUrgent, "c3")
	normalNew := enq(db.PriorityNormal, "c4")
	high := enq(db.PriorityHigh, "c5")

	msgs, err := e.DequeueForHost(ctx, &h.ID, db.DirectionOutbound, 10, true)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	want := []string{urgent, high, normalOld, normalNew, low}
	if len(msgs) != len(want) {
		t.Fatalf("dequeued %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].MessageID != id {
			t.Errorf("position %d = %s, want %s", i, msgs[i].MessageID, id)
		}
	}
}

func TestDequeueSkipsFutureScheduled(t *testing.T) {
	e, d, clk := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	future := clk.Now().Add(time.Minute)
	id, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound,
		HostID: &h.ID, ScheduledAt: &future,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := e.DequeueForHost(ctx, &h.ID, db.DirectionOutbound, 10, true)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("future-scheduled message dequeued early")
	}

	clk.Advance(2 * time.Minute)
	msgs, err = e.DequeueForHost(ctx, &h.ID, db.DirectionOutbound, 10, true)
	if err != nil {
		t.Fatalf("dequeue after advance: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != id {
		t.Fatal("message not dequeued once scheduled_at passed")
	}
}

func TestBroadcastDequeue(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	if _, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	}); err != nil {
		t.Fatalf("host enqueue: %v", err)
	}
	bid, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound,
	})
	if err != nil {
		t.Fatalf("broadcast enqueue: %v", err)
	}

	msgs, err := e.DequeueForHost(ctx, nil, db.DirectionOutbound, 10, true)
	if err != nil {
		t.Fatalf("broadcast dequeue: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != bid {
		t.Fatalf("broadcast dequeue returned %d rows, want only the broadcast row", len(msgs))
	}
}

func TestTransitionLifecycle(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	id, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Ack before send must fail: only sent or completed rows acknowledge.
	ok, err := e.MarkAcknowledged(ctx, id)
	if err != nil {
		t.Fatalf("premature ack: %v", err)
	}
	if ok {
		t.Error("acknowledged a pending message")
	}

	ok, err = e.MarkProcessing(ctx, id)
	if err != nil || !ok {
		t.Fatalf("mark processing: ok=%v err=%v", ok, err)
	}
	// Second processing attempt finds the row no longer pending.
	ok, err = e.MarkProcessing(ctx, id)
	if err != nil {
		t.Fatalf("second mark processing: %v", err)
	}
	if ok {
		t.Error("marked a non-pending message processing")
	}

	if _, err := e.MarkSent(ctx, id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	ok, err = e.MarkAcknowledged(ctx, id)
	if err != nil || !ok {
		t.Fatalf("ack: ok=%v err=%v", ok, err)
	}
	// Replayed ack is a no-op success.
	ok, err = e.MarkAcknowledged(ctx, id)
	if err != nil || !ok {
		t.Fatalf("replayed ack: ok=%v err=%v", ok, err)
	}

	msg, err := e.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("read-back: %v", err)
	}
	if msg.Status != db.StatusCompleted {
		t.Errorf("status = %q, want completed", msg.Status)
	}
	if msg.CompletedAt == nil || msg.StartedAt == nil {
		t.Fatal("timestamps missing")
	}
	if msg.StartedAt.After(*msg.CompletedAt) {
		t.Error("started_at after completed_at")
	}
	if msg.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", msg.RetryCount)
	}
}

func TestFailureBackoffSchedule(t *testing.T) {
	e, d, clk := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	id, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound,
		HostID: &h.ID, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Failure 1: back to pending, scheduled 60s out.
	if err := e.MarkFailed(ctx, id, "send failed", true); err != nil {
		t.Fatalf("failure 1: %v", err)
	}
	msg, _ := e.GetMessage(ctx, id)
	if msg.Status != db.StatusPending || msg.RetryCount != 1 {
		t.Fatalf("after failure 1: status=%q retry=%d", msg.Status, msg.RetryCount)
	}
	if got, want := msg.ScheduledAt.Sub(clk.Now()), time.Minute; got != want {
		t.Errorf("failure 1 backoff = %s, want %s", got, want)
	}
	if msg.StartedAt != nil {
		t.Error("started_at not cleared on retry")
	}

	// Failure 2: 120s.
	if err := e.MarkFailed(ctx, id, "send failed", true); err != nil {
		t.Fatalf("failure 2: %v", err)
	}
	msg, _ = e.GetMessage(ctx, id)
	if got, want := msg.ScheduledAt.Sub(clk.Now()), 2*time.Minute; got != want {
		t.Errorf("failure 2 backoff = %s, want %s", got, want)
	}

	// Failure 3 hits max_retries: terminal failed.
	if err := e.MarkFailed(ctx, id, "send failed", true); err != nil {
		t.Fatalf("failure 3: %v", err)
	}
	msg, _ = e.GetMessage(ctx, id)
	if msg.Status != db.StatusFailed {
		t.Errorf("after failure 3: status = %q, want failed", msg.Status)
	}
	if msg.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", msg.RetryCount)
	}
	if msg.CompletedAt == nil {
		t.Error("completed_at missing on terminal failure")
	}
	if msg.ErrorMessage == nil || *msg.ErrorMessage != "send failed" {
		t.Error("error_message not recorded")
	}
}

func TestBackoffCap(t *testing.T) {
	for _, tc := range []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{10, time.Hour},
	} {
		if got := backoffDelay(tc.retry); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

func TestRetryUnacknowledged(t *testing.T) {
	e, d, clk := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	stale, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.MarkSent(ctx, stale); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	clk.Advance(4 * time.Minute)
	fresh, err := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	if _, err := e.MarkSent(ctx, fresh); err != nil {
		t.Fatalf("mark fresh sent: %v", err)
	}

	clk.Advance(2 * time.Minute)
	n, err := e.RetryUnacknowledged(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d messages, want 1", n)
	}

	staleMsg, _ := e.GetMessage(ctx, stale)
	if staleMsg.Status != db.StatusPending {
		t.Errorf("stale message status = %q, want pending", staleMsg.Status)
	}
	if staleMsg.RetryCount != 1 {
		t.Errorf("stale retry_count = %d, want 1", staleMsg.RetryCount)
	}
	if staleMsg.ErrorMessage == nil || *staleMsg.ErrorMessage != "no acknowledgment received" {
		t.Error("sweep error message missing")
	}
	freshMsg, _ := e.GetMessage(ctx, fresh)
	if freshMsg.Status != db.StatusSent {
		t.Errorf("fresh message status = %q, want sent untouched", freshMsg.Status)
	}
}

func TestStatsAndFailedListing(t *testing.T) {
	e, d, _ := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	p1, _ := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	p2, _ := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	if _, err := e.MarkSent(ctx, p1); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := e.MarkFailed(ctx, p2, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats := e.GetStats(ctx, &h.ID, nil)
	if stats.Sent != 1 || stats.Failed != 1 || stats.Total != 2 {
		t.Errorf("stats = %+v, want sent=1 failed=1 total=2", stats)
	}

	failed := e.GetFailedMessages(ctx, 10)
	if len(failed) != 1 || failed[0].MessageID != p2 {
		t.Fatalf("failed listing = %d rows, want the failed row", len(failed))
	}
}

func TestExpireAndPrune(t *testing.T) {
	e, d, clk := testEngine(t)
	ctx := context.Background()
	h := makeHost(t, d, "host1.example.com")

	old, _ := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})
	clk.Advance(48 * time.Hour)
	fresh, _ := e.Enqueue(ctx, EnqueueParams{
		Type: "command", Data: map[string]string{}, Direction: db.DirectionOutbound, HostID: &h.ID,
	})

	n, err := e.ExpireOld(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d rows, want 1", n)
	}
	oldMsg, _ := e.GetMessage(ctx, old)
	if oldMsg.Status != db.StatusExpired || oldMsg.ExpiredAt == nil {
		t.Errorf("old message status = %q, want expired with expired_at", oldMsg.Status)
	}
	freshMsg, _ := e.GetMessage(ctx, fresh)
	if freshMsg.Status != db.StatusPending {
		t.Errorf("fresh message status = %q, want pending untouched", freshMsg.Status)
	}

	clk.Advance(8 * 24 * time.Hour)
	pruned, err := e.DeleteCompleted(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d rows, want the expired row", pruned)
	}
	if _, err := e.GetMessage(ctx, old); !errors.Is(err, db.ErrMessageNotFound) {
		t.Errorf("expired row still present after prune: %v", err)
	}
}
