// Operator tool for poking the SysManage queue directly: enqueue a
// command for a host or print queue statistics without going through
// the REST API.
// Usage:
//
//	sysmanage-queuectl -db sysmanage.db -stats
//	sysmanage-queuectl -db sysmanage.db -host <host-id> -command apply_updates -priority high
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

func main() {
	dsn := flag.String("db", "sysmanage.db", "database DSN (sqlite path or postgres:// URL)")
	hostID := flag.String("host", "", "target host id")
	command := flag.String("command", "", "command type to enqueue (e.g. apply_updates, reboot_system)")
	params := flag.String("params", "", "optional JSON parameters for the command")
	priority := flag.String("priority", db.PriorityNormal, "message priority: low, normal, high, urgent")
	stats := flag.Bool("stats", false, "print queue statistics and exit")
	failed := flag.Bool("failed", false, "print recent failed messages and exit")
	flag.Parse()

	logger := logging.New(false, "error")
	d, err := db.Open(*dsn, logger)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer d.Close()

	q := queue.New(d, clock.Real{}, logger)
	ctx := context.Background()

	switch {
	case *stats:
		printStats(ctx, q, *hostID)
	case *failed:
		printFailed(ctx, q)
	case *command != "":
		enqueue(ctx, q, *hostID, *command, *params, *priority)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printStats(ctx context.Context, q *queue.Engine, hostID string) {
	var host *string
	if hostID != "" {
		host = &hostID
	}
	s := q.GetStats(ctx, host, nil)
	fmt.Printf("pending:     %d\n", s.Pending)
	fmt.Printf("in_progress: %d\n", s.InProgress)
	fmt.Printf("sent:        %d\n", s.Sent)
	fmt.Printf("completed:   %d\n", s.Completed)
	fmt.Printf("failed:      %d\n", s.Failed)
	fmt.Printf("expired:     %d\n", s.Expired)
	fmt.Printf("total:       %d\n", s.Total)
}

func printFailed(ctx context.Context, q *queue.Engine) {
	msgs := q.GetFailedMessages(ctx, 50)
	if len(msgs) == 0 {
		fmt.Println("no failed messages")
		return
	}
	for _, m := range msgs {
		host := "<broadcast>"
		if m.HostID != nil {
			host = *m.HostID
		}
		errMsg := ""
		if m.ErrorMessage != nil {
			errMsg = *m.ErrorMessage
		}
		fmt.Printf("%s  %-12s  host=%s  retries=%d  %s\n",
			m.CreatedAt.Format("2006-01-02 15:04:05"), m.Status, host, m.RetryCount, errMsg)
	}
}

func enqueue(ctx context.Context, q *queue.Engine, hostID, command, params, priority string) {
	if hostID == "" {
		log.Fatal("-host is required when enqueuing a command")
	}
	data := protocol.CommandData{CommandType: command}
	if params != "" {
		if !json.Valid([]byte(params)) {
			log.Fatalf("-params is not valid JSON: %s", params)
		}
		data.Parameters = json.RawMessage(params)
	}

	msgID, err := q.Enqueue(ctx, queue.EnqueueParams{
		Type:      protocol.TypeCommand,
		Data:      data,
		Direction: db.DirectionOutbound,
		HostID:    &hostID,
		Priority:  priority,
	})
	if err != nil {
		log.Fatalf("enqueue: %v", err)
	}
	fmt.Printf("enqueued %s for host %s as message %s\n", command, hostID, msgID)
}
