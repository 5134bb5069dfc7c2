package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
)

// handleChildStatus records a child workload lifecycle change and nudges any
// in-flight reboot orchestration of the parent: stops feed the drain phase,
// starts feed the restart phase, errors feed both.
func (r *Router) handleChildStatus(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.ChildHostStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	if data.ChildName == "" {
		return errors.New("child status missing child_name")
	}

	var status string
	switch env.Type {
	case protocol.TypeChildHostStarted:
		status = db.ChildRunning
	case protocol.TypeChildHostStopped:
		status = db.ChildStopped
	case protocol.TypeChildHostError:
		status = db.ChildError
	}
	if err := r.db.UpsertHostChild(ctx, host.ID, data.ChildName, data.ChildType, status, data.ErrorMessage); err != nil {
		return err
	}
	r.log.Info("child status recorded",
		"host_id", host.ID, "child", data.ChildName, "status", status)

	switch env.Type {
	case protocol.TypeChildHostStopped:
		return r.orch.CheckShutdownProgress(ctx, host.ID)
	case protocol.TypeChildHostStarted:
		return r.orch.CheckRestartProgress(ctx, host.ID)
	case protocol.TypeChildHostError:
		if err := r.orch.CheckShutdownProgress(ctx, host.ID); err != nil {
			return err
		}
		return r.orch.CheckRestartProgress(ctx, host.ID)
	}
	return nil
}
