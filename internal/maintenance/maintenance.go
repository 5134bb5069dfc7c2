// Package maintenance runs the periodic housekeeping sweep on a cron
// schedule: queue expiry and pruning, license revalidation and
// certificate expiry warnings.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sysmanage/sysmanage-server/internal/ca"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/license"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

// certWarnWindow is how far ahead of certificate expiry warnings start.
const certWarnWindow = 30 * 24 * time.Hour

// Sweeper owns the housekeeping cron job.
type Sweeper struct {
	queue *queue.Engine
	lic   *license.Manager
	ca    *ca.Authority
	bus   *events.Bus
	clk   clock.Clock
	log   *logging.Logger

	maxAge    time.Duration
	retention time.Duration

	cron *cron.Cron
}

// New builds a sweeper. maxAge expires stale pending rows; retention
// prunes terminal rows.
func New(q *queue.Engine, lic *license.Manager, authority *ca.Authority, bus *events.Bus,
	clk clock.Clock, log *logging.Logger, maxAge, retention time.Duration) *Sweeper {
	return &Sweeper{
		queue:     q,
		lic:       lic,
		ca:        authority,
		bus:       bus,
		clk:       clk,
		log:       log.With("component", "maintenance"),
		maxAge:    maxAge,
		retention: retention,
	}
}

// Start schedules the sweep on the cron spec (standard 5-field or
// @-descriptors like @hourly) and runs one sweep immediately so a
// long-idle server cleans up at boot rather than waiting a period.
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("maintenance sweep scheduled", "spec", spec)

	go s.Sweep(context.Background())
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one full housekeeping pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.queue.ExpireOld(ctx, s.maxAge)
	if err != nil {
		s.log.Error("expiring stale queue rows", "error", err)
	} else if expired > 0 {
		s.log.Info("stale queue rows expired", "count", expired, "max_age", s.maxAge)
	}

	pruned, err := s.queue.DeleteCompleted(ctx, s.retention)
	if err != nil {
		s.log.Error("pruning terminal queue rows", "error", err)
	} else if pruned > 0 {
		s.log.Info("terminal queue rows pruned", "count", pruned, "retention", s.retention)
	}

	s.checkLicense()
	s.checkCertificates()
}

// checkLicense re-runs the expiry policy on the applied license and
// surfaces grace-period warnings as events.
func (s *Sweeper) checkLicense() {
	if s.lic == nil {
		return
	}
	warning, valid := s.lic.Revalidate()
	if warning != "" {
		s.log.Warn("license warning", "warning", warning)
		s.bus.Publish(events.Event{Type: events.EventLicenseWarning, Message: warning})
	} else if !valid {
		s.log.Debug("no valid license applied")
	}
}

// checkCertificates warns when the CA or server certificate approaches
// expiry. Rotation itself is an operator action.
func (s *Sweeper) checkCertificates() {
	if s.ca == nil {
		return
	}
	caNotAfter, serverNotAfter := s.ca.Expiries()
	now := s.clk.Now()

	warn := func(name string, notAfter time.Time) {
		if notAfter.IsZero() {
			return
		}
		left := notAfter.Sub(now)
		if left > certWarnWindow {
			return
		}
		msg := fmt.Sprintf("%s certificate expires %s", name, notAfter.UTC().Format(time.RFC3339))
		if left <= 0 {
			msg = fmt.Sprintf("%s certificate expired %s", name, notAfter.UTC().Format(time.RFC3339))
		}
		s.log.Warn("certificate expiry", "certificate", name, "not_after", notAfter)
		s.bus.Publish(events.Event{Type: events.EventCertWarning, Message: msg})
	}
	warn("ca", caNotAfter)
	warn("server", serverNotAfter)
}
