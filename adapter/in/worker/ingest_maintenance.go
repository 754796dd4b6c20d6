package worker

import (
	"context"
	"time"

	"papergraph/core/port/out"
	"papergraph/pkg/logger"
)

const (
	templateIdleTTL    = 90 * 24 * time.Hour
	maintenanceInitial = 5 * time.Minute
	maintenancePeriod  = 24 * time.Hour
)

// TemplateMaintenance purges extraction templates that have sat unused
// past their TTL. Runs once shortly after start, then daily.
type TemplateMaintenance struct {
	templates out.TemplateRepository
	idleTTL   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTemplateMaintenance builds the purger. idleTTL <= 0 takes the
// package default of 90 days.
func NewTemplateMaintenance(templates out.TemplateRepository, idleTTL time.Duration) *TemplateMaintenance {
	if idleTTL <= 0 {
		idleTTL = templateIdleTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TemplateMaintenance{templates: templates, idleTTL: idleTTL, ctx: ctx, cancel: cancel}
}

func (m *TemplateMaintenance) Start() {
	go m.run()
}

func (m *TemplateMaintenance) Stop() {
	m.cancel()
}

func (m *TemplateMaintenance) run() {
	select {
	case <-m.ctx.Done():
		return
	case <-time.After(maintenanceInitial):
	}

	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()

	for {
		m.purge()
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *TemplateMaintenance) purge() {
	ctx, cancel := context.WithTimeout(m.ctx, time.Minute)
	defer cancel()

	purged, err := m.templates.PurgeIdle(ctx, m.idleTTL)
	if err != nil {
		logger.WithError(err).Error("template purge failed")
		return
	}
	if purged > 0 {
		logger.WithField("purged", purged).Info("idle templates purged")
	}
}
