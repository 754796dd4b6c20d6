package worker

import (
	"testing"
	"time"
)

func TestNewSyncSchedulerTiming(t *testing.T) {
	s := NewSyncScheduler(nil, nil, 0, 0)
	if s.interval != schedulerInterval || s.staleness != schedulerStaleness {
		t.Fatalf("zero config did not take defaults: %v/%v", s.interval, s.staleness)
	}

	tuned := NewSyncScheduler(nil, nil, time.Minute, 15*time.Minute)
	if tuned.interval != time.Minute || tuned.staleness != 15*time.Minute {
		t.Fatalf("timing = %v/%v, want 1m/15m", tuned.interval, tuned.staleness)
	}
}

func TestNewTemplateMaintenanceTTL(t *testing.T) {
	m := NewTemplateMaintenance(nil, 0)
	if m.idleTTL != templateIdleTTL {
		t.Fatalf("zero ttl did not take default: %v", m.idleTTL)
	}

	tuned := NewTemplateMaintenance(nil, 30*24*time.Hour)
	if tuned.idleTTL != 30*24*time.Hour {
		t.Fatalf("ttl = %v, want 720h", tuned.idleTTL)
	}
}
