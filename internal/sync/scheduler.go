package sync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

// Triggerer starts background sync runs.
type Triggerer interface {
	Trigger(kind model.RunKind, initiator model.Initiator) (string, error)
}

// Scheduler fires a full sync every policy interval while autoSync is on. The
// cron entry is rebuilt whenever the policy changes.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager Triggerer
	cron    *cron.Cron

	mu        sync.Mutex
	entryID   cron.EntryID
	scheduled bool
	started   bool
}

func NewScheduler(cfg config.SchedulerConfig, manager Triggerer) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start(p policy.Policy) {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	s.Apply(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Start()
	s.started = true
}

// Apply replaces the scheduled entry to match p. Suitable as a policy.Holder
// subscriber.
func (s *Scheduler) Apply(p policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled {
		s.cron.Remove(s.entryID)
		s.scheduled = false
	}
	if !s.cfg.Enabled {
		return
	}
	if !p.AutoSync {
		logger.Log.Info("Automatic sync is off")
		return
	}

	spec := fmt.Sprintf("@every %dm", p.IntervalMinutes)
	id, err := s.cron.AddFunc(spec, s.triggerSync)
	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.String("spec", spec), zap.Error(err))
		return
	}
	s.entryID = id
	s.scheduled = true
	logger.Log.Info("Scheduled automatic sync", zap.Int("interval_minutes", p.IntervalMinutes))
}

// Next reports when the scheduled sync fires next.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scheduled || !s.started {
		return time.Time{}, false
	}
	next := s.cron.Entry(s.entryID).Next
	return next, !next.IsZero()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		<-s.cron.Stop().Done()
		s.started = false
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	logger.Log.Info("Triggering scheduled sync")

	runID, err := s.manager.Trigger(model.KindFull, model.InitiatorScheduler)
	switch {
	case err == nil:
		logger.Log.Debug("Scheduled sync started", zap.String("run_id", runID))
	case errors.Is(err, ErrRunQueued):
		logger.Log.Info("Sync already running, scheduled run queued")
	default:
		logger.Log.Error("Failed to start scheduled sync", zap.Error(err))
	}
}
