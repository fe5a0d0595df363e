package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/robfig/cron/v3"
)

// Triggerer é quem atende os disparos agendados (o Dispatcher).
type Triggerer interface {
	Trigger(ctx context.Context, identity, filePath string) (TriggerResult, error)
}

// Scheduler dispara uploads periódicos conforme as entradas schedules da configuração.
type Scheduler struct {
	cron      *cron.Cron
	logger    *slog.Logger
	triggerer Triggerer
	timeout   time.Duration
}

// NewScheduler registra um job cron por entrada. timeout limita cada disparo.
func NewScheduler(entries []config.ScheduleEntry, triggerer Triggerer, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger:    logger,
		triggerer: triggerer,
		timeout:   timeout,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	for _, e := range entries {
		entry := e
		if _, err := c.AddFunc(entry.Cron, func() { s.execute(entry) }); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) execute(entry config.ScheduleEntry) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.triggerer.Trigger(ctx, entry.ClientID, entry.FilePath)
	if err != nil {
		s.logger.Error("scheduled trigger failed", "schedule", entry.Name, "client_id", entry.ClientID, "error", err)
		return
	}
	if res.Status != StatusQueued {
		s.logger.Warn("scheduled trigger skipped", "schedule", entry.Name, "client_id", entry.ClientID, "status", res.Status)
		return
	}
	s.logger.Info("scheduled upload triggered", "schedule", entry.Name, "client_id", entry.ClientID, "upload_id", res.UploadID)
}
