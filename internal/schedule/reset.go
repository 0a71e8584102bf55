// Package schedule turns department reset schedules into cron jobs.
package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"

	"github.com/robfig/cron/v3"
)

type Resetter interface {
	Reset(ctx context.Context, departmentID string) (int, error)
}

type Scheduler struct {
	cron     *cron.Cron
	resetter Resetter
	settings store.SettingsStore
}

func New(resetter Resetter, settings store.SettingsStore, location *time.Location) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		resetter: resetter,
		settings: settings,
	}
}

// Start registers one daily job per department with a fixed reset time and
// starts the cron runner. Departments set to manual are left alone.
func (s *Scheduler) Start(ctx context.Context) error {
	configs, err := s.settings.ListConfigs(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if cfg.ResetSchedule == "" || cfg.ResetSchedule == models.ResetManual {
			continue
		}
		spec, err := CronSpec(cfg.ResetSchedule)
		if err != nil {
			log.Printf("reset schedule for department %s: %v", cfg.DepartmentID, err)
			continue
		}
		departmentID := cfg.DepartmentID
		if _, err := s.cron.AddFunc(spec, func() { s.runReset(departmentID) }); err != nil {
			log.Printf("register reset for department %s: %v", departmentID, err)
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) runReset(departmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	count, err := s.resetter.Reset(ctx, departmentID)
	if err != nil {
		log.Printf("scheduled reset department=%s error: %v", departmentID, err)
		return
	}
	if count > 0 {
		log.Printf("scheduled reset department=%s cancelled=%d", departmentID, count)
	}
}

// CronSpec converts a clinic-local "HH:MM" reset time into a daily cron
// expression.
func CronSpec(schedule string) (string, error) {
	at, err := time.Parse("15:04", schedule)
	if err != nil {
		return "", fmt.Errorf("reset schedule must be HH:MM or %q: %w", models.ResetManual, err)
	}
	return fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour()), nil
}
