package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/pubsub"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	StatusRunning = "running"
)

// InstallRecord is one install attempt.
type InstallRecord struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Version    string     `gorm:"index" json:"version"`
	Archive    string     `json:"archive"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	TimedOut   bool       `json:"timed_out"`
	StartedAt  time.Time  `gorm:"index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LaunchRecord is one launch of the application process.
type LaunchRecord struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Version    string     `json:"version"`
	Pid        int        `json:"pid"`
	Port       int        `json:"port"`
	Restart    bool       `json:"restart"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	LaunchedAt time.Time  `gorm:"index" json:"launched_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

// Ledger keeps the install and launch history in a sqlite database next to the version store.
type Ledger struct {
	db *gorm.DB
}

func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	if err := db.AutoMigrate(&InstallRecord{}, &LaunchRecord{}); err != nil {
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Ledger) RecordInstall(event *ghost.InstallEvent) error {
	switch event.Phase {
	case ghost.InstallPhaseStarted:
		return l.db.Create(&InstallRecord{
			ID:        event.ID,
			Version:   event.Version,
			Archive:   event.Archive,
			Status:    StatusRunning,
			StartedAt: event.Time,
		}).Error
	case ghost.InstallPhaseSkipped:
		finished := event.Time
		return l.db.Create(&InstallRecord{
			ID:         event.ID,
			Version:    event.Version,
			Archive:    event.Archive,
			Status:     string(event.Phase),
			StartedAt:  event.Time,
			FinishedAt: &finished,
		}).Error
	case ghost.InstallPhaseSucceeded, ghost.InstallPhaseFailed:
		finished := event.Time
		res := l.db.Model(&InstallRecord{}).Where("id = ?", event.ID).Updates(map[string]interface{}{
			"status":      string(event.Phase),
			"error":       event.Error,
			"timed_out":   event.TimedOut,
			"finished_at": &finished,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("no install record %s", event.ID)
		}
		return nil
	}
	return fmt.Errorf("unknown install phase %q", event.Phase)
}

func (l *Ledger) RecordProcess(event *ghost.ProcessEvent) error {
	switch event.Kind {
	case ghost.ProcessEventLaunched:
		return l.db.Create(&LaunchRecord{
			ID:         event.LaunchID,
			Version:    event.Version,
			Pid:        event.Pid,
			Port:       event.Port,
			Status:     StatusRunning,
			LaunchedAt: event.Time,
		}).Error
	case ghost.ProcessEventRestarted:
		return l.db.Model(&LaunchRecord{}).Where("id = ?", event.LaunchID).Update("restart", true).Error
	case ghost.ProcessEventStopped, ghost.ProcessEventCrashed:
		exited := event.Time
		return l.db.Model(&LaunchRecord{}).Where("id = ?", event.LaunchID).Updates(map[string]interface{}{
			"status":    string(event.Kind),
			"error":     event.Error,
			"exited_at": &exited,
		}).Error
	}
	return fmt.Errorf("unknown process event %q", event.Kind)
}

// RecentInstalls returns up to limit install attempts, newest first.
func (l *Ledger) RecentInstalls(limit int) ([]*InstallRecord, error) {
	var records []*InstallRecord
	err := l.db.Order("started_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// RecentLaunches returns up to limit launches, newest first.
func (l *Ledger) RecentLaunches(limit int) ([]*LaunchRecord, error) {
	var records []*LaunchRecord
	err := l.db.Order("launched_at desc").Limit(limit).Find(&records).Error
	return records, err
}

func (l *Ledger) GetInstall(id string) (*InstallRecord, error) {
	var record InstallRecord
	err := l.db.First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("install %s not found: %w", id, err)
	}
	return &record, err
}

func (l *Ledger) InstallSubscriber() pubsub.Subscriber[ghost.InstallEvent] {
	return pubsub.SubscriberFunc[ghost.InstallEvent](l.RecordInstall)
}

func (l *Ledger) ProcessSubscriber() pubsub.Subscriber[ghost.ProcessEvent] {
	return pubsub.SubscriberFunc[ghost.ProcessEvent](l.RecordProcess)
}
