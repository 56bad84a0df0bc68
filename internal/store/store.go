// Package store is the durable state store: a single embedded SQLite
// database (WAL journal, foreign_keys on) holding Worker,
// CompletedSample, Annotation, Heartbeat, WorkerEvent and
// RateLimiterState rows, exposed as transactional operations.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ps-research/M-Heath-Annotator/internal/liveness"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/sysinfo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// HeartbeatTimeout is H_timeout: a heartbeat older than this while
// status=running means the worker is considered stuck/crashed.
const HeartbeatTimeout = 120 * time.Second

type Store struct {
	db *gorm.DB
}

// Open creates (if needed) and opens the SQLite database at path,
// enabling WAL journaling and foreign key enforcement, then runs
// AutoMigrate for every model.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: ensure dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying db: %w", err)
	}
	// SQLite tolerates exactly one writer; a single connection avoids
	// "database is locked" races under WAL.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(model.AllTables()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WorkerConfig is one (annotator, domain) entry from the global config,
// as consumed by InitializeWorkers.
type WorkerConfig struct {
	AnnotatorID int
	Domain      string
	Enabled     bool
	TargetCount int
}

// InitializeWorkers upserts a Worker row per configured pair, preserving
// progress for rows that already exist.
func (s *Store) InitializeWorkers(cfgs []WorkerConfig) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, c := range cfgs {
			var w model.Worker
			err := tx.Where("annotator_id = ? AND domain = ?", c.AnnotatorID, c.Domain).First(&w).Error
			if err == gorm.ErrRecordNotFound {
				w = model.Worker{
					AnnotatorID: c.AnnotatorID,
					Domain:      c.Domain,
					Enabled:     c.Enabled,
					TargetCount: c.TargetCount,
					Status:      model.StatusNotStarted,
					LastUpdated: time.Now().UTC(),
				}
				if err := tx.Create(&w).Error; err != nil {
					return fmt.Errorf("initialize_workers: create %s/%d: %w", c.Domain, c.AnnotatorID, err)
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("initialize_workers: lookup %s/%d: %w", c.Domain, c.AnnotatorID, err)
			}
			w.Enabled = c.Enabled
			w.TargetCount = c.TargetCount
			w.LastUpdated = time.Now().UTC()
			if err := tx.Save(&w).Error; err != nil {
				return fmt.Errorf("initialize_workers: update %s/%d: %w", c.Domain, c.AnnotatorID, err)
			}
		}
		return nil
	})
}

func (s *Store) workerByKey(tx *gorm.DB, k model.Key) (model.Worker, error) {
	var w model.Worker
	err := tx.Where("annotator_id = ? AND domain = ?", k.AnnotatorID, k.Domain).First(&w).Error
	return w, err
}

// UpdateWorkerStatus applies the status-transition rules and logs a
// WorkerEvent, all inside one transaction.
func (s *Store) UpdateWorkerStatus(k model.Key, status model.Status, pid *int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.workerByKey(tx, k)
		if err != nil {
			return fmt.Errorf("update_worker_status: %w", err)
		}

		now := time.Now().UTC()
		w.Status = status
		w.LastUpdated = now

		switch status {
		case model.StatusRunning:
			w.Pid = pid
			if w.StartedAt == nil {
				w.StartedAt = &now
			}
			w.StoppedAt = nil
		case model.StatusPaused:
			// pid non-null iff running; a paused worker may still
			// have a live pause loop, but the row no longer claims it.
			w.Pid = nil
		case model.StatusStopped, model.StatusCompleted, model.StatusCrashed:
			w.Pid = nil
			w.StoppedAt = &now
		}

		if err := tx.Save(&w).Error; err != nil {
			return fmt.Errorf("update_worker_status: save: %w", err)
		}

		ev := model.WorkerEvent{EventID: uuid.NewString(), WorkerID: w.ID, EventType: "status:" + string(status), At: now}
		return tx.Create(&ev).Error
	})
}

// AddCompletedSample inserts a CompletedSample row idempotently on
// (worker, sample_id); it only increments total_completed/total_malformed
// when the insert actually happened (i.e. this is the first time this
// sample_id has been seen for this worker).
func (s *Store) AddCompletedSample(k model.Key, sampleID, label string, malformed bool) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.workerByKey(tx, k)
		if err != nil {
			return fmt.Errorf("add_completed_sample: %w", err)
		}

		var existing model.CompletedSample
		err = tx.Where("worker_id = ? AND sample_id = ?", w.ID, sampleID).First(&existing).Error
		if err == nil {
			return nil // already accounted for; idempotent no-op
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("add_completed_sample: lookup: %w", err)
		}

		cs := model.CompletedSample{
			WorkerID:    w.ID,
			SampleID:    sampleID,
			Label:       label,
			IsMalformed: malformed,
			CompletedAt: time.Now().UTC(),
		}
		if err := tx.Create(&cs).Error; err != nil {
			return fmt.Errorf("add_completed_sample: create: %w", err)
		}

		if malformed {
			w.TotalMalformed++
		} else {
			w.TotalCompleted++
		}
		w.LastUpdated = time.Now().UTC()
		return tx.Save(&w).Error
	})
}

// AnnotationRecord is the input to SaveAnnotation.
type AnnotationRecord struct {
	SampleID      string
	SampleText    string
	Label         string
	Response      string
	IsMalformed   bool
	ParseError    string
	ValidityError string
}

// SaveAnnotation inserts an Annotation row. No uniqueness constraint:
// retries (including crash-recovered re-annotation of the same sample)
// are permitted and expected.
func (s *Store) SaveAnnotation(k model.Key, rec AnnotationRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.workerByKey(tx, k)
		if err != nil {
			return fmt.Errorf("save_annotation: %w", err)
		}
		a := model.Annotation{
			RecordID:      uuid.NewString(),
			WorkerID:      w.ID,
			SampleID:      rec.SampleID,
			SampleText:    rec.SampleText,
			Label:         rec.Label,
			Response:      rec.Response,
			IsMalformed:   rec.IsMalformed,
			ParseError:    rec.ParseError,
			ValidityError: rec.ValidityError,
			CreatedAt:     time.Now().UTC(),
		}
		return tx.Create(&a).Error
	})
}

// WorkerStatus is the snapshot returned by GetWorkerStatus: worker +
// heartbeat joined, with the derived-status rule applied.
type WorkerStatus struct {
	model.Worker
	HeartbeatAlive bool                     `json:"heartbeat_alive"`
	HeartbeatAge   time.Duration            `json:"heartbeat_age"`
	PercentDone    float64                  `json:"percent_done"`
	Resources      *sysinfo.ProcessSnapshot `json:"resources,omitempty"`
}

// GetWorkerStatus returns a snapshot with the derived-status rule
// applied: any observed status=running is re-verified against
// heartbeat freshness and OS process liveness, flipping to crashed (in
// the same transaction) if either check fails.
func (s *Store) GetWorkerStatus(k model.Key) (WorkerStatus, error) {
	var out WorkerStatus
	err := s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.workerByKey(tx, k)
		if err != nil {
			return fmt.Errorf("get_worker_status: %w", err)
		}

		var hb model.Heartbeat
		hbErr := tx.Where("worker_id = ?", w.ID).First(&hb).Error
		hasHB := hbErr == nil

		alive := false
		age := time.Duration(0)
		if hasHB {
			age = time.Since(hb.HeartbeatTime)
			alive = age < HeartbeatTimeout
		}

		if w.Status == model.StatusRunning {
			procAlive := w.Pid != nil && liveness.ProcessAlive(*w.Pid, k.AnnotatorID, k.Domain)
			if !alive || !procAlive {
				w.Status = model.StatusCrashed
				now := time.Now().UTC()
				w.StoppedAt = &now
				w.Pid = nil
				w.LastUpdated = now
				if err := tx.Save(&w).Error; err != nil {
					return fmt.Errorf("get_worker_status: flip crashed: %w", err)
				}
				ev := model.WorkerEvent{EventID: uuid.NewString(), WorkerID: w.ID, EventType: "status:crashed_detected", At: now}
				tx.Create(&ev)
			}
		}

		pct := 0.0
		if w.TargetCount > 0 {
			pct = 100 * float64(w.TotalCompleted+w.TotalMalformed) / float64(w.TargetCount)
		}

		out = WorkerStatus{Worker: w, HeartbeatAlive: alive, HeartbeatAge: age, PercentDone: pct}
		if w.Status == model.StatusRunning && w.Pid != nil {
			if res, ok := sysinfo.Process(*w.Pid); ok {
				out.Resources = &res
			}
		}
		return nil
	})
	return out, err
}

// SendHeartbeat upserts the heartbeat row for the worker.
func (s *Store) SendHeartbeat(k model.Key, pid, iteration int, status model.Status) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.workerByKey(tx, k)
		if err != nil {
			return fmt.Errorf("send_heartbeat: %w", err)
		}
		hb := model.Heartbeat{
			WorkerID:        w.ID,
			Pid:             pid,
			Iteration:       iteration,
			HeartbeatStatus: status,
			HeartbeatTime:   time.Now().UTC(),
		}
		var existing model.Heartbeat
		err = tx.Where("worker_id = ?", w.ID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(&hb).Error
		}
		if err != nil {
			return fmt.Errorf("send_heartbeat: lookup: %w", err)
		}
		return tx.Model(&model.Heartbeat{}).Where("worker_id = ?", w.ID).Updates(hb).Error
	})
}

// CleanupHeartbeat deletes the heartbeat row for a worker, called on
// worker shutdown or before a watchdog-initiated restart.
func (s *Store) CleanupHeartbeat(k model.Key) error {
	w, err := s.workerByKey(s.db, k)
	if err != nil {
		return fmt.Errorf("cleanup_heartbeat: %w", err)
	}
	return s.db.Where("worker_id = ?", w.ID).Delete(&model.Heartbeat{}).Error
}

// GetStuckWorkers returns every worker with status=running whose
// heartbeat age exceeds HeartbeatTimeout.
func (s *Store) GetStuckWorkers() ([]model.Worker, error) {
	var running []model.Worker
	if err := s.db.Where("status = ?", model.StatusRunning).Find(&running).Error; err != nil {
		return nil, fmt.Errorf("get_stuck_workers: %w", err)
	}
	var stuck []model.Worker
	for _, w := range running {
		var hb model.Heartbeat
		err := s.db.Where("worker_id = ?", w.ID).First(&hb).Error
		if err != nil || time.Since(hb.HeartbeatTime) >= HeartbeatTimeout {
			stuck = append(stuck, w)
		}
	}
	return stuck, nil
}

// GetAllRunningWorkers returns workers with status=running and pid
// non-null, verifying each pid is actually alive and flipping
// non-alive ones to crashed before returning.
func (s *Store) GetAllRunningWorkers() ([]model.Worker, error) {
	var out []model.Worker
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var running []model.Worker
		if err := tx.Where("status = ? AND pid IS NOT NULL", model.StatusRunning).Find(&running).Error; err != nil {
			return err
		}
		for _, w := range running {
			if w.Pid != nil && liveness.ProcessAlive(*w.Pid, w.AnnotatorID, w.Domain) {
				out = append(out, w)
				continue
			}
			now := time.Now().UTC()
			w.Status = model.StatusCrashed
			w.StoppedAt = &now
			w.Pid = nil
			w.LastUpdated = now
			if err := tx.Save(&w).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// FactoryReset deletes all progress tables, resets every Worker's
// status to not_started and progress to zero, while preserving enabled
// and target_count, then records the reset timestamp.
func (s *Store) FactoryReset() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, t := range []interface{}{&model.CompletedSample{}, &model.Annotation{}, &model.Heartbeat{}, &model.WorkerEvent{}, &model.RateLimiterState{}} {
			if err := tx.Where("1 = 1").Delete(t).Error; err != nil {
				return fmt.Errorf("factory_reset: delete: %w", err)
			}
		}
		if err := tx.Model(&model.Worker{}).Where("1 = 1").Updates(map[string]interface{}{
			"status":          model.StatusNotStarted,
			"pid":             nil,
			"started_at":      nil,
			"stopped_at":      nil,
			"total_completed": 0,
			"total_malformed": 0,
			"samples_per_min": 0,
			"last_updated":    time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("factory_reset: reset workers: %w", err)
		}
		return tx.Save(&model.SystemState{Key: "last_factory_reset", Value: time.Now().UTC().Format(time.RFC3339)}).Error
	})
}

// ResetWorker is FactoryReset scoped to a single worker.
func (s *Store) ResetWorker(k model.Key) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.workerByKey(tx, k)
		if err != nil {
			return fmt.Errorf("reset_worker: %w", err)
		}
		for _, t := range []interface{}{&model.CompletedSample{}, &model.Annotation{}, &model.Heartbeat{}} {
			if err := tx.Where("worker_id = ?", w.ID).Delete(t).Error; err != nil {
				return fmt.Errorf("reset_worker: delete: %w", err)
			}
		}
		w.Status = model.StatusNotStarted
		w.Pid = nil
		w.StartedAt = nil
		w.StoppedAt = nil
		w.TotalCompleted = 0
		w.TotalMalformed = 0
		w.SamplesPerMin = 0
		w.LastUpdated = time.Now().UTC()
		if err := tx.Save(&w).Error; err != nil {
			return err
		}
		ev := model.WorkerEvent{EventID: uuid.NewString(), WorkerID: w.ID, EventType: "reset", At: time.Now().UTC()}
		return tx.Create(&ev).Error
	})
}

// UpdateSamplesPerMin persists the freshly computed throughput figure.
func (s *Store) UpdateSamplesPerMin(k model.Key, perMin float64) error {
	w, err := s.workerByKey(s.db, k)
	if err != nil {
		return fmt.Errorf("update_samples_per_min: %w", err)
	}
	return s.db.Model(&model.Worker{}).Where("id = ?", w.ID).Updates(map[string]interface{}{
		"samples_per_min": perMin,
		"last_updated":    time.Now().UTC(),
	}).Error
}

// SystemOverview aggregates counters across the whole fleet.
type SystemOverview struct {
	TotalWorkers       int           `json:"total_workers"`
	RunningWorkers     int           `json:"running_workers"`
	TotalCompleted     int           `json:"total_completed"`
	TotalMalformed     int           `json:"total_malformed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

func (s *Store) SystemOverview() (SystemOverview, error) {
	var workers []model.Worker
	if err := s.db.Find(&workers).Error; err != nil {
		return SystemOverview{}, fmt.Errorf("system_overview: %w", err)
	}
	var out SystemOverview
	var blendedRate float64
	var remainingSamples int
	for _, w := range workers {
		out.TotalWorkers++
		if w.Status == model.StatusRunning {
			out.RunningWorkers++
		}
		out.TotalCompleted += w.TotalCompleted
		out.TotalMalformed += w.TotalMalformed
		remaining := w.TargetCount - w.TotalCompleted - w.TotalMalformed
		if remaining > 0 {
			remainingSamples += remaining
		}
		blendedRate += w.SamplesPerMin
	}
	if blendedRate > 0 {
		out.EstimatedRemaining = time.Duration(float64(remainingSamples)/blendedRate) * time.Minute
	}
	return out, nil
}

// RecentEvents returns the most recent WorkerEvent rows, newest first.
func (s *Store) RecentEvents(limit int) ([]model.WorkerEvent, error) {
	var events []model.WorkerEvent
	err := s.db.Order("at desc").Limit(limit).Find(&events).Error
	return events, err
}

// AllWorkers returns every configured worker, for enumeration by the
// supervisor's get_all_statuses and the watchdog's sweeps.
func (s *Store) AllWorkers() ([]model.Worker, error) {
	var workers []model.Worker
	err := s.db.Order("annotator_id, domain").Find(&workers).Error
	return workers, err
}

// WorkerByKey exposes the internal lookup for callers (supervisor,
// watchdog) that need the raw row without the derived-status rule.
func (s *Store) WorkerByKey(k model.Key) (model.Worker, error) {
	return s.workerByKey(s.db, k)
}

// DB exposes the underlying *gorm.DB for the rate limiter, which keeps
// its own table but shares the one-writer-connection discipline.
func (s *Store) DB() *gorm.DB { return s.db }
