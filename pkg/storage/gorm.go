package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/security"
)

// defaultLockTTL bounds slot ownership when a claim does not specify one.
const defaultLockTTL = 5 * time.Minute

// GormStorage implements core.Storage using GORM. All state guards (status
// and slot ownership) are enforced in WHERE clauses so that concurrent slots
// never race each other through application memory.
type GormStorage struct {
	db *gorm.DB
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.WorkUnit{},
		&core.Event{},
		&core.CostEntry{},
		&core.Checkpoint{},
		&core.Run{},
	)
}

// CreateUnit persists a new work unit, filling defaults.
func (s *GormStorage) CreateUnit(ctx context.Context, unit *core.WorkUnit) error {
	if unit.ID == "" {
		unit.ID = uuid.New().String()
	}
	if unit.Status == "" {
		unit.Status = core.StatusPending
	}
	if unit.LineageID == "" {
		unit.LineageID = unit.ID
	}
	return s.db.WithContext(ctx).Create(unit).Error
}

// GetUnit retrieves a work unit by id.
func (s *GormStorage) GetUnit(ctx context.Context, id string) (*core.WorkUnit, error) {
	var unit core.WorkUnit
	err := s.db.WithContext(ctx).First(&unit, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ListUnits returns units matching the filter in submission order.
func (s *GormStorage) ListUnits(ctx context.Context, filter core.UnitFilter) ([]*core.WorkUnit, error) {
	q := s.db.WithContext(ctx).Model(&core.WorkUnit{})

	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Class != "" {
		q = q.Where("resource_class = ?", filter.Class)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}

	if filter.Limit == 0 {
		q = q.Limit(200)
	} else if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var units []*core.WorkUnit
	err := q.Order("created_at ASC").Find(&units).Error
	return units, err
}

// CountUnitsByStatus returns per-status unit counts for a run.
func (s *GormStorage) CountUnitsByStatus(ctx context.Context, runID string) (map[core.Status]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	q := s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Select("status, count(*) as count").
		Group("status")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[core.Status]int64, len(rows))
	for _, r := range rows {
		counts[core.Status(r.Status)] = r.Count
	}
	return counts, nil
}

// MarkQueued admits a pending unit onto its class queue.
func (s *GormStorage) MarkQueued(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND status = ?", id, core.StatusPending).
		Updates(map[string]any{
			"status":          core.StatusQueued,
			"previous_status": core.StatusPending,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority, oldest queued unit of
// the class and moves it to Running owned by slotID. Units with a pause
// request, and units whose AvailableAt lies in the future (retry backoff),
// are skipped and stay queued. Returns (nil, nil) when nothing is ready.
func (s *GormStorage) ClaimNext(ctx context.Context, class core.ResourceClass, slotID string, lockTTL time.Duration) (*core.WorkUnit, error) {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	var unit core.WorkUnit
	now := time.Now()
	lockUntil := now.Add(lockTTL)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("resource_class = ?", class).
			Where("status = ?", core.StatusQueued).
			Where("pause_requested = ?", false).
			Where("available_at IS NULL OR available_at <= ?", now).
			Order("priority DESC, created_at ASC").
			First(&unit)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		unit.PreviousStatus = unit.Status
		unit.Status = core.StatusRunning
		unit.LockedBy = slotID
		unit.LockedUntil = &lockUntil
		unit.StartedAt = &now

		return tx.Save(&unit).Error
	})

	if err != nil {
		return nil, err
	}
	if unit.ID == "" {
		return nil, nil
	}
	return &unit, nil
}

// CompleteUnit marks a running unit completed with its serialized result.
// Validates that the slot owns the unit.
func (s *GormStorage) CompleteUnit(ctx context.Context, id, slotID string, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, slotID, core.StatusRunning).
		Updates(map[string]any{
			"status":          core.StatusCompleted,
			"previous_status": core.StatusRunning,
			"result":          result,
			"completed_at":    now,
			"locked_by":       "",
			"locked_until":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrUnitNotOwned
	}
	return nil
}

// FailUnit marks a unit failed. With a non-empty slotID it requires
// ownership of a running unit; with an empty slotID it fails a unit that
// never started (admission rejection). Error messages are sanitized before
// storage.
func (s *GormStorage) FailUnit(ctx context.Context, id, slotID string, kind core.FailureKind, msg string) error {
	now := time.Now()
	updates := map[string]any{
		"status":       core.StatusFailed,
		"failure_kind": kind,
		"last_error":   security.SanitizeErrorMessage(msg),
		"completed_at": now,
		"locked_by":    "",
		"locked_until": nil,
	}

	q := s.db.WithContext(ctx).Model(&core.WorkUnit{})
	if slotID != "" {
		q = q.Where("id = ? AND locked_by = ? AND status = ?", id, slotID, core.StatusRunning)
		updates["previous_status"] = core.StatusRunning
	} else {
		q = q.Where("id = ? AND status IN ?", id, []core.Status{core.StatusPending, core.StatusQueued})
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if slotID != "" {
			return core.ErrUnitNotOwned
		}
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// CancelUnit marks a unit cancelled, with the same ownership semantics as
// FailUnit.
func (s *GormStorage) CancelUnit(ctx context.Context, id, slotID string, msg string) error {
	now := time.Now()
	updates := map[string]any{
		"status":       core.StatusCancelled,
		"failure_kind": core.FailureCancelled,
		"last_error":   security.SanitizeErrorMessage(msg),
		"completed_at": now,
		"locked_by":    "",
		"locked_until": nil,
	}

	q := s.db.WithContext(ctx).Model(&core.WorkUnit{})
	if slotID != "" {
		q = q.Where("id = ? AND locked_by = ? AND status = ?", id, slotID, core.StatusRunning)
		updates["previous_status"] = core.StatusRunning
	} else {
		q = q.Where("id = ? AND status IN ?", id, []core.Status{core.StatusPending, core.StatusQueued, core.StatusPaused})
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if slotID != "" {
			return core.ErrUnitNotOwned
		}
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// PauseUnit parks a running unit at a checkpoint. Validates ownership and
// clears the pause request along with the slot lock.
func (s *GormStorage) PauseUnit(ctx context.Context, id, slotID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, slotID, core.StatusRunning).
		Updates(map[string]any{
			"status":          core.StatusPaused,
			"previous_status": core.StatusRunning,
			"pause_requested": false,
			"locked_by":       "",
			"locked_until":    nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrUnitNotOwned
	}
	return nil
}

// ResumeUnit moves a paused unit back onto its class queue.
func (s *GormStorage) ResumeUnit(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND status = ?", id, core.StatusPaused).
		Updates(map[string]any{
			"status":          core.StatusQueued,
			"previous_status": core.StatusPaused,
			"pause_requested": false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag on a non-terminal unit.
func (s *GormStorage) RequestCancel(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses()).
		Update("cancel_requested", true).Error
}

// RequestPause sets the cooperative pause flag on a non-terminal unit.
func (s *GormStorage) RequestPause(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses()).
		Update("pause_requested", true).Error
}

// ClearPauseRequest clears the pause flag without touching status, for
// resume requests against units that never reached a checkpoint.
func (s *GormStorage) ClearPauseRequest(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ?", id).
		Update("pause_requested", false).Error
}

// Heartbeat extends the owning slot's lock on a running unit.
func (s *GormStorage) Heartbeat(ctx context.Context, id, slotID string, extend time.Duration) error {
	if extend <= 0 {
		extend = defaultLockTTL
	}
	now := time.Now()
	lockUntil := now.Add(extend)
	return s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ? AND locked_by = ?", id, slotID).
		Updates(map[string]any{
			"locked_until":      lockUntil,
			"last_heartbeat_at": now,
		}).Error
}

// ReleaseStaleLocks re-queues running units whose lock expired, e.g. after
// a process crash. The claim that created the lock is forgotten; the unit
// becomes claimable again.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("status = ?", core.StatusRunning).
		Where("locked_until < ?", time.Now()).
		Updates(map[string]any{
			"status":          core.StatusQueued,
			"previous_status": core.StatusRunning,
			"locked_by":       "",
			"locked_until":    nil,
		})
	return result.RowsAffected, result.Error
}

// AddUnitCost increments the unit's mirrored cost totals.
func (s *GormStorage) AddUnitCost(ctx context.Context, id string, tokensIn, tokensOut int64, usd float64) error {
	return s.db.WithContext(ctx).
		Model(&core.WorkUnit{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"tokens_in":  gorm.Expr("tokens_in + ?", tokensIn),
			"tokens_out": gorm.Expr("tokens_out + ?", tokensOut),
			"cost_usd":   gorm.Expr("cost_usd + ?", usd),
		}).Error
}

// AppendEvent appends an event to the durable log. The database assigns
// Sequence atomically via the autoincrement key.
func (s *GormStorage) AppendEvent(ctx context.Context, event *core.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

// EventsSince returns stored events with sequence > sinceSeq matching the
// filter, in sequence order.
func (s *GormStorage) EventsSince(ctx context.Context, sinceSeq int64, filter core.EventFilter, limit int) ([]*core.Event, error) {
	q := s.db.WithContext(ctx).
		Model(&core.Event{}).
		Where("sequence > ?", sinceSeq)

	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.WorkUnitID != "" {
		q = q.Where("work_unit_id = ?", filter.WorkUnitID)
	}
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}

	if limit <= 0 {
		limit = 500
	}

	var events []*core.Event
	err := q.Order("sequence ASC").Limit(limit).Find(&events).Error
	return events, err
}

// LatestSequence returns the highest assigned event sequence, or zero for
// an empty log.
func (s *GormStorage) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).
		Model(&core.Event{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&seq).Error
	return seq, err
}

// PruneEvents deletes events older than the cutoff.
func (s *GormStorage) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&core.Event{})
	return result.RowsAffected, result.Error
}

// RecordCost inserts a ledger entry. Returns false when the
// (work_unit_id, call_index) pair was already recorded; the insert is
// ignored and totals are unchanged.
func (s *GormStorage) RecordCost(ctx context.Context, entry *core.CostEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "work_unit_id"}, {Name: "call_index"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// NextCallIndex returns the first unused ledger call index for a unit.
func (s *GormStorage) NextCallIndex(ctx context.Context, unitID string) (int, error) {
	var next int
	err := s.db.WithContext(ctx).
		Model(&core.CostEntry{}).
		Where("work_unit_id = ?", unitID).
		Select("COALESCE(MAX(call_index) + 1, 0)").
		Scan(&next).Error
	return next, err
}

// CostTotals sums the recorded ledger entries for a run.
func (s *GormStorage) CostTotals(ctx context.Context, runID string) (core.CostTotals, error) {
	var totals core.CostTotals
	q := s.db.WithContext(ctx).
		Model(&core.CostEntry{}).
		Select("COALESCE(SUM(tokens_in), 0) as tokens_in, COALESCE(SUM(tokens_out), 0) as tokens_out, COALESCE(SUM(usd), 0) as usd")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	err := q.Scan(&totals).Error
	return totals, err
}

// SaveCheckpoint records a completed executor phase. Saving the same phase
// twice keeps the first record.
func (s *GormStorage) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "work_unit_id"}, {Name: "phase"}},
			DoNothing: true,
		}).
		Create(cp).Error
}

// GetCheckpoint retrieves one phase checkpoint, or nil if the phase has not
// completed.
func (s *GormStorage) GetCheckpoint(ctx context.Context, unitID, phase string) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	err := s.db.WithContext(ctx).
		Where("work_unit_id = ? AND phase = ?", unitID, phase).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints retrieves all checkpoints for a unit in completion order.
func (s *GormStorage) ListCheckpoints(ctx context.Context, unitID string) ([]core.Checkpoint, error) {
	var checkpoints []core.Checkpoint
	err := s.db.WithContext(ctx).
		Where("work_unit_id = ?", unitID).
		Order("created_at ASC").
		Find(&checkpoints).Error
	return checkpoints, err
}

// DeleteCheckpoints removes all checkpoints for a unit.
func (s *GormStorage) DeleteCheckpoints(ctx context.Context, unitID string) error {
	return s.db.WithContext(ctx).
		Where("work_unit_id = ?", unitID).
		Delete(&core.Checkpoint{}).Error
}

// CreateRun persists a new run record.
func (s *GormStorage) CreateRun(ctx context.Context, run *core.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

// GetRun retrieves a run by id.
func (s *GormStorage) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var run core.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListActiveRuns returns runs with no completion stamp, oldest first.
func (s *GormStorage) ListActiveRuns(ctx context.Context) ([]*core.Run, error) {
	var runs []*core.Run
	err := s.db.WithContext(ctx).
		Where("completed_at IS NULL").
		Order("started_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// FinishRun stamps the run's completion time once.
func (s *GormStorage) FinishRun(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND completed_at IS NULL", id).
		Update("completed_at", time.Now().UTC()).Error
}

// transitionFailure distinguishes a missing unit from an illegal transition
// after a guarded update matched no rows.
func (s *GormStorage) transitionFailure(ctx context.Context, id string) error {
	if _, err := s.GetUnit(ctx, id); err != nil {
		return err
	}
	return core.ErrInvalidTransition
}

func terminalStatuses() []core.Status {
	return []core.Status{core.StatusCompleted, core.StatusFailed, core.StatusCancelled}
}
