package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// nonTerminal is the set of stored statuses a reconciliation may leave.
var nonTerminal = []domain.TaskStatus{domain.TaskPending, domain.TaskProcessing}

// CreateTask inserts a new task row.
func CreateTask(ctx context.Context, db *gorm.DB, t *domain.GenerationTask) error {
	return db.WithContext(ctx).Create(t).Error
}

// GetTask loads a task by local id.
func GetTask(ctx context.Context, db *gorm.DB, id string) (*domain.GenerationTask, error) {
	var t domain.GenerationTask
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// FindUserTask resolves ref as either the local id or the vendor handle of
// a task owned by userID.
func FindUserTask(ctx context.Context, db *gorm.DB, userID, ref string) (*domain.GenerationTask, error) {
	var t domain.GenerationTask
	err := db.WithContext(ctx).
		Where("user_id = ? AND (id = ? OR external_handle = ?)", userID, ref, ref).
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkTaskDispatched records the vendor handle and moves a pending task to
// processing. The handle is written only once.
func MarkTaskDispatched(ctx context.Context, db *gorm.DB, id, handle string) error {
	res := db.WithContext(ctx).Model(&domain.GenerationTask{}).
		Where("id = ? AND external_handle IS NULL AND status = ?", id, domain.TaskPending).
		Updates(map[string]any{
			"external_handle": handle,
			"status":          domain.TaskProcessing,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

// CompleteTask moves a non-terminal task to done. It reports false when the
// task had already reached a terminal state.
func CompleteTask(ctx context.Context, db *gorm.DB, id string, meta domain.TaskMetadata, at, expires time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.GenerationTask{}).
		Where("id = ? AND status IN ?", id, nonTerminal).
		Updates(map[string]any{
			"status":       domain.TaskDone,
			"metadata":     datatypes.NewJSONType(meta),
			"progress":     100,
			"completed_at": at,
			"expires_at":   expires,
			"updated_at":   at,
		})
	return res.RowsAffected == 1, res.Error
}

// FailTask moves a non-terminal task to failed with detail.
func FailTask(ctx context.Context, db *gorm.DB, id, detail string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.GenerationTask{}).
		Where("id = ? AND status IN ?", id, nonTerminal).
		Updates(map[string]any{
			"status":       domain.TaskFailed,
			"error_detail": detail,
			"completed_at": at,
			"updated_at":   at,
		})
	return res.RowsAffected == 1, res.Error
}

// UpdateTaskProgress stores vendor progress on a non-terminal task.
func UpdateTaskProgress(ctx context.Context, db *gorm.DB, id string, progress int) error {
	return db.WithContext(ctx).Model(&domain.GenerationTask{}).
		Where("id = ? AND status IN ?", id, nonTerminal).
		Updates(map[string]any{"progress": progress, "updated_at": time.Now().UTC()}).Error
}

// AddTaskRefund accumulates a refund while keeping refunded <= cost_charged.
func AddTaskRefund(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	res := db.WithContext(ctx).Model(&domain.GenerationTask{}).
		Where("id = ? AND refunded + ? <= cost_charged", id, amount).
		Updates(map[string]any{
			"refunded":   gorm.Expr("refunded + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

// MarkTaskVendorDeleted stamps the vendor deletion once.
func MarkTaskVendorDeleted(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.GenerationTask{}).
		Where("id = ? AND vendor_deleted_at IS NULL", id).
		Updates(map[string]any{"vendor_deleted_at": at, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

// taskScope filters a user's tasks, optionally by kind.
func taskScope(db *gorm.DB, userID string, kind domain.JobKind) *gorm.DB {
	db = db.Where("user_id = ?", userID)
	if kind != "" {
		db = db.Where("kind = ?", kind)
	}
	return db
}

// CountTasks returns how many tasks a user owns.
func CountTasks(ctx context.Context, db *gorm.DB, userID string, kind domain.JobKind) (int64, error) {
	var n int64
	err := taskScope(db.WithContext(ctx).Model(&domain.GenerationTask{}), userID, kind).Count(&n).Error
	return n, err
}

// ListTasksPage returns a user's tasks newest first.
func ListTasksPage(ctx context.Context, db *gorm.DB, userID string, kind domain.JobKind, offset, limit int) ([]domain.GenerationTask, error) {
	var out []domain.GenerationTask
	err := taskScope(db.WithContext(ctx).Model(&domain.GenerationTask{}), userID, kind).
		Order("created_at DESC").Order("id").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}
