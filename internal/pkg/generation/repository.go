package generation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"gorm.io/gorm"
)

// ErrInsufficientCredits is returned when a submission cannot be afforded.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Repository provides DB operations used by the generation service.
type Repository interface {
	CreateJob(job *models.GenerationJob) error
	GetJob(id uint) (*models.GenerationJob, error)
	GetJobByUUID(uuid string) (*models.GenerationJob, error)
	SetJobDispatched(id uint, predictionID string) error
	MarkJobFailed(id uint, errorMessage string) (bool, error)
	CompleteJob(id uint, outputURLs []string) error
	ConsumeCredits(userID uint, cost int64) error
	RefundCredits(userID uint, amount int64) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a generation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateJob(job *models.GenerationJob) error {
	return r.db.Create(job).Error
}

func (r *gormRepository) GetJob(id uint) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.db.First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) GetJobByUUID(uuid string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.db.Where("uuid = ?", uuid).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *gormRepository) SetJobDispatched(id uint, predictionID string) error {
	return r.db.Model(&models.GenerationJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"prediction_id": predictionID,
			"status":        models.GenerationJobStatusProcessing,
		}).Error
}

// MarkJobFailed flips the job to failed with a conditional UPDATE, like
// ConsumeCredits below. The bool result reports whether this call performed
// the transition; false means the job was already terminal and the caller
// must not refund.
func (r *gormRepository) MarkJobFailed(id uint, errorMessage string) (bool, error) {
	now := time.Now()
	tx := r.db.Model(&models.GenerationJob{}).
		Where("id = ? AND status NOT IN ?", id, []models.GenerationJobStatus{
			models.GenerationJobStatusSucceeded,
			models.GenerationJobStatusFailed,
		}).
		Updates(map[string]interface{}{
			"status":        models.GenerationJobStatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CompleteJob(id uint, outputURLs []string) error {
	raw, err := json.Marshal(outputURLs)
	if err != nil {
		return err
	}
	now := time.Now()
	return r.db.Model(&models.GenerationJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.GenerationJobStatusSucceeded,
			"output_urls":   string(raw),
			"error_message": "",
			"completed_at":  &now,
		}).Error
}

// ConsumeCredits debits the balance with a conditional UPDATE so concurrent
// submissions cannot overdraw.
func (r *gormRepository) ConsumeCredits(userID uint, cost int64) error {
	tx := r.db.Model(&models.Profile{}).
		Where("user_id = ? AND subscription_credits >= ?", userID, cost).
		Update("subscription_credits", gorm.Expr("subscription_credits - ?", cost))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

func (r *gormRepository) RefundCredits(userID uint, amount int64) error {
	tx := r.db.Model(&models.Profile{}).
		Where("user_id = ?", userID).
		Update("subscription_credits", gorm.Expr("subscription_credits + ?", amount))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
