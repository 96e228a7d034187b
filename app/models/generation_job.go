package models

import "time"

// GenerationJobStatus defines the lifecycle of a generation job.
type GenerationJobStatus string

const (
	GenerationJobStatusPending    GenerationJobStatus = "pending"
	GenerationJobStatusProcessing GenerationJobStatus = "processing"
	GenerationJobStatusSucceeded  GenerationJobStatus = "succeeded"
	GenerationJobStatusFailed     GenerationJobStatus = "failed"
)

// GenerationJob tracks one image/video generation request from submission to
// terminal state. CreditCost is the amount debited at submission and refunded
// if the job fails.
type GenerationJob struct {
	ID           uint                `gorm:"primaryKey" json:"id"`
	UUID         string              `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	UserID       uint                `gorm:"not null;index" json:"user_id"`
	Prompt       string              `gorm:"type:text;not null" json:"prompt"`
	Model        string              `gorm:"type:varchar(150);not null" json:"model"`
	Kind         string              `gorm:"type:varchar(16);not null;default:'image'" json:"kind"`
	Status       GenerationJobStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	CreditCost   int64               `gorm:"not null;default:0" json:"credit_cost"`
	PredictionID string              `gorm:"type:varchar(191);default:'';index" json:"prediction_id"`
	OutputURLs   string              `gorm:"type:longtext" json:"output_urls"`
	ErrorMessage string              `gorm:"type:text" json:"error_message"`
	CompletedAt  *time.Time          `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt    time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether further webhook processing for this job must be
// suppressed.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == GenerationJobStatusSucceeded || j.Status == GenerationJobStatusFailed
}
