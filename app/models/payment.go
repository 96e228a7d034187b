package models

import "time"

const (
	PaymentStatusSucceeded  = "succeeded"
	PaymentStatusFailed     = "failed"
	PaymentStatusProcessing = "processing"
	PaymentStatusCancelled  = "cancelled"
)

// Payment mirrors one provider payment. Upserted keyed on PaymentID so a
// redelivered event rewrites the same row; status may still move from
// processing to a terminal state.
type Payment struct {
	PaymentID      string    `gorm:"primaryKey;type:varchar(191)" json:"payment_id"`
	Status         string    `gorm:"type:varchar(32);not null;index" json:"status"`
	TotalAmount    int64     `gorm:"not null;default:0" json:"total_amount"`
	Currency       string    `gorm:"type:varchar(8);not null;default:'USD'" json:"currency"`
	CustomerID     string    `gorm:"type:varchar(191);not null;index" json:"customer_id"`
	CustomerEmail  string    `gorm:"type:varchar(200);default:''" json:"customer_email"`
	SubscriptionID *string   `gorm:"type:varchar(191);default:null;index" json:"subscription_id,omitempty"`
	PaymentMethod  string    `gorm:"type:varchar(64);default:''" json:"payment_method"`
	MetadataJSON   string    `gorm:"type:longtext" json:"metadata_json"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
