package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderDodo = "dodo"
)

const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

const (
	BillingStatusActive    = "active"
	BillingStatusOnHold    = "on_hold"
	BillingStatusCancelled = "cancelled"
	BillingStatusExpired   = "expired"
	BillingStatusFailed    = "failed"
)

// Subscription mirrors one provider subscription. Rows are upserted keyed on
// SubscriptionID and never deleted; expiration/cancellation only changes the
// status and cancellation flags.
type Subscription struct {
	SubscriptionID          string     `gorm:"primaryKey;type:varchar(191)" json:"subscription_id"`
	CustomerID              string     `gorm:"type:varchar(191);not null;index" json:"customer_id"`
	CustomerEmail           string     `gorm:"type:varchar(200);default:''" json:"customer_email"`
	ProductID               string     `gorm:"type:varchar(191);not null;index" json:"product_id"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	BillingInterval         string     `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_interval"`
	Quantity                int        `gorm:"not null;default:1" json:"quantity"`
	NextBillingDate         *time.Time `gorm:"type:timestamp;default:null" json:"next_billing_date,omitempty"`
	CancelAtNextBillingDate bool       `gorm:"default:false" json:"cancel_at_next_billing_date"`
	CancelledAt             *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	MetadataJSON            string     `gorm:"type:longtext" json:"metadata_json"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
