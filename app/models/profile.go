package models

import "time"

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusInactive = "inactive"
)

const (
	SubscriptionIntervalMonth = "month"
	SubscriptionIntervalYear  = "year"
)

// FreeTierCredits is the fixed allotment a profile falls back to when its
// subscription expires or fails.
const FreeTierCredits = 100

// FreeTierName is the tier written on downgrade.
const FreeTierName = "free"

// Profile carries the billing-facing state of a user: the active tier, the
// credit balance consumed by generations, and the link to the provider
// subscription currently granting that balance. SubscriptionCredits is only
// mutated by the billing reconciliation engine and the generation
// consume/refund path, and never goes negative.
type Profile struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	CustomerID            string     `gorm:"type:varchar(191);index" json:"customer_id"`
	SubscriptionTier      string     `gorm:"type:varchar(100);not null;default:'free'" json:"subscription_tier"`
	SubscriptionStatus    string     `gorm:"type:varchar(20);not null;default:'inactive'" json:"subscription_status"`
	SubscriptionInterval  *string    `gorm:"type:varchar(16);default:null" json:"subscription_interval,omitempty"`
	SubscriptionCredits   int64      `gorm:"not null;default:0" json:"subscription_credits"`
	CurrentSubscriptionID *string    `gorm:"type:varchar(191);default:null;index" json:"current_subscription_id,omitempty"`
	CreditsRenewalDate    *time.Time `gorm:"type:timestamp;default:null" json:"credits_renewal_date,omitempty"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasCredits reports whether the profile can afford the given cost.
func (p *Profile) HasCredits(cost int64) bool {
	return p.SubscriptionCredits >= cost
}
