package models

import "time"

// Product is a subscription plan in the billing provider's catalog. Credits
// is the plan allotment granted per billing cycle; the reconciliation engine
// reads it to compute plan-change deltas and renewal resets.
type Product struct {
	ProductID       string    `gorm:"primaryKey;type:varchar(191)" json:"product_id"`
	Name            string    `gorm:"type:varchar(150);not null" json:"name"`
	Credits         int64     `gorm:"not null;default:0" json:"credits"`
	BillingInterval string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	PriceAmount     int64     `gorm:"not null;default:0" json:"price_amount"`
	Currency        string    `gorm:"type:varchar(8);not null;default:'USD'" json:"currency"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
