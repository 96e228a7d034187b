package billing

import (
	"encoding/json"
	"time"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/cache"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const productCacheTTL = 5 * time.Minute

// ProfileSubscriptionUpdate carries the profile fields rewritten alongside a
// plan activation or change.
type ProfileSubscriptionUpdate struct {
	Tier           string
	Interval       string
	SubscriptionID string
	RenewalDate    *time.Time
}

// Repository provides DB operations used by the billing service.
type Repository interface {
	UpsertPayment(p *models.Payment) error
	UpsertSubscription(s *models.Subscription) error
	GetSubscription(subscriptionID string) (*models.Subscription, error)
	UpdateSubscriptionCancellation(subscriptionID string, cancelAtNext bool, cancelledAt *time.Time) error
	GetProduct(productID string) (*models.Product, error)
	GetProfileByCustomerID(customerID string) (*models.Profile, error)
	ApplyPlanChange(profileID uint, creditDelta int64, upd ProfileSubscriptionUpdate) error
	ResetCredits(profileID uint, credits int64, renewalDate *time.Time) error
	DowngradeProfile(profileID uint) error
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) UpsertPayment(p *models.Payment) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "payment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"total_amount",
			"currency",
			"customer_id",
			"customer_email",
			"subscription_id",
			"payment_method",
			"metadata_json",
			"updated_at",
		}),
	}).Create(p).Error
}

func (r *gormRepository) UpsertSubscription(s *models.Subscription) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_id",
			"customer_email",
			"product_id",
			"status",
			"billing_interval",
			"quantity",
			"next_billing_date",
			"cancel_at_next_billing_date",
			"cancelled_at",
			"metadata_json",
			"updated_at",
		}),
	}).Create(s).Error
}

func (r *gormRepository) GetSubscription(subscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("subscription_id = ?", subscriptionID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpdateSubscriptionCancellation(subscriptionID string, cancelAtNext bool, cancelledAt *time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("subscription_id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"status":                      models.BillingStatusCancelled,
			"cancel_at_next_billing_date": cancelAtNext,
			"cancelled_at":                cancelledAt,
		}).Error
}

// GetProduct serves plan allotment lookups through a short-lived Redis cache;
// any cache failure falls through to the database.
func (r *gormRepository) GetProduct(productID string) (*models.Product, error) {
	cacheKey := "product:" + productID
	if raw, err := cache.Get(cacheKey); err == nil {
		var product models.Product
		if err := json.Unmarshal([]byte(raw), &product); err == nil {
			return &product, nil
		}
	}

	var product models.Product
	if err := r.db.Where("product_id = ?", productID).First(&product).Error; err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(&product); err == nil {
		if err := cache.Set(cacheKey, raw, productCacheTTL); err != nil {
			log.Debugf("[Billing] Product cache write failed for %s: %v", productID, err)
		}
	}
	return &product, nil
}

func (r *gormRepository) GetProfileByCustomerID(customerID string) (*models.Profile, error) {
	var profile models.Profile
	if err := r.db.Where("customer_id = ?", customerID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// ApplyPlanChange rewrites the subscription fields and adjusts the credit
// balance in one UPDATE; GREATEST keeps the balance floored at zero even for
// a large negative delta.
func (r *gormRepository) ApplyPlanChange(profileID uint, creditDelta int64, upd ProfileSubscriptionUpdate) error {
	return r.db.Model(&models.Profile{}).
		Where("id = ?", profileID).
		Updates(map[string]interface{}{
			"subscription_credits":    gorm.Expr("GREATEST(0, subscription_credits + ?)", creditDelta),
			"subscription_status":     models.SubscriptionStatusActive,
			"subscription_tier":       upd.Tier,
			"subscription_interval":   nullableString(upd.Interval),
			"current_subscription_id": upd.SubscriptionID,
			"credits_renewal_date":    upd.RenewalDate,
		}).Error
}

func (r *gormRepository) ResetCredits(profileID uint, credits int64, renewalDate *time.Time) error {
	return r.db.Model(&models.Profile{}).
		Where("id = ?", profileID).
		Updates(map[string]interface{}{
			"subscription_credits": credits,
			"subscription_status":  models.SubscriptionStatusActive,
			"credits_renewal_date": renewalDate,
		}).Error
}

func (r *gormRepository) DowngradeProfile(profileID uint) error {
	return r.db.Model(&models.Profile{}).
		Where("id = ?", profileID).
		Updates(map[string]interface{}{
			"subscription_credits":    models.FreeTierCredits,
			"subscription_tier":       models.FreeTierName,
			"subscription_status":     models.SubscriptionStatusInactive,
			"subscription_interval":   nil,
			"current_subscription_id": nil,
			"credits_renewal_date":    nil,
		}).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
