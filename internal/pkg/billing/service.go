package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// ErrProfileNotFound marks a data inconsistency: a billing event arrived for
// a customer id with no local profile. The webhook must fail so the provider
// retries; nothing has been committed for the credit path at that point.
var ErrProfileNotFound = errors.New("no profile for billing customer")

// Service applies provider webhook events to local billing state: payment
// and subscription rows via idempotent upserts, and the profile credit
// balance via the reconciliation rules in credits.go.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// ProcessEvent dispatches a normalized event. Unknown types are a no-op.
func (s *Service) ProcessEvent(ctx context.Context, ev *Event) error {
	if ev == nil || !ev.Type.Known() {
		return nil
	}
	switch {
	case ev.Type.IsPayment():
		return s.processPayment(ctx, ev)
	case ev.Type.IsSubscription():
		return s.processSubscription(ctx, ev)
	default:
		return nil
	}
}

// processPayment records the payment row. Payment recording and credit
// accounting are deliberately decoupled: a payment failure cannot corrupt
// credit balances.
func (s *Service) processPayment(ctx context.Context, ev *Event) error {
	_ = ctx
	data := ev.Payment
	payment := &models.Payment{
		PaymentID:     data.PaymentID,
		Status:        strings.ToLower(strings.TrimSpace(data.Status)),
		TotalAmount:   data.TotalAmount,
		Currency:      data.Currency,
		CustomerID:    data.Customer.CustomerID,
		CustomerEmail: data.Customer.Email,
		PaymentMethod: data.PaymentMethod,
		MetadataJSON:  string(ev.Raw),
	}
	if subID := strings.TrimSpace(data.SubscriptionID); subID != "" {
		payment.SubscriptionID = &subID
	}
	if err := s.repo.UpsertPayment(payment); err != nil {
		return fmt.Errorf("upsert payment %s: %w", data.PaymentID, err)
	}
	return nil
}

// processSubscription always upserts the subscription row before any credit
// logic, so the local mirror reflects the latest provider state even if the
// credit step fails and the event is retried.
func (s *Service) processSubscription(ctx context.Context, ev *Event) error {
	data := ev.Subscription
	if err := s.repo.UpsertSubscription(subscriptionFromEvent(ev)); err != nil {
		return fmt.Errorf("upsert subscription %s: %w", data.SubscriptionID, err)
	}

	switch ev.Type {
	case EventSubscriptionActive, EventSubscriptionPlanChanged:
		return s.reconcilePlanChange(ctx, data)
	case EventSubscriptionRenewed:
		return s.reconcileRenewal(ctx, data)
	case EventSubscriptionCancelled:
		// The user keeps access and credits until actual expiration; only the
		// cancellation flags change.
		return s.repo.UpdateSubscriptionCancellation(data.SubscriptionID, data.CancelAtNextBillingDate, data.CancelledAt)
	case EventSubscriptionExpired, EventSubscriptionFailed:
		return s.reconcileDowngrade(ctx, data)
	case EventSubscriptionOnHold:
		return nil
	default:
		return nil
	}
}

// reconcilePlanChange applies the delta between the old and new plan
// allotments instead of overwriting the balance, so mid-cycle upgrades keep
// unused credits. The whole profile write is a single atomic UPDATE.
func (s *Service) reconcilePlanChange(ctx context.Context, data *SubscriptionData) error {
	profile, err := s.lookupProfile(data.Customer.CustomerID)
	if err != nil {
		return err
	}

	newProduct, err := s.repo.GetProduct(data.ProductID)
	if err != nil {
		return fmt.Errorf("product lookup %s: %w", data.ProductID, err)
	}

	oldPlanCredits := s.currentPlanCredits(profile)
	delta := PlanChangeDelta(oldPlanCredits, newProduct.Credits)

	err = s.repo.ApplyPlanChange(profile.ID, delta, ProfileSubscriptionUpdate{
		Tier:           newProduct.Name,
		Interval:       NormalizeInterval(data.PaymentFrequencyInterval),
		SubscriptionID: data.SubscriptionID,
		RenewalDate:    data.NextBillingDate,
	})
	if err != nil {
		return fmt.Errorf("apply plan change for profile %d: %w", profile.ID, err)
	}
	_ = ctx
	return nil
}

// reconcileRenewal resets the balance to the plan's full allotment: renewal
// is a fresh billing cycle, not an adjustment.
func (s *Service) reconcileRenewal(ctx context.Context, data *SubscriptionData) error {
	_ = ctx
	profile, err := s.lookupProfile(data.Customer.CustomerID)
	if err != nil {
		return err
	}
	product, err := s.repo.GetProduct(data.ProductID)
	if err != nil {
		return fmt.Errorf("product lookup %s: %w", data.ProductID, err)
	}
	if err := s.repo.ResetCredits(profile.ID, product.Credits, data.NextBillingDate); err != nil {
		return fmt.Errorf("reset credits for profile %d: %w", profile.ID, err)
	}
	return nil
}

func (s *Service) reconcileDowngrade(ctx context.Context, data *SubscriptionData) error {
	_ = ctx
	profile, err := s.lookupProfile(data.Customer.CustomerID)
	if err != nil {
		return err
	}
	if err := s.repo.DowngradeProfile(profile.ID); err != nil {
		return fmt.Errorf("downgrade profile %d: %w", profile.ID, err)
	}
	return nil
}

func (s *Service) lookupProfile(customerID string) (*models.Profile, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty customer id", ErrProfileNotFound)
	}
	profile, err := s.repo.GetProfileByCustomerID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: customer %s", ErrProfileNotFound, id)
		}
		return nil, err
	}
	return profile, nil
}

// currentPlanCredits resolves the allotment of the plan the profile is on via
// current_subscription_id -> Subscription -> Product. Any miss along the
// chain counts as zero so a first activation grants the full new allotment.
func (s *Service) currentPlanCredits(profile *models.Profile) int64 {
	if profile.CurrentSubscriptionID == nil || *profile.CurrentSubscriptionID == "" {
		return 0
	}
	sub, err := s.repo.GetSubscription(*profile.CurrentSubscriptionID)
	if err != nil {
		log.Warnf("[Billing] Prior subscription %s not found for profile %d: %v", *profile.CurrentSubscriptionID, profile.ID, err)
		return 0
	}
	product, err := s.repo.GetProduct(sub.ProductID)
	if err != nil {
		log.Warnf("[Billing] Prior product %s not found for profile %d: %v", sub.ProductID, profile.ID, err)
		return 0
	}
	return product.Credits
}

// RecordWebhookEvent persists webhook payloads idempotently. The bool result
// reports whether this delivery is the first one for the event id.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

func subscriptionFromEvent(ev *Event) *models.Subscription {
	data := ev.Subscription
	interval := NormalizeInterval(data.PaymentFrequencyInterval)
	if interval == "" {
		interval = models.BillingIntervalUnknown
	}
	quantity := data.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return &models.Subscription{
		SubscriptionID:          data.SubscriptionID,
		CustomerID:              data.Customer.CustomerID,
		CustomerEmail:           data.Customer.Email,
		ProductID:               data.ProductID,
		Status:                  subscriptionStatusForEvent(ev.Type, data.Status),
		BillingInterval:         interval,
		Quantity:                quantity,
		NextBillingDate:         data.NextBillingDate,
		CancelAtNextBillingDate: data.CancelAtNextBillingDate,
		CancelledAt:             data.CancelledAt,
		MetadataJSON:            string(ev.Raw),
	}
}

// subscriptionStatusForEvent prefers the payload status but derives one from
// the event type when the payload omits it.
func subscriptionStatusForEvent(t EventType, payloadStatus string) string {
	if status := strings.ToLower(strings.TrimSpace(payloadStatus)); status != "" {
		return status
	}
	switch t {
	case EventSubscriptionActive, EventSubscriptionPlanChanged, EventSubscriptionRenewed:
		return models.BillingStatusActive
	case EventSubscriptionOnHold:
		return models.BillingStatusOnHold
	case EventSubscriptionCancelled:
		return models.BillingStatusCancelled
	case EventSubscriptionExpired:
		return models.BillingStatusExpired
	case EventSubscriptionFailed:
		return models.BillingStatusFailed
	default:
		return models.BillingStatusActive
	}
}
