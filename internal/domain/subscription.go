package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the status field reported by the student API.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	// StatusExpired is never sent by the API; it is derived from EndDate.
	StatusExpired SubscriptionStatus = "expired"
)

// SubscriptionPackage is a recurring plan a student can subscribe to. Read-only.
type SubscriptionPackage struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	DurationMonths int             `json:"duration"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description,omitempty"`
	PaymentLink    string          `json:"paymentLink,omitempty"`
	PurchaseCount  int             `json:"purchaseCount"`
}

// Subscription is a student's subscription row.
type Subscription struct {
	ID              int64              `json:"id"`
	StudentID       int64              `json:"studentId"`
	PackageID       int64              `json:"packageId"`
	Status          SubscriptionStatus `json:"status"`
	StartDate       time.Time          `json:"startDate"`
	CreatedAt       time.Time          `json:"createdAt"`
	EndDate         time.Time          `json:"endDate"`
	NextBillingDate *time.Time         `json:"nextBillingDate,omitempty"`
}

// Expired reports whether the subscription's period is over at now.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.EndDate.IsZero() && now.After(s.EndDate)
}

// EffectiveStatus is the status as the dashboard should treat it at now.
func (s *Subscription) EffectiveStatus(now time.Time) SubscriptionStatus {
	if s.Expired(now) {
		return StatusExpired
	}
	return s.Status
}

// IsActive reports whether the subscription is active and not past its end date.
func (s *Subscription) IsActive(now time.Time) bool {
	return s != nil && s.EffectiveStatus(now) == StatusActive
}

// CheckoutPhase tracks a pending checkout through reconciliation.
type CheckoutPhase string

const (
	PhasePending   CheckoutPhase = "pending"
	PhaseVerifying CheckoutPhase = "verifying"
	PhaseFinalized CheckoutPhase = "finalized"
	PhaseAbandoned CheckoutPhase = "abandoned"
)

// PendingCheckoutNamespace keys pending checkout records in every store.
const PendingCheckoutNamespace = "classbook.pending_checkout"

// PendingCheckout is written before the webview is sent to a payment provider.
// PackageID is zero for deposits.
type PendingCheckout struct {
	TxRef     string        `json:"txRef"`
	StudentID int64         `json:"studentId"`
	ChatID    string        `json:"chatId"`
	PackageID int64         `json:"packageId,omitempty"`
	Phase     CheckoutPhase `json:"phase"`
	CreatedAt time.Time     `json:"createdAt"`
}

// CheckoutSession is the provider redirect returned by the payments endpoints.
type CheckoutSession struct {
	CheckoutURL string `json:"checkoutUrl"`
	TxRef       string `json:"txRef"`
}

// VerifySessionResult is the verify-session response.
type VerifySessionResult struct {
	Verified     bool          `json:"verified"`
	Finalized    bool          `json:"finalized"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Credit is issued by the API when a plan change leaves unused value.
type Credit struct {
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

// PlanChangeResult is the upgrade/downgrade response.
type PlanChangeResult struct {
	Message string  `json:"message,omitempty"`
	Credit  *Credit `json:"credit,omitempty"`
}

// SubscribeRequest is the validated input for starting a subscription checkout.
type SubscribeRequest struct {
	PackageID int64 `json:"packageId" validate:"required,gt=0"`
}

// PlanChangeRequest is the validated input for upgrades and downgrades.
type PlanChangeRequest struct {
	PackageID int64 `json:"packageId" validate:"required,gt=0"`
}

// DepositRequest is the validated input for a balance deposit.
type DepositRequest struct {
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency string          `json:"currency" validate:"required,len=3,alpha"`
}

// CheckoutResponse tells the webview how the checkout URL was opened.
// OpenedVia is empty when no host method worked and the webview must open URL itself.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	TxRef       string `json:"txRef"`
	OpenedVia   string `json:"openedVia,omitempty"`
}
