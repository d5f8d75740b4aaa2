// Package order implements the trade lifecycle state machine. Transition
// rules live as pure methods on Order; the service applies them inside a
// single transaction per operation so a transition either fully commits or
// fully fails.
package order

import (
	"errors"
	"strings"
	"time"
)

// Type distinguishes whether the maker is buying or selling the asset.
type Type string

const (
	TypeBuy  Type = "buy"
	TypeSell Type = "sell"
)

// Status is the order lifecycle state. Completed, cancelled, and arbitrated
// are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusMatched    Status = "matched"
	StatusPaid       Status = "paid"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
	StatusArbitrated Status = "arbitrated"
)

var (
	ErrInvalidAmount         = errors.New("order: invalid amount")
	ErrInvalidPrice          = errors.New("order: invalid price")
	ErrInvalidLimit          = errors.New("order: invalid limit values")
	ErrInvalidExpiry         = errors.New("order: expiry not in the future")
	ErrPaymentMethodTooLong  = errors.New("order: payment method too long")
	ErrInvalidPaymentMethod  = errors.New("order: unsupported payment method")
	ErrOrderExists           = errors.New("order: order id already exists")
	ErrOrderNotFound         = errors.New("order: not found")
	ErrOrderNotPending       = errors.New("order: not pending")
	ErrOrderAlreadyTaken     = errors.New("order: already taken")
	ErrOrderExpired          = errors.New("order: expired")
	ErrOrderNotMatched       = errors.New("order: not matched")
	ErrOrderNotPaid          = errors.New("order: not paid")
	ErrOrderNotDisputed      = errors.New("order: not disputed")
	ErrOrderCannotCancel     = errors.New("order: cannot be cancelled")
	ErrNotAuthorized         = errors.New("order: not authorized")
	ErrNotBuyer              = errors.New("order: caller is not the buyer")
	ErrNotSeller             = errors.New("order: caller is not the seller")
	ErrNotParticipant        = errors.New("order: caller is not a participant")
	ErrUserBanned            = errors.New("order: user is banned")
)

// MaxPaymentMethodLen bounds the payment method string.
const MaxPaymentMethodLen = 16

var paymentMethods = map[string]bool{
	"SOL":     true,
	"USDT":    true,
	"USDC":    true,
	"ALIPAY":  true,
	"WECHAT":  true,
	"BANK":    true,
	"PAYPAL":  true,
	"REVOLUT": true,
}

// ValidPaymentMethod reports whether method names a supported off-band rail.
func ValidPaymentMethod(method string) bool {
	return paymentMethods[strings.ToUpper(method)]
}

// Order is the primary transaction record.
type Order struct {
	OrderID       int64
	Maker         string
	Taker         *string
	Type          Type
	AssetID       string
	Amount        int64
	Price         int64
	PaymentMethod string
	Status        Status
	CancelReason  *string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	MinLimit      int64
	MaxLimit      int64
}

// CreateParams carries maker input for a new order.
type CreateParams struct {
	OrderID       int64
	Maker         string
	AssetID       string
	Amount        int64
	Price         int64
	PaymentMethod string
	MinLimit      int64
	MaxLimit      int64
	ExpiresAt     time.Time
}

// New validates maker input and builds a pending order. All input-validation
// errors reject here, before anything is written.
func New(typ Type, p CreateParams, now time.Time) (Order, error) {
	if p.Amount <= 0 {
		return Order{}, ErrInvalidAmount
	}
	if p.Price <= 0 {
		return Order{}, ErrInvalidPrice
	}
	if p.MinLimit <= 0 || p.MaxLimit < p.MinLimit {
		return Order{}, ErrInvalidLimit
	}
	// A sell order is taken at exactly its escrowed amount, so a band that
	// excludes the amount would make the order untakeable from the start.
	if typ == TypeSell && (p.Amount < p.MinLimit || p.Amount > p.MaxLimit) {
		return Order{}, ErrInvalidLimit
	}
	if len(p.PaymentMethod) > MaxPaymentMethodLen {
		return Order{}, ErrPaymentMethodTooLong
	}
	if !ValidPaymentMethod(p.PaymentMethod) {
		return Order{}, ErrInvalidPaymentMethod
	}
	if !p.ExpiresAt.After(now) {
		return Order{}, ErrInvalidExpiry
	}

	return Order{
		OrderID:       p.OrderID,
		Maker:         p.Maker,
		Type:          typ,
		AssetID:       p.AssetID,
		Amount:        p.Amount,
		Price:         p.Price,
		PaymentMethod: strings.ToUpper(p.PaymentMethod),
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     p.ExpiresAt,
		MinLimit:      p.MinLimit,
		MaxLimit:      p.MaxLimit,
	}, nil
}

// BuyerID is the buyer-role party: the maker of a buy order, the taker of a
// sell order. Empty until the order is matched for sell orders.
func (o *Order) BuyerID() string {
	if o.Type == TypeBuy {
		return o.Maker
	}
	if o.Taker != nil {
		return *o.Taker
	}
	return ""
}

// SellerID is the seller-role party, symmetric to BuyerID.
func (o *Order) SellerID() string {
	if o.Type == TypeSell {
		return o.Maker
	}
	if o.Taker != nil {
		return *o.Taker
	}
	return ""
}

// IsParticipant reports whether id is the maker or the set taker.
func (o *Order) IsParticipant(id string) bool {
	if id == "" {
		return false
	}
	return id == o.Maker || (o.Taker != nil && id == *o.Taker)
}

// Expired reports whether the order can no longer be taken.
func (o *Order) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Take matches the order with a counterparty. The taker fixes the final
// amount: freely within the limit band for a buy order, exactly the escrowed
// amount for a sell order (the custody already holds that much).
func (o *Order) Take(taker string, amount int64, now time.Time) error {
	if o.Status != StatusPending {
		return ErrOrderNotPending
	}
	if o.Taker != nil {
		return ErrOrderAlreadyTaken
	}
	if taker == "" || taker == o.Maker {
		return ErrNotAuthorized
	}
	if o.Expired(now) {
		return ErrOrderExpired
	}
	if amount < o.MinLimit || amount > o.MaxLimit {
		return ErrInvalidAmount
	}
	if o.Type == TypeSell && amount != o.Amount {
		return ErrInvalidAmount
	}

	o.Taker = &taker
	o.Amount = amount
	o.Status = StatusMatched
	return nil
}

// ConfirmPayment records that the buyer-role party sent the off-band payment.
func (o *Order) ConfirmPayment(caller string) error {
	if o.Status != StatusMatched {
		return ErrOrderNotMatched
	}
	if caller != o.BuyerID() {
		return ErrNotBuyer
	}
	o.Status = StatusPaid
	return nil
}

// Release lets the seller-role party complete the trade once paid.
func (o *Order) Release(caller string) error {
	if o.Status != StatusPaid {
		return ErrOrderNotPaid
	}
	if caller != o.SellerID() {
		return ErrNotSeller
	}
	o.Status = StatusCompleted
	return nil
}

// Cancel aborts an untraded order. Allowed for either party while pending,
// or in the degenerate matched-without-taker state.
func (o *Order) Cancel(caller, reason string) error {
	if caller != o.Maker && !(o.Taker != nil && caller == *o.Taker) {
		return ErrNotAuthorized
	}
	switch {
	case o.Status == StatusPending:
	case o.Status == StatusMatched && o.Taker == nil:
	default:
		return ErrOrderCannotCancel
	}
	o.Status = StatusCancelled
	if reason != "" {
		o.CancelReason = &reason
	}
	return nil
}

// Dispute suspends normal progress while an arbitration runs. Only a
// participant of a matched or paid order may raise one.
func (o *Order) Dispute(plaintiff string) error {
	if o.Status != StatusMatched && o.Status != StatusPaid {
		return ErrOrderNotMatched
	}
	if !o.IsParticipant(plaintiff) {
		return ErrNotParticipant
	}
	o.Status = StatusDisputed
	return nil
}

// Arbitrate closes a disputed order with the arbitrator's ruling applied.
func (o *Order) Arbitrate() error {
	if o.Status != StatusDisputed {
		return ErrOrderNotDisputed
	}
	o.Status = StatusArbitrated
	return nil
}

// Counterparty returns the other participant relative to id.
func (o *Order) Counterparty(id string) string {
	if id == o.Maker && o.Taker != nil {
		return *o.Taker
	}
	if o.Taker != nil && id == *o.Taker {
		return o.Maker
	}
	return ""
}
