package payments

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default bounds for a single payment intent. Amounts are in major
// currency units (dollars, not cents). Instances override them through
// payments.min_amount / payments.max_amount in their config.
const (
	MinAmount = 0.50
	MaxAmount = 10000.0
)

// Limits bounds the amount of a single intent. The zero value means
// the package defaults.
type Limits struct {
	Min float64
	Max float64
}

func (l Limits) min() float64 {
	if l.Min > 0 {
		return l.Min
	}
	return MinAmount
}

func (l Limits) max() float64 {
	if l.Max > 0 {
		return l.Max
	}
	return MaxAmount
}

// IntentRequest describes a payment between two stakeholders.
type IntentRequest struct {
	Amount   float64
	Currency string
	PayerID  string
	PayeeID  string
}

// Intent is the provider's acknowledgement of a created payment.
type Intent struct {
	ID        string
	Status    string
	Amount    float64
	Currency  string
	CreatedAt time.Time
}

// Provider creates payment intents. Mock and real implementations
// honor the same contract; validation happens before any provider call.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// ValidationError reports a request that fails the payment contract.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "payment validation: " + e.Reason
}

// Validate checks the intent request against the contract shared by all
// providers: amount within bounds, currency whitelisted, payer and
// payee distinct and present.
func Validate(req IntentRequest, limits Limits, currencyAllowed func(string) bool) error {
	if req.PayerID == "" || req.PayeeID == "" {
		return ValidationError{Reason: "payerId and payeeId are required"}
	}
	if req.PayerID == req.PayeeID {
		return ValidationError{Reason: "payer and payee must differ"}
	}
	if req.Amount < limits.min() {
		return ValidationError{Reason: fmt.Sprintf("amount %.2f below minimum %.2f", req.Amount, limits.min())}
	}
	if req.Amount > limits.max() {
		return ValidationError{Reason: fmt.Sprintf("amount %.2f above maximum %.2f", req.Amount, limits.max())}
	}
	if req.Currency == "" {
		return ValidationError{Reason: "currency is required"}
	}
	if currencyAllowed != nil && !currencyAllowed(req.Currency) {
		return ValidationError{Reason: fmt.Sprintf("currency %s not permitted", req.Currency)}
	}
	return nil
}

// Mock is an in-memory provider for development and tests.
type Mock struct {
	count atomic.Int64
	// FailWith, when set, makes every call return this error.
	FailWith error
}

func (m *Mock) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if m.FailWith != nil {
		return Intent{}, m.FailWith
	}
	m.count.Add(1)
	return Intent{
		ID:        "pi_mock_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%.2f|%d", req.PayerID, req.PayeeID, req.Amount, m.count.Load()))).String(),
		Status:    "requires_confirmation",
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Calls reports how many intents the mock has created.
func (m *Mock) Calls() int64 { return m.count.Load() }
