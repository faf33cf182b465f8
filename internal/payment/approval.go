package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProspectivePayment is what the approval callback is asked to authorize.
type ProspectivePayment struct {
	AccountID        string
	ResourceName     string
	PaymentRequestID string
	Amount           decimal.Decimal
	Currency         string
	Network          string
	Destination      string
}

// ApprovalFunc decides whether a prospective payment may proceed.
type ApprovalFunc func(ctx context.Context, p ProspectivePayment) (bool, error)

// DefaultMaxAutoApprove is the largest amount DefaultApproval accepts.
var DefaultMaxAutoApprove = decimal.NewFromInt(1)

// DefaultApproval approves payments of at most DefaultMaxAutoApprove.
func DefaultApproval(_ context.Context, p ProspectivePayment) (bool, error) {
	return p.Amount.LessThanOrEqual(DefaultMaxAutoApprove), nil
}

// MaxAmountApproval approves payments of at most max.
func MaxAmountApproval(max decimal.Decimal) ApprovalFunc {
	return func(_ context.Context, p ProspectivePayment) (bool, error) {
		return p.Amount.LessThanOrEqual(max), nil
	}
}
