package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient wraps stripe-go for the pickup payment flow: funds are held
// when the customer books, captured when the pickup completes, and released
// when the job is cancelled.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env
// var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual so the pickup
// price is reserved without being taken. It returns the PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, amountMinor int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Verify reports whether the intent reached a state that counts as paid for
// dispatch purposes: the hold is in place or already captured.
func (s *StripeClient) Verify(ctx context.Context, paymentIntentID string) (bool, error) {
	pi, err := paymentintent.Get(paymentIntentID, nil)
	if err != nil {
		return false, err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return true, nil
	}
	return false, nil
}

// Capture finalizes a held PaymentIntent once the pickup is done.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Release cancels the hold so the customer is never charged.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
