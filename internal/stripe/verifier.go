package stripe

import (
	"context"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/coachdesk/server/internal/metrics"
)

// VerificationStatus is the tri-state outcome of asking Stripe about a session.
type VerificationStatus string

const (
	// StatusApproved means the session is paid or complete.
	StatusApproved VerificationStatus = "approved"
	// StatusNotApproved means Stripe answered and the session is not paid.
	StatusNotApproved VerificationStatus = "not_approved"
	// StatusIndeterminate means Stripe could not be asked. Never treated as approval.
	StatusIndeterminate VerificationStatus = "indeterminate"
)

// Verification is the verifier's answer plus the checkout details needed downstream.
type Verification struct {
	Status        VerificationStatus
	SessionID     string
	UserID        string // session metadata userId
	AmountCents   int64
	Currency      string
	CustomerEmail string
	Livemode      bool
	PaymentStatus string
	SessionStatus string
}

// Approved reports whether the session may be reconciled.
func (v Verification) Approved() bool {
	return v.Status == StatusApproved
}

// SessionGetter retrieves a checkout session. *Client satisfies it.
type SessionGetter interface {
	GetSession(ctx context.Context, sessionID string) (*stripeapi.CheckoutSession, error)
}

// Verifier asks Stripe whether a checkout session was paid.
type Verifier struct {
	sessions            SessionGetter
	testModeAutoApprove bool
	metrics             *metrics.Metrics
}

// NewVerifier creates a Verifier. With testModeAutoApprove every non-livemode
// session is approved regardless of its payment status.
func NewVerifier(sessions SessionGetter, testModeAutoApprove bool, m *metrics.Metrics) *Verifier {
	return &Verifier{sessions: sessions, testModeAutoApprove: testModeAutoApprove, metrics: m}
}

// Verify retrieves the session and classifies it. A retrieval failure yields
// StatusIndeterminate together with the error.
func (v *Verifier) Verify(ctx context.Context, sessionID string) (Verification, error) {
	s, err := v.sessions.GetSession(ctx, sessionID)
	if err != nil {
		v.metrics.ObserveVerification(string(StatusIndeterminate))
		return Verification{Status: StatusIndeterminate, SessionID: sessionID}, err
	}
	out := classify(s, v.testModeAutoApprove)
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	v.metrics.ObserveVerification(string(out.Status))
	return out, nil
}

// VerifyOwned is Verify plus an ownership check: a session whose metadata
// userId differs from userID is never approved.
func (v *Verifier) VerifyOwned(ctx context.Context, sessionID, userID string) (Verification, error) {
	out, err := v.Verify(ctx, sessionID)
	if err != nil {
		return out, err
	}
	if out.Approved() && out.UserID != userID {
		out.Status = StatusNotApproved
	}
	return out, nil
}

func classify(s *stripeapi.CheckoutSession, testModeAutoApprove bool) Verification {
	out := Verification{
		Status:        StatusNotApproved,
		SessionID:     s.ID,
		AmountCents:   s.AmountTotal,
		Currency:      strings.ToLower(string(s.Currency)),
		CustomerEmail: s.CustomerEmail,
		Livemode:      s.Livemode,
		PaymentStatus: string(s.PaymentStatus),
		SessionStatus: string(s.Status),
	}
	if s.Metadata != nil {
		out.UserID = s.Metadata[MetadataUserID]
	}
	if out.CustomerEmail == "" && s.CustomerDetails != nil {
		out.CustomerEmail = s.CustomerDetails.Email
	}

	switch {
	case s.PaymentStatus == stripeapi.CheckoutSessionPaymentStatusPaid:
		out.Status = StatusApproved
	case s.Status == stripeapi.CheckoutSessionStatusComplete:
		out.Status = StatusApproved
	case !s.Livemode && testModeAutoApprove:
		out.Status = StatusApproved
	}
	return out
}
