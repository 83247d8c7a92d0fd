// Package events implements the idempotent subscription-events intake from
// spec.md §4.10: signature verification, at-most-once dispatch, and the
// owner billing-state side effects each event type carries.
package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/quota"
)

// DefaultSkew is the default allowed clock skew between the event's
// timestamp and the receiver's clock.
const DefaultSkew = 5 * time.Minute

// Event types recognised by Dispatch, per spec.md §4.10 step 4.
const (
	TypeSubscriptionCreated    = "subscription.created"
	TypeSubscriptionDeleted    = "subscription.deleted"
	TypePaymentFailed          = "payment.failed"
	TypePaymentSucceeded       = "payment.succeeded"
	TypeInstrumentAttached     = "payment_instrument.attached"
	TypeInstrumentDetached     = "payment_instrument.detached"
)

// Payload is the parsed body of one inbound event. The concrete JSON shape
// is the external billing system's; handlers only need the fields below.
type Payload struct {
	OwnerID        string `json:"owner_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Verifier checks the HMAC-SHA-256 signature spec.md §4.10 step 1
// specifies: a constant-time compare over "<timestamp>.<raw body>", with no
// third-party library involved because none of the example stack covers
// HMAC — this is the one ambient concern left to crypto/hmac.
type Verifier struct {
	secret []byte
	skew   time.Duration
	clock  func() time.Time
}

func NewVerifier(secret []byte, skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{secret: secret, skew: skew, clock: time.Now}
}

// Verify checks sig against HMAC-SHA-256(secret, "<timestamp>.<body>") and
// that timestamp falls within the allowed skew window of now.
func (v *Verifier) Verify(timestamp string, body []byte, sig string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperr.Validation("INVALID_SIGNATURE", "malformed timestamp")
	}
	eventTime := time.Unix(ts, 0)
	if math.Abs(v.clock().Sub(eventTime).Seconds()) > v.skew.Seconds() {
		return apperr.Validation("INVALID_SIGNATURE", "timestamp outside allowed skew")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperr.Validation("INVALID_SIGNATURE", "signature mismatch")
	}
	return nil
}

// Dispatcher processes verified events idempotently against the event and
// owner stores. The GRACE transition on a payment-failed event goes through
// the same quota.Gate the admission path uses, so the grace window it
// applies is always the one the deployment configured rather than a second,
// independently-drifting copy of that number.
type Dispatcher struct {
	events domain.EventStore
	owners domain.OwnerStore
	gate   *quota.Gate
	clock  func() time.Time
	log    *zap.Logger
}

func NewDispatcher(events domain.EventStore, owners domain.OwnerStore, gate *quota.Gate, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{events: events, owners: owners, gate: gate, clock: time.Now, log: log}
}

// Status is what Dispatch reports back to the HTTP layer.
type Status string

const (
	StatusProcessed        Status = "processed"
	StatusAlreadyProcessed Status = "already_processed"
)

// Dispatch runs steps 2-5 of spec.md §4.10 for one already-signature-verified
// event.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID, eventType string, rawPayload []byte, payload Payload) (Status, error) {
	if existing, err := d.events.Get(ctx, eventID); err == nil && existing.Processed {
		return StatusAlreadyProcessed, nil
	}

	row := &domain.SubscriptionEvent{
		EventID:   eventID,
		Type:      eventType,
		Payload:   rawPayload,
		Processed: false,
		CreatedAt: d.clock(),
	}
	if err := d.events.Save(ctx, row); err != nil {
		return "", apperr.StorageDeferred("persisting event row", err)
	}

	if err := d.apply(ctx, eventType, payload); err != nil {
		row.Error = err.Error()
		_ = d.events.Save(ctx, row)
		d.log.Warn("events: handler failed, event left unprocessed for retry",
			zap.String("event_id", eventID), zap.String("type", eventType), zap.Error(err))
		return "", err
	}

	now := d.clock()
	row.Processed = true
	row.ProcessedAt = &now
	if err := d.events.Save(ctx, row); err != nil {
		return "", apperr.StorageDeferred("marking event processed", err)
	}
	return StatusProcessed, nil
}

func (d *Dispatcher) apply(ctx context.Context, eventType string, payload Payload) error {
	switch eventType {
	case TypeSubscriptionCreated:
		return d.updateOwner(ctx, payload.OwnerID, func(o *domain.Owner) {
			o.State = domain.BillingActive
			o.SubscriptionID = payload.SubscriptionID
		})

	case TypeSubscriptionDeleted:
		return d.updateOwner(ctx, payload.OwnerID, func(o *domain.Owner) {
			o.State = domain.BillingFree
			o.SubscriptionID = ""
		})

	case TypePaymentFailed:
		return d.gate.BeginGrace(ctx, payload.OwnerID)

	case TypePaymentSucceeded:
		return d.updateOwner(ctx, payload.OwnerID, func(o *domain.Owner) {
			if o.State == domain.BillingGrace || o.State == domain.BillingSuspended {
				o.State = domain.BillingActive
			}
			o.GraceDeadline = nil
		})

	case TypeInstrumentAttached:
		return d.updateOwner(ctx, payload.OwnerID, func(o *domain.Owner) { o.HasPaymentInstrument = true })

	case TypeInstrumentDetached:
		return d.updateOwner(ctx, payload.OwnerID, func(o *domain.Owner) { o.HasPaymentInstrument = false })

	default:
		// Unknown types: no-op, return success (spec.md §4.10 step 4).
		return nil
	}
}

func (d *Dispatcher) updateOwner(ctx context.Context, ownerID string, mutate func(*domain.Owner)) error {
	owner, err := d.owners.Get(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolving owner %q: %w", ownerID, err)
	}
	mutate(owner)
	return d.owners.Save(ctx, owner)
}
