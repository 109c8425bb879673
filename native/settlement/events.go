package settlement

import (
	"encoding/hex"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"unitpay/core/types"
)

const (
	EventTypePaymentSettled     = "payments.settled"
	EventTypePaymentLocked      = "payments.locked"
	EventTypePaymentConfirmed   = "payments.confirmed"
	EventTypePaymentAutoRelease = "payments.autoReleased"
	EventTypePaymentReleased    = "payments.released"
	EventTypePaymentDisputed    = "payments.disputed"
	EventTypePaymentRefunded    = "payments.refunded"
	EventTypeConfigInitialized  = "payments.configInitialized"
	EventTypeTokenConfigUpdated = "payments.tokenConfigUpdated"
	EventTypeFeesWithdrawn      = "payments.feesWithdrawn"
)

// NewSettledEvent returns the canonical payload for a direct settlement.
func NewSettledEvent(p *PaymentRecord) *types.Event { return newPaymentEvent(EventTypePaymentSettled, p) }

// NewLockedEvent returns the canonical payload emitted when escrow funds are
// locked into the vault.
func NewLockedEvent(p *PaymentRecord) *types.Event { return newPaymentEvent(EventTypePaymentLocked, p) }

// NewConfirmedEvent returns the canonical payload emitted when the user
// confirms a locked payment.
func NewConfirmedEvent(p *PaymentRecord) *types.Event {
	return newPaymentEvent(EventTypePaymentConfirmed, p)
}

// NewAutoReleasedEvent returns the canonical payload emitted when the
// time-gated auto-release confirms a locked payment.
func NewAutoReleasedEvent(p *PaymentRecord) *types.Event {
	return newPaymentEvent(EventTypePaymentAutoRelease, p)
}

// NewReleasedEvent returns the canonical payload for an LP withdrawal.
func NewReleasedEvent(p *PaymentRecord) *types.Event {
	return newPaymentEvent(EventTypePaymentReleased, p)
}

// NewDisputedEvent returns the canonical payload emitted when a payment is
// flagged as disputed.
func NewDisputedEvent(p *PaymentRecord) *types.Event {
	return newPaymentEvent(EventTypePaymentDisputed, p)
}

// NewRefundedEvent returns the canonical payload for an escrow refund to the
// user.
func NewRefundedEvent(p *PaymentRecord) *types.Event {
	return newPaymentEvent(EventTypePaymentRefunded, p)
}

// NewConfigInitializedEvent returns the payload emitted when the
// configuration singleton is created.
func NewConfigInitializedEvent(c *GlobalConfig) *types.Event {
	attrs := configAttributes(c)
	return &types.Event{Type: EventTypeConfigInitialized, Attributes: attrs}
}

// NewTokenConfigUpdatedEvent returns the payload emitted when a token is
// enabled or disabled on the allow-list.
func NewTokenConfigUpdatedEvent(c *GlobalConfig, token string, enabled bool) *types.Event {
	attrs := configAttributes(c)
	attrs["token"] = token
	attrs["enabled"] = strconv.FormatBool(enabled)
	return &types.Event{Type: EventTypeTokenConfigUpdated, Attributes: attrs}
}

// NewFeesWithdrawnEvent returns the payload emitted when the owner collects
// the accumulated platform fees. One amounts attribute carries every
// withdrawn token.
func NewFeesWithdrawnEvent(c *GlobalConfig, amounts map[string]*big.Int) *types.Event {
	attrs := configAttributes(c)
	if rendered := renderFeeMap(amounts); rendered != "" {
		attrs["amounts"] = rendered
	}
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: attrs}
}

func newPaymentEvent(eventType string, p *PaymentRecord) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizePayment(p)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["user"] = hex.EncodeToString(sanitized.User[:])
	attrs["lp"] = hex.EncodeToString(sanitized.LP[:])
	attrs["token"] = sanitized.Token
	attrs["amount"] = sanitized.Amount.String()
	attrs["platformFee"] = sanitized.PlatformFee.String()
	attrs["paymentType"] = sanitized.PaymentType.String()
	attrs["status"] = sanitized.Status.String()
	attrs["timestamp"] = strconv.FormatInt(sanitized.Timestamp, 10)
	if sanitized.LockTime > 0 {
		attrs["lockTime"] = strconv.FormatInt(sanitized.LockTime, 10)
	}
	if sanitized.ReleaseTime > 0 {
		attrs["releaseTime"] = strconv.FormatInt(sanitized.ReleaseTime, 10)
	}
	if sanitized.Disputed {
		attrs["disputed"] = "true"
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func configAttributes(c *GlobalConfig) map[string]string {
	attrs := make(map[string]string)
	if c == nil {
		return attrs
	}
	attrs["owner"] = hex.EncodeToString(c.Owner[:])
	if rendered := renderFeeMap(c.PendingFees); rendered != "" {
		attrs["pendingFees"] = rendered
	}
	return attrs
}

// renderFeeMap flattens a token->amount map into "TOKEN:amount" pairs joined
// by commas, sorted by token for a stable attribute value.
func renderFeeMap(amounts map[string]*big.Int) string {
	tokens := make([]string, 0, len(amounts))
	for token, amount := range amounts {
		if amount != nil && amount.Sign() != 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		parts = append(parts, token+":"+amounts[token].String())
	}
	return strings.Join(parts, ",")
}
