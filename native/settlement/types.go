package settlement

import (
	"fmt"
	"math/big"
	"strings"
)

// PaymentType distinguishes immediate settlements from escrowed ones. The
// type is fixed at creation and never changes.
type PaymentType uint8

const (
	PaymentDirect PaymentType = iota
	PaymentEscrow
)

// EscrowStatus represents the lifecycle states of a payment record. Direct
// payments stay in EscrowNone forever; escrow payments traverse
// Locked -> Confirmed -> Released, or exit through Refunded after a dispute.
type EscrowStatus uint8

const (
	EscrowNone EscrowStatus = iota
	EscrowLocked
	EscrowConfirmed
	EscrowReleased
	EscrowRefunded
)

// String returns the canonical lowercase name used in events and RPC
// responses.
func (s EscrowStatus) String() string {
	switch s {
	case EscrowNone:
		return "none"
	case EscrowLocked:
		return "locked"
	case EscrowConfirmed:
		return "confirmed"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowNone, EscrowLocked, EscrowConfirmed, EscrowReleased, EscrowRefunded:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name of the payment type.
func (t PaymentType) String() string {
	switch t {
	case PaymentDirect:
		return "direct"
	case PaymentEscrow:
		return "escrow"
	default:
		return "unknown"
	}
}

// Valid reports whether the payment type is within the supported range.
func (t PaymentType) Valid() bool {
	return t == PaymentDirect || t == PaymentEscrow
}

// PaymentRecord captures one settlement between a user (payer) and an LP
// (payee). Records are created at settle/lock time and mutated through the
// lifecycle but never deleted; the store doubles as the audit trail.
//
// PaymentSeed is a caller-supplied correlation tag carried as opaque
// metadata; the engine does not use it for identifier derivation or
// deduplication.
type PaymentRecord struct {
	ID          [32]byte
	User        [20]byte
	LP          [20]byte
	Token       string
	Amount      *big.Int
	Timestamp   int64
	LockTime    int64
	ReleaseTime int64
	PlatformFee *big.Int
	PaymentSeed [4]byte
	PaymentType PaymentType
	Status      EscrowStatus
	Disputed    bool
}

// Clone returns a deep copy of the payment record so callers can safely
// mutate the copy without affecting the stored instance.
func (p *PaymentRecord) Clone() *PaymentRecord {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if p.PlatformFee != nil {
		clone.PlatformFee = new(big.Int).Set(p.PlatformFee)
	} else {
		clone.PlatformFee = big.NewInt(0)
	}
	return &clone
}

// SanitizePayment validates and normalises the supplied payment record,
// returning a cloned instance with canonical token casing and non-nil amount
// fields. The function does not mutate the original value.
func SanitizePayment(p *PaymentRecord) (*PaymentRecord, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payment record")
	}
	clone := p.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("payment amount must be non-negative")
	}
	if clone.PlatformFee.Sign() < 0 {
		return nil, fmt.Errorf("payment fee must be non-negative")
	}
	if !clone.PaymentType.Valid() {
		return nil, fmt.Errorf("invalid payment type: %d", clone.PaymentType)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid payment status: %d", clone.Status)
	}
	return clone, nil
}

// MaxAllowedTokens caps the allow-list so the configuration record keeps a
// fixed, bounded storage footprint.
const MaxAllowedTokens = 10

// GlobalConfig is the singleton configuration record owned by the deploying
// authority. PendingFees accumulates platform fees collected at withdrawal
// time, keyed by settlement token so fees settled in different tokens stay
// individually withdrawable; an owner fee withdrawal drains and zeroes every
// entry atomically.
type GlobalConfig struct {
	Owner         [20]byte
	AllowedTokens []string
	PendingFees   map[string]*big.Int
}

// Clone returns a deep copy of the configuration record.
func (c *GlobalConfig) Clone() *GlobalConfig {
	if c == nil {
		return nil
	}
	clone := &GlobalConfig{Owner: c.Owner}
	clone.AllowedTokens = append([]string(nil), c.AllowedTokens...)
	clone.PendingFees = make(map[string]*big.Int, len(c.PendingFees))
	for token, amount := range c.PendingFees {
		if amount == nil {
			amount = big.NewInt(0)
		}
		clone.PendingFees[token] = new(big.Int).Set(amount)
	}
	return clone
}

// PendingFee returns the accumulated fee for the given token, treating
// missing entries as zero. The returned value is a copy.
func (c *GlobalConfig) PendingFee(token string) *big.Int {
	if c == nil {
		return big.NewInt(0)
	}
	if amount, ok := c.PendingFees[token]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

// TokenAllowed reports whether the token is present on the allow-list. The
// token is expected to be in canonical form.
func (c *GlobalConfig) TokenAllowed(token string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.AllowedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// SanitizeConfig validates and normalises the configuration record,
// canonicalising token casing and deduplicating the allow-list while
// preserving order.
func SanitizeConfig(c *GlobalConfig) (*GlobalConfig, error) {
	if c == nil {
		return nil, fmt.Errorf("nil global config")
	}
	clone := c.Clone()
	if len(clone.AllowedTokens) > MaxAllowedTokens {
		return nil, fmt.Errorf("allow-list exceeds %d entries", MaxAllowedTokens)
	}
	seen := make(map[string]struct{}, len(clone.AllowedTokens))
	normalized := make([]string, 0, len(clone.AllowedTokens))
	for _, raw := range clone.AllowedTokens {
		token, err := NormalizeToken(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		normalized = append(normalized, token)
	}
	clone.AllowedTokens = normalized
	fees := make(map[string]*big.Int, len(clone.PendingFees))
	for raw, amount := range clone.PendingFees {
		token, err := NormalizeToken(raw)
		if err != nil {
			return nil, err
		}
		if amount == nil {
			amount = big.NewInt(0)
		}
		if amount.Sign() < 0 {
			return nil, fmt.Errorf("pending fees must be non-negative")
		}
		if existing, ok := fees[token]; ok {
			amount = new(big.Int).Add(existing, amount)
		}
		fees[token] = amount
	}
	clone.PendingFees = fees
	return clone, nil
}

// NormalizeToken canonicalises a token symbol to its trimmed uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("token symbol must not be empty")
	}
	return trimmed, nil
}
