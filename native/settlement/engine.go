package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"unitpay/core/events"
	"unitpay/core/types"
)

// Escrow timing policy. The auto-release delay is shorter than the dispute
// window, and disputing requires a Locked payment, so in practice disputes
// are only possible before auto-release can fire.
const (
	AutoReleaseDelay int64 = 3 * 3600
	WithdrawDelay    int64 = 24 * 3600
	DisputeWindow    int64 = 72 * 3600
)

// Platform fee: 0.5% of the escrowed amount, truncating.
const (
	platformFeeNumerator   = 5
	platformFeeDenominator = 1000
)

var errNilState = errors.New("settlement engine: state not configured")

type engineState interface {
	PaymentPut(*PaymentRecord) error
	PaymentGet(id [32]byte) (*PaymentRecord, bool)
	NextPaymentSequence() (uint64, error)
	ConfigPut(*GlobalConfig) error
	ConfigGet() (*GlobalConfig, bool)
	ConfigDelete() error
	VaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e settlementEvent) Event() *types.Event { return e.evt }

// Engine wires the payment settlement state machine with external state and
// event emitters. Each exported operation is a single synchronous unit of
// work: every precondition is validated before any mutation, and a failed
// precondition leaves the state untouched. Operations are serialized by an
// internal mutex so concurrent submissions against the same record observe
// one winner.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a settlement engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(settlementEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balances: make(map[string]*big.Int)}
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

func (e *Engine) loadConfig() (*GlobalConfig, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, ok := e.state.ConfigGet()
	if !ok {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

func (e *Engine) loadPayment(id [32]byte) (*PaymentRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	payment, ok := e.state.PaymentGet(id)
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (e *Engine) storePayment(p *PaymentRecord) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.PaymentPut(p)
}

// transferToken moves amount of token between two ledger balances, failing
// the whole operation when the source balance is insufficient.
func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("settlement: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	fromBal := fromAcc.Balance(token)
	if fromBal.Cmp(amt) < 0 {
		return fmt.Errorf("%w: token %s", ErrInsufficientFunds, token)
	}
	fromAcc.SetBalance(token, new(big.Int).Sub(fromBal, amt))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	return nil
}

// PlatformFee computes the escrow fee reserved at lock time: 0.5% of the
// amount, truncating.
func PlatformFee(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(platformFeeNumerator))
	return fee.Div(fee, big.NewInt(platformFeeDenominator))
}

// newPaymentID derives a fresh record identifier from the state-managed
// payment sequence. The caller-supplied seed is stored as metadata but plays
// no role in derivation.
func (e *Engine) newPaymentID(user, lp [20]byte) ([32]byte, error) {
	seq, err := e.state.NextPaymentSequence()
	if err != nil {
		return [32]byte{}, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return ethcrypto.Keccak256Hash([]byte("payment"), user[:], lp[:], buf[:]), nil
}

// Initialize creates the configuration singleton with the supplied authority
// as owner and a one-entry allow-list. A second call fails because the record
// already exists.
func (e *Engine) Initialize(authority [20]byte, initialToken string) (*GlobalConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	token, err := NormalizeToken(initialToken)
	if err != nil {
		return nil, err
	}
	if _, ok := e.state.ConfigGet(); ok {
		return nil, ErrAlreadyInitialized
	}
	cfg := &GlobalConfig{
		Owner:         authority,
		AllowedTokens: []string{token},
		PendingFees:   make(map[string]*big.Int),
	}
	if err := e.state.ConfigPut(cfg); err != nil {
		return nil, err
	}
	e.emit(NewConfigInitializedEvent(cfg))
	return cfg.Clone(), nil
}

// UpdateTokenConfig enables or disables a settlement token on the allow-list.
// Only the owner may call it. Enabling checks the capacity cap before the
// membership test; enabling a present token or disabling an absent one is a
// no-op success.
func (e *Engine) UpdateTokenConfig(caller [20]byte, rawToken string, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	token, err := NormalizeToken(rawToken)
	if err != nil {
		return err
	}
	if enable {
		if len(cfg.AllowedTokens) >= MaxAllowedTokens {
			return ErrTokenCapacity
		}
		if cfg.TokenAllowed(token) {
			return nil
		}
		cfg.AllowedTokens = append(cfg.AllowedTokens, token)
	} else {
		if !cfg.TokenAllowed(token) {
			return nil
		}
		kept := cfg.AllowedTokens[:0]
		for _, t := range cfg.AllowedTokens {
			if t != token {
				kept = append(kept, t)
			}
		}
		cfg.AllowedTokens = kept
	}
	if err := e.state.ConfigPut(cfg); err != nil {
		return err
	}
	e.emit(NewTokenConfigUpdatedEvent(cfg, token, enable))
	return nil
}

// WithdrawPlatformFees drains the pending fee accumulator: every token with
// a positive balance is transferred from the vault to the owner and its entry
// zeroed in one step. Fee transfers are always funded because the withdrawal
// that accrued each fee left exactly that amount behind in the vault.
func (e *Engine) WithdrawPlatformFees(caller [20]byte) (map[string]*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if caller != cfg.Owner {
		return nil, fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	tokens := make([]string, 0, len(cfg.PendingFees))
	for token, amount := range cfg.PendingFees {
		if amount != nil && amount.Sign() > 0 {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return nil, ErrNoPendingFees
	}
	sort.Strings(tokens)
	vault, err := e.state.VaultAddress()
	if err != nil {
		return nil, err
	}
	withdrawn := make(map[string]*big.Int, len(tokens))
	for _, token := range tokens {
		amount := cloneBigInt(cfg.PendingFees[token])
		if err := e.transferToken(vault, cfg.Owner, token, amount); err != nil {
			return nil, err
		}
		withdrawn[token] = amount
	}
	cfg.PendingFees = make(map[string]*big.Int)
	if err := e.state.ConfigPut(cfg); err != nil {
		return nil, err
	}
	e.emit(NewFeesWithdrawnEvent(cfg, withdrawn))
	return withdrawn, nil
}

// CloseConfig removes the configuration singleton, releasing its storage
// slot. Only the owner may call it.
func (e *Engine) CloseConfig(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	return e.state.ConfigDelete()
}

func (e *Engine) newPayment(user, lp [20]byte, rawToken string, amount *big.Int, seed [4]byte) (*PaymentRecord, *GlobalConfig, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	token, err := NormalizeToken(rawToken)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.TokenAllowed(token) {
		return nil, nil, fmt.Errorf("%w: %s", ErrTokenNotSupported, token)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, nil, fmt.Errorf("settlement: amount must be positive")
	}
	id, err := e.newPaymentID(user, lp)
	if err != nil {
		return nil, nil, err
	}
	return &PaymentRecord{
		ID:          id,
		User:        user,
		LP:          lp,
		Token:       token,
		Amount:      amt,
		Timestamp:   e.now(),
		PlatformFee: big.NewInt(0),
		PaymentSeed: seed,
	}, cfg, nil
}

// SettlePayment performs an immediate settlement: the full amount moves from
// the user to the LP and the record stays in EscrowNone forever.
func (e *Engine) SettlePayment(user, lp [20]byte, token string, amount *big.Int, seed [4]byte) (*PaymentRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, _, err := e.newPayment(user, lp, token, amount, seed)
	if err != nil {
		return nil, err
	}
	payment.PaymentType = PaymentDirect
	payment.Status = EscrowNone
	if err := e.transferToken(user, lp, payment.Token, payment.Amount); err != nil {
		return nil, err
	}
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	e.emit(NewSettledEvent(payment))
	return payment.Clone(), nil
}

// LockPayment opens the escrow path: the full amount moves from the user into
// the vault, the platform fee is reserved, and the record enters Locked.
func (e *Engine) LockPayment(user, lp [20]byte, token string, amount *big.Int, seed [4]byte) (*PaymentRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, _, err := e.newPayment(user, lp, token, amount, seed)
	if err != nil {
		return nil, err
	}
	payment.PaymentType = PaymentEscrow
	payment.Status = EscrowLocked
	payment.LockTime = payment.Timestamp
	payment.PlatformFee = PlatformFee(payment.Amount)
	vault, err := e.state.VaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferToken(user, vault, payment.Token, payment.Amount); err != nil {
		return nil, err
	}
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	e.emit(NewLockedEvent(payment))
	return payment.Clone(), nil
}

// ConfirmPayment lets the paying user authorize withdrawal of a locked
// escrow. No funds move; the release clock starts.
func (e *Engine) ConfirmPayment(caller [20]byte, id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, err := e.loadPayment(id)
	if err != nil {
		return err
	}
	if payment.Status != EscrowLocked {
		return fmt.Errorf("%w: cannot confirm %s payment", ErrInvalidState, payment.Status)
	}
	if caller != payment.User {
		return fmt.Errorf("%w: user required", ErrUnauthorized)
	}
	payment.ReleaseTime = e.now()
	payment.Status = EscrowConfirmed
	if err := e.storePayment(payment); err != nil {
		return err
	}
	e.emit(NewConfirmedEvent(payment))
	return nil
}

// AutoReleasePayment confirms a locked escrow once the auto-release delay has
// elapsed. The transition is permissionless: any caller may trigger it, the
// gate is purely the time predicate.
func (e *Engine) AutoReleasePayment(id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, err := e.loadPayment(id)
	if err != nil {
		return err
	}
	if payment.Status != EscrowLocked {
		return fmt.Errorf("%w: cannot auto-release %s payment", ErrInvalidState, payment.Status)
	}
	now := e.now()
	if now < payment.LockTime+AutoReleaseDelay {
		return fmt.Errorf("%w: auto-release at %d", ErrNotDueYet, payment.LockTime+AutoReleaseDelay)
	}
	payment.ReleaseTime = now
	payment.Status = EscrowConfirmed
	if err := e.storePayment(payment); err != nil {
		return err
	}
	e.emit(NewAutoReleasedEvent(payment))
	return nil
}

// WithdrawPayment pays out a confirmed escrow to the LP after the withdrawal
// cooldown: amount minus fee leaves the vault, and the fee is added to the
// pending accumulator in the same step.
func (e *Engine) WithdrawPayment(caller [20]byte, id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, err := e.loadPayment(id)
	if err != nil {
		return err
	}
	if payment.Status != EscrowConfirmed {
		return fmt.Errorf("%w: cannot withdraw %s payment", ErrInvalidState, payment.Status)
	}
	now := e.now()
	if now < payment.ReleaseTime+WithdrawDelay {
		return fmt.Errorf("%w: withdrawal at %d", ErrNotDueYet, payment.ReleaseTime+WithdrawDelay)
	}
	if caller != payment.LP {
		return fmt.Errorf("%w: lp required", ErrUnauthorized)
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	payout := new(big.Int).Sub(cloneBigInt(payment.Amount), cloneBigInt(payment.PlatformFee))
	if payout.Sign() < 0 {
		return fmt.Errorf("settlement: fee exceeds amount")
	}
	if err := e.transferToken(vault, payment.LP, payment.Token, payout); err != nil {
		return err
	}
	if cfg.PendingFees == nil {
		cfg.PendingFees = make(map[string]*big.Int)
	}
	cfg.PendingFees[payment.Token] = new(big.Int).Add(cfg.PendingFee(payment.Token), cloneBigInt(payment.PlatformFee))
	if err := e.state.ConfigPut(cfg); err != nil {
		return err
	}
	payment.Status = EscrowReleased
	if err := e.storePayment(payment); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(payment))
	return nil
}

// DisputePayment flags a locked escrow as disputed. Only the user or the LP
// may dispute, only while the payment is still Locked, and only inside the
// dispute window. A second dispute is rejected rather than silently
// succeeding.
func (e *Engine) DisputePayment(caller [20]byte, id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, err := e.loadPayment(id)
	if err != nil {
		return err
	}
	if payment.Status != EscrowLocked {
		return fmt.Errorf("%w: cannot dispute %s payment", ErrInvalidState, payment.Status)
	}
	if payment.Disputed {
		return ErrAlreadyDisputed
	}
	if e.now() > payment.LockTime+DisputeWindow {
		return fmt.Errorf("%w: window ended at %d", ErrWindowClosed, payment.LockTime+DisputeWindow)
	}
	if caller != payment.User && caller != payment.LP {
		return fmt.Errorf("%w: dispute participant required", ErrUnauthorized)
	}
	payment.Disputed = true
	if err := e.storePayment(payment); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(payment))
	return nil
}

// RefundPayment returns the full escrowed amount to the user, bypassing fee
// collection. The caller's identity is not constrained beyond being a valid
// signer; the dispute flag is the sole authorization gate. A disputed payment
// stays refundable after confirmation, because the vault still holds the
// funds until the LP withdraws; only Released and Refunded are terminal.
func (e *Engine) RefundPayment(_ [20]byte, id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, err := e.loadPayment(id)
	if err != nil {
		return err
	}
	if !payment.Disputed {
		return ErrNotDisputed
	}
	if payment.Status != EscrowLocked && payment.Status != EscrowConfirmed {
		return fmt.Errorf("%w: cannot refund %s payment", ErrInvalidState, payment.Status)
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := e.transferToken(vault, payment.User, payment.Token, payment.Amount); err != nil {
		return err
	}
	payment.Status = EscrowRefunded
	if err := e.storePayment(payment); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(payment))
	return nil
}

// Payment returns a copy of the stored payment record.
func (e *Engine) Payment(id [32]byte) (*PaymentRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	return payment.Clone(), nil
}

// Config returns a copy of the configuration singleton.
func (e *Engine) Config() (*GlobalConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}
