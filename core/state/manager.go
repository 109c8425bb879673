package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"unitpay/core/types"
	"unitpay/native/settlement"
	"unitpay/storage"
)

// Manager provides the keyed-record view of the settlement ledger: the
// configuration singleton, one record per payment, per-identity accounts and
// the payment sequence counter. Keys are keccak256-hashed before insertion
// and values are RLP encoded.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	configKey     = ethcrypto.Keccak256([]byte("settlement/config"))
	sequenceKey   = ethcrypto.Keccak256([]byte("settlement/payment-seq"))
	paymentPrefix = []byte("settlement/payment:")
	accountPrefix = []byte("settlement/account:")
	vaultSeed     = []byte("settlement/vault")
)

func paymentKey(id [32]byte) []byte {
	buf := make([]byte, len(paymentPrefix)+len(id))
	copy(buf, paymentPrefix)
	copy(buf[len(paymentPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

// storedPayment is the RLP wire shape of a payment record. Timestamps are
// persisted as uint64 because RLP has no signed integer encoding.
type storedPayment struct {
	ID          [32]byte
	User        [20]byte
	LP          [20]byte
	Token       string
	Amount      *big.Int
	Timestamp   uint64
	LockTime    uint64
	ReleaseTime uint64
	PlatformFee *big.Int
	PaymentSeed [4]byte
	PaymentType uint8
	Status      uint8
	Disputed    bool
}

// storedConfig keeps the pending fee map as parallel token/amount lists
// sorted by token, keeping the encoding deterministic.
type storedConfig struct {
	Owner         [20]byte
	AllowedTokens []string
	FeeTokens     []string
	FeeAmounts    []*big.Int
}

// storedAccount keeps balances as parallel token/amount lists sorted by
// token, keeping the encoding deterministic.
type storedAccount struct {
	Nonce    uint64
	Tokens   []string
	Balances []*big.Int
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	ok, err := m.db.Has(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	raw, err := m.db.Get(key)
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// PaymentPut validates and persists a payment record.
func (m *Manager) PaymentPut(p *settlement.PaymentRecord) error {
	sanitized, err := settlement.SanitizePayment(p)
	if err != nil {
		return err
	}
	if sanitized.Timestamp < 0 || sanitized.LockTime < 0 || sanitized.ReleaseTime < 0 {
		return fmt.Errorf("state: payment timestamps must be non-negative")
	}
	stored := storedPayment{
		ID:          sanitized.ID,
		User:        sanitized.User,
		LP:          sanitized.LP,
		Token:       sanitized.Token,
		Amount:      sanitized.Amount,
		Timestamp:   uint64(sanitized.Timestamp),
		LockTime:    uint64(sanitized.LockTime),
		ReleaseTime: uint64(sanitized.ReleaseTime),
		PlatformFee: sanitized.PlatformFee,
		PaymentSeed: sanitized.PaymentSeed,
		PaymentType: uint8(sanitized.PaymentType),
		Status:      uint8(sanitized.Status),
		Disputed:    sanitized.Disputed,
	}
	return m.put(paymentKey(sanitized.ID), &stored)
}

// PaymentGet loads a payment record by identifier.
func (m *Manager) PaymentGet(id [32]byte) (*settlement.PaymentRecord, bool) {
	var stored storedPayment
	ok, err := m.get(paymentKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	record := &settlement.PaymentRecord{
		ID:          stored.ID,
		User:        stored.User,
		LP:          stored.LP,
		Token:       stored.Token,
		Amount:      stored.Amount,
		Timestamp:   int64(stored.Timestamp),
		LockTime:    int64(stored.LockTime),
		ReleaseTime: int64(stored.ReleaseTime),
		PlatformFee: stored.PlatformFee,
		PaymentSeed: stored.PaymentSeed,
		PaymentType: settlement.PaymentType(stored.PaymentType),
		Status:      settlement.EscrowStatus(stored.Status),
		Disputed:    stored.Disputed,
	}
	return record, true
}

// NextPaymentSequence increments and returns the monotonically increasing
// payment counter used for identifier derivation.
func (m *Manager) NextPaymentSequence() (uint64, error) {
	var current uint64
	ok, err := m.db.Has(sequenceKey)
	if err != nil {
		return 0, err
	}
	if ok {
		raw, err := m.db.Get(sequenceKey)
		if err != nil {
			return 0, err
		}
		if len(raw) != 8 {
			return 0, fmt.Errorf("state: malformed payment sequence")
		}
		current = binary.BigEndian.Uint64(raw)
	}
	next := current + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := m.db.Put(sequenceKey, buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// ConfigPut validates and persists the configuration singleton.
func (m *Manager) ConfigPut(c *settlement.GlobalConfig) error {
	sanitized, err := settlement.SanitizeConfig(c)
	if err != nil {
		return err
	}
	stored := storedConfig{
		Owner:         sanitized.Owner,
		AllowedTokens: sanitized.AllowedTokens,
	}
	feeTokens := make([]string, 0, len(sanitized.PendingFees))
	for token := range sanitized.PendingFees {
		feeTokens = append(feeTokens, token)
	}
	sort.Strings(feeTokens)
	for _, token := range feeTokens {
		amount := sanitized.PendingFees[token]
		if amount == nil {
			amount = big.NewInt(0)
		}
		stored.FeeTokens = append(stored.FeeTokens, token)
		stored.FeeAmounts = append(stored.FeeAmounts, new(big.Int).Set(amount))
	}
	return m.put(configKey, &stored)
}

// ConfigGet loads the configuration singleton if it exists.
func (m *Manager) ConfigGet() (*settlement.GlobalConfig, bool) {
	var stored storedConfig
	ok, err := m.get(configKey, &stored)
	if err != nil || !ok {
		return nil, false
	}
	if len(stored.FeeTokens) != len(stored.FeeAmounts) {
		return nil, false
	}
	fees := make(map[string]*big.Int, len(stored.FeeTokens))
	for i, token := range stored.FeeTokens {
		amount := stored.FeeAmounts[i]
		if amount == nil {
			amount = big.NewInt(0)
		}
		fees[token] = new(big.Int).Set(amount)
	}
	return &settlement.GlobalConfig{
		Owner:         stored.Owner,
		AllowedTokens: stored.AllowedTokens,
		PendingFees:   fees,
	}, true
}

// ConfigDelete releases the configuration singleton's storage slot.
func (m *Manager) ConfigDelete() error {
	return m.db.Delete(configKey)
}

// VaultAddress derives the deterministic custody address whose balance holds
// escrowed funds. No end-user key corresponds to it; only engine logic can
// author transfers out of it.
func (m *Manager) VaultAddress() ([20]byte, error) {
	hash := ethcrypto.Keccak256(vaultSeed)
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr, nil
}

// GetAccount loads the account stored for the address, returning nil when the
// address has never been funded.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.get(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if len(stored.Tokens) != len(stored.Balances) {
		return nil, fmt.Errorf("state: malformed account record")
	}
	account := &types.Account{Nonce: stored.Nonce, Balances: make(map[string]*big.Int, len(stored.Tokens))}
	for i, token := range stored.Tokens {
		bal := stored.Balances[i]
		if bal == nil {
			bal = big.NewInt(0)
		}
		account.Balances[token] = new(big.Int).Set(bal)
	}
	return account, nil
}

// PutAccount persists the account under the address key. Balances are sorted
// by token before encoding so the stored form is deterministic.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	tokens := make([]string, 0, len(account.Balances))
	for token := range account.Balances {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	stored := storedAccount{
		Nonce:    account.Nonce,
		Tokens:   tokens,
		Balances: make([]*big.Int, 0, len(tokens)),
	}
	for _, token := range tokens {
		bal := account.Balances[token]
		if bal == nil {
			bal = big.NewInt(0)
		}
		if bal.Sign() < 0 {
			return fmt.Errorf("state: negative balance for token %s", token)
		}
		stored.Balances = append(stored.Balances, new(big.Int).Set(bal))
	}
	return m.put(accountKey(addr), &stored)
}
