package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"unitpay/crypto"
	"unitpay/native/settlement"
)

const (
	codeSettlementInvalidParams = -32021
	codeSettlementNotFound      = -32022
	codeSettlementForbidden     = -32023
	codeSettlementConflict      = -32024
	codeSettlementInternal      = -32025
)

type initializeParams struct {
	Authority string `json:"authority"`
	Token     string `json:"token"`
}

type tokenConfigParams struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
	Enable bool   `json:"enable"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

type paymentParams struct {
	User   string `json:"user"`
	LP     string `json:"lp"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Seed   string `json:"seed,omitempty"`
}

type paymentIDParams struct {
	ID string `json:"id"`
}

type paymentActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type paymentJSON struct {
	ID          string `json:"id"`
	User        string `json:"user"`
	LP          string `json:"lp"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Timestamp   int64  `json:"timestamp"`
	LockTime    int64  `json:"lockTime,omitempty"`
	ReleaseTime int64  `json:"releaseTime,omitempty"`
	PlatformFee string `json:"platformFee"`
	Seed        string `json:"seed"`
	PaymentType string `json:"paymentType"`
	Status      string `json:"status"`
	Disputed    bool   `json:"disputed"`
}

type configJSON struct {
	Owner         string            `json:"owner"`
	AllowedTokens []string          `json:"allowedTokens"`
	PendingFees   map[string]string `json:"pendingFees"`
}

type tokenListJSON struct {
	Tokens []string `json:"tokens"`
}

type pendingFeesJSON struct {
	PendingFees map[string]string `json:"pendingFees"`
}

type feesWithdrawnJSON struct {
	Amounts map[string]string `json:"amounts"`
}

func paymentToJSON(p *settlement.PaymentRecord) paymentJSON {
	out := paymentJSON{
		ID:          hex.EncodeToString(p.ID[:]),
		User:        crypto.NewAddress(crypto.UnitPayPrefix, p.User[:]).String(),
		LP:          crypto.NewAddress(crypto.UnitPayPrefix, p.LP[:]).String(),
		Token:       p.Token,
		Timestamp:   p.Timestamp,
		LockTime:    p.LockTime,
		ReleaseTime: p.ReleaseTime,
		Seed:        hex.EncodeToString(p.PaymentSeed[:]),
		PaymentType: p.PaymentType.String(),
		Status:      p.Status.String(),
		Disputed:    p.Disputed,
	}
	if p.Amount != nil {
		out.Amount = p.Amount.String()
	}
	if p.PlatformFee != nil {
		out.PlatformFee = p.PlatformFee.String()
	}
	return out
}

func configToJSON(c *settlement.GlobalConfig) configJSON {
	return configJSON{
		Owner:         crypto.NewAddress(crypto.UnitPayPrefix, c.Owner[:]).String(),
		AllowedTokens: append([]string(nil), c.AllowedTokens...),
		PendingFees:   feeMapToJSON(c.PendingFees),
	}
}

func feeMapToJSON(amounts map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(amounts))
	for token, amount := range amounts {
		if amount == nil {
			amount = big.NewInt(0)
		}
		out[token] = amount.String()
	}
	return out
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseSeed(value string) ([4]byte, error) {
	var seed [4]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return seed, nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(trimmed, "0x"))
	if err != nil {
		return seed, fmt.Errorf("invalid seed: %w", err)
	}
	if len(decoded) != 4 {
		return seed, fmt.Errorf("seed must be 4 bytes")
	}
	copy(seed[:], decoded)
	return seed, nil
}

func parsePaymentID(value string) ([32]byte, error) {
	var id [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid payment id: %w", err)
	}
	if len(decoded) != 32 {
		return id, fmt.Errorf("payment id must be 32 bytes")
	}
	copy(id[:], decoded)
	return id, nil
}

// conditionOf names the failed precondition for metrics and error payloads.
func conditionOf(err error) string {
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, settlement.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, settlement.ErrNotDueYet):
		return "not_due_yet"
	case errors.Is(err, settlement.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, settlement.ErrTokenNotSupported):
		return "token_not_supported"
	case errors.Is(err, settlement.ErrTokenCapacity):
		return "capacity_exceeded"
	case errors.Is(err, settlement.ErrNotDisputed):
		return "not_disputed"
	case errors.Is(err, settlement.ErrAlreadyDisputed):
		return "already_disputed"
	case errors.Is(err, settlement.ErrNoPendingFees):
		return "no_pending_fees"
	case errors.Is(err, settlement.ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, settlement.ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, settlement.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "internal"
	}
}

func settlementErrorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, settlement.ErrPaymentNotFound), errors.Is(err, settlement.ErrNotInitialized):
		return http.StatusNotFound, codeSettlementNotFound
	case errors.Is(err, settlement.ErrUnauthorized):
		return http.StatusForbidden, codeSettlementForbidden
	case errors.Is(err, settlement.ErrTokenNotSupported):
		return http.StatusBadRequest, codeSettlementInvalidParams
	case errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrNotDueYet),
		errors.Is(err, settlement.ErrWindowClosed),
		errors.Is(err, settlement.ErrTokenCapacity),
		errors.Is(err, settlement.ErrNotDisputed),
		errors.Is(err, settlement.ErrAlreadyDisputed),
		errors.Is(err, settlement.ErrNoPendingFees),
		errors.Is(err, settlement.ErrAlreadyInitialized),
		errors.Is(err, settlement.ErrInsufficientFunds):
		return http.StatusConflict, codeSettlementConflict
	default:
		return http.StatusInternalServerError, codeSettlementInternal
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, method string, err error) {
	condition := conditionOf(err)
	status, code := settlementErrorStatus(err)
	s.metrics.RecordError(method, condition)
	writeError(w, status, req.ID, code, condition, err.Error())
}

func (s *Server) writeInvalidParams(w http.ResponseWriter, req *RPCRequest, method string, err error) {
	s.metrics.RecordError(method, "invalid_params")
	writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", err.Error())
}

func (s *Server) observe(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveRequest(method, outcome, time.Since(start))
}

func (s *Server) publishPendingFees() {
	cfg, err := s.engine.Config()
	if err != nil {
		return
	}
	for _, token := range cfg.AllowedTokens {
		s.metrics.SetPendingFees(token, cfg.PendingFee(token))
	}
	for token, amount := range cfg.PendingFees {
		s.metrics.SetPendingFees(token, amount)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_initialize"
	start := time.Now()
	var params initializeParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	authority, err := parseAddress(params.Authority)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	cfg, err := s.engine.Initialize(authority, params.Token)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, configToJSON(cfg))
}

func (s *Server) handleUpdateTokenConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_updateTokenConfig"
	start := time.Now()
	var params tokenConfigParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	err = s.engine.UpdateTokenConfig(caller, params.Token, params.Enable)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	cfg, err := s.engine.Config()
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, configToJSON(cfg))
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_withdrawFees"
	start := time.Now()
	var params callerParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	amounts, err := s.engine.WithdrawPlatformFees(caller)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	s.publishPendingFees()
	writeResult(w, req.ID, feesWithdrawnJSON{Amounts: feeMapToJSON(amounts)})
}

func (s *Server) handleCloseConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_closeConfig"
	start := time.Now()
	var params callerParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	err = s.engine.CloseConfig(caller)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) decodePaymentParams(w http.ResponseWriter, req *RPCRequest, method string) ([20]byte, [20]byte, string, *big.Int, [4]byte, bool) {
	var params paymentParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return [20]byte{}, [20]byte{}, "", nil, [4]byte{}, false
	}
	user, err := parseAddress(params.User)
	if err != nil {
		s.writeInvalidParams(w, req, method, fmt.Errorf("user: %w", err))
		return [20]byte{}, [20]byte{}, "", nil, [4]byte{}, false
	}
	lp, err := parseAddress(params.LP)
	if err != nil {
		s.writeInvalidParams(w, req, method, fmt.Errorf("lp: %w", err))
		return [20]byte{}, [20]byte{}, "", nil, [4]byte{}, false
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return [20]byte{}, [20]byte{}, "", nil, [4]byte{}, false
	}
	seed, err := parseSeed(params.Seed)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return [20]byte{}, [20]byte{}, "", nil, [4]byte{}, false
	}
	return user, lp, params.Token, amount, seed, true
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_settle"
	start := time.Now()
	user, lp, token, amount, seed, ok := s.decodePaymentParams(w, req, method)
	if !ok {
		return
	}
	payment, err := s.engine.SettlePayment(user, lp, token, amount, seed)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, paymentToJSON(payment))
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_lock"
	start := time.Now()
	user, lp, token, amount, seed, ok := s.decodePaymentParams(w, req, method)
	if !ok {
		return
	}
	payment, err := s.engine.LockPayment(user, lp, token, amount, seed)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, paymentToJSON(payment))
}

func (s *Server) actorOperation(w http.ResponseWriter, req *RPCRequest, method string, op func([20]byte, [32]byte) error) {
	start := time.Now()
	var params paymentActorParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	id, err := parsePaymentID(params.ID)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	err = op(caller, id)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	payment, err := s.engine.Payment(id)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, paymentToJSON(payment))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorOperation(w, req, "unitpay_confirm", s.engine.ConfirmPayment)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorOperation(w, req, "unitpay_withdraw", func(caller [20]byte, id [32]byte) error {
		if err := s.engine.WithdrawPayment(caller, id); err != nil {
			return err
		}
		s.publishPendingFees()
		return nil
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorOperation(w, req, "unitpay_dispute", s.engine.DisputePayment)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorOperation(w, req, "unitpay_refund", s.engine.RefundPayment)
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_autoRelease"
	start := time.Now()
	var params paymentIDParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	id, err := parsePaymentID(params.ID)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	err = s.engine.AutoReleasePayment(id)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	payment, err := s.engine.Payment(id)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, paymentToJSON(payment))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_get"
	start := time.Now()
	var params paymentIDParams
	if err := decodeParams(req, &params); err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	id, err := parsePaymentID(params.ID)
	if err != nil {
		s.writeInvalidParams(w, req, method, err)
		return
	}
	payment, err := s.engine.Payment(id)
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, paymentToJSON(payment))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_config"
	start := time.Now()
	cfg, err := s.engine.Config()
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, configToJSON(cfg))
}

func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_tokenList"
	start := time.Now()
	cfg, err := s.engine.Config()
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, tokenListJSON{Tokens: append([]string(nil), cfg.AllowedTokens...)})
}

func (s *Server) handlePendingFees(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	const method = "unitpay_pendingFees"
	start := time.Now()
	cfg, err := s.engine.Config()
	s.observe(method, start, err)
	if err != nil {
		s.writeEngineError(w, req, method, err)
		return
	}
	writeResult(w, req.ID, pendingFeesJSON{PendingFees: feeMapToJSON(cfg.PendingFees)})
}
