package observability

import (
	"math/big"
	"testing"
	"time"
)

func TestSettlementMetricsSingleton(t *testing.T) {
	first := SettlementMetrics()
	second := SettlementMetrics()
	if first != second {
		t.Fatal("registry must be a process-wide singleton")
	}
}

func TestSettlementMetricsTolerateNilAndExtremes(t *testing.T) {
	var nilRegistry *SettlementMetricsRegistry
	nilRegistry.ObserveRequest("unitpay_lock", "ok", time.Second)
	nilRegistry.RecordError("unitpay_lock", "internal")
	nilRegistry.SetPendingFees("USDC", big.NewInt(1))

	registry := SettlementMetrics()
	registry.ObserveRequest("unitpay_lock", "ok", 25*time.Millisecond)
	registry.RecordError("unitpay_lock", "not_due_yet")
	registry.SetPendingFees("USDC", nil)

	huge := new(big.Int).Exp(big.NewInt(10), big.NewInt(400), nil)
	registry.SetPendingFees("USDC", huge)
}
