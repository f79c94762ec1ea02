package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrintingMetricsObserve(t *testing.T) {
	m := Printing()
	beforeOK := testutil.ToFloat64(m.requests.WithLabelValues("sign_order", "success"))
	beforeErr := testutil.ToFloat64(m.errors.WithLabelValues("sign_order", "AlreadySigned"))

	m.Observe("sign_order", time.Millisecond, "", nil)
	m.Observe("sign_order", time.Millisecond, "AlreadySigned", errors.New("already signed"))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("sign_order", "success")); got != beforeOK+1 {
		t.Fatalf("expected success counter %v, got %v", beforeOK+1, got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("sign_order", "AlreadySigned")); got != beforeErr+1 {
		t.Fatalf("expected error counter %v, got %v", beforeErr+1, got)
	}
}

func TestPrintingMetricsEscrowGauge(t *testing.T) {
	m := Printing()
	before := testutil.ToFloat64(m.escrowed)
	live := testutil.ToFloat64(m.liveOrders)

	m.RecordEscrowed(big.NewInt(25))
	if got := testutil.ToFloat64(m.escrowed); got != before+25 {
		t.Fatalf("expected escrow %v, got %v", before+25, got)
	}
	m.RecordEscrowed(big.NewInt(-25))
	if got := testutil.ToFloat64(m.escrowed); got != before {
		t.Fatalf("expected escrow back to %v, got %v", before, got)
	}
	if got := testutil.ToFloat64(m.liveOrders); got != live {
		t.Fatalf("expected live orders %v, got %v", live, got)
	}
}

func TestKeeperMetrics(t *testing.T) {
	m := Keeper()
	m.SetPaused(true)
	if got := testutil.ToFloat64(m.pauseEngaged); got != 1 {
		t.Fatalf("expected paused gauge 1, got %v", got)
	}
	m.SetPaused(false)
	if got := testutil.ToFloat64(m.pauseEngaged); got != 0 {
		t.Fatalf("expected paused gauge 0, got %v", got)
	}
	before := testutil.ToFloat64(m.actions.WithLabelValues("settle"))
	m.RecordAction("settle")
	if got := testutil.ToFloat64(m.actions.WithLabelValues("settle")); got != before+1 {
		t.Fatalf("unexpected action count %v", got)
	}
	m.RecordError("", "")
	if got := testutil.ToFloat64(m.errors.WithLabelValues("unknown", "unknown")); got < 1 {
		t.Fatalf("expected normalised labels to be recorded")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var p *PrintingMetrics
	p.Observe("x", 0, "", nil)
	p.RecordEscrowed(big.NewInt(1))
	var k *KeeperMetrics
	k.RecordAction("x")
	k.SetPaused(true)
	var e *eventMetrics
	e.RecordEmitted("x")
}
