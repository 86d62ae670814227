package audit

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"balanceflow/internal/metrics"
)

func TestChannelsSendAndStats(t *testing.T) {
	c := NewChannels(2)

	if !c.SendOrder(OrderIntentEvent{ID: "o1", Venue: "binance"}) {
		t.Fatalf("SendOrder dropped with free buffer")
	}
	if !c.SendDisbalance(DisbalanceEvent{ID: "d1", Asset: "BTC"}) {
		t.Fatalf("SendDisbalance dropped with free buffer")
	}
	if !c.SendBalance(BalanceCheckpointEvent{TotalUSD: 100}) {
		t.Fatalf("SendBalance dropped with free buffer")
	}

	stats := c.GetStats()
	if stats.OrdersSent != 1 || stats.DisbalancesSent != 1 || stats.BalancesSent != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got := <-c.OrderChan
	if got.ID != "o1" {
		t.Fatalf("order event id = %q", got.ID)
	}
}

func TestChannelsDropWhenFull(t *testing.T) {
	c := NewChannels(1)

	if !c.SendAlert(AlertEvent{Text: "first", Group: GroupAlert}) {
		t.Fatalf("first alert dropped")
	}
	if c.SendAlert(AlertEvent{Text: "second", Group: GroupAlert}) {
		t.Fatalf("second alert should drop on a full buffer")
	}

	stats := c.GetStats()
	if stats.AlertsSent != 1 || stats.AlertsDropped != 1 {
		t.Fatalf("unexpected alert stats: %+v", stats)
	}
}

// alertsCounterValue reads the registered alerts counter for a group
// from the default prometheus gatherer.
func alertsCounterValue(t *testing.T, group string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "Balanceflow_alerts_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "group" && label.GetValue() == group {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSendAlertAdvancesPrometheusCounter(t *testing.T) {
	metrics.Init("")
	c := NewChannels(4)

	before := alertsCounterValue(t, GroupAlert)
	if !c.SendAlert(AlertEvent{Text: "gate blocked", Group: GroupAlert}) {
		t.Fatalf("alert dropped with free buffer")
	}

	after := alertsCounterValue(t, GroupAlert)
	if after != before+1 {
		t.Fatalf("alerts counter = %f, want %f", after, before+1)
	}
}

func TestSendAlertStampsTimestamp(t *testing.T) {
	c := NewChannels(1)
	before := time.Now().UTC()
	c.SendAlert(AlertEvent{Text: "hello", Group: GroupNormal})

	got := <-c.AlertChan
	if got.Timestamp.Before(before) {
		t.Fatalf("alert timestamp not stamped: %s", got.Timestamp)
	}
}
