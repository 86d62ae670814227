package audit

import (
	"context"
	"sync"
	"time"

	"balanceflow/internal/metrics"
	"balanceflow/logger"
)

// ChannelStats counts traffic through the audit channels.
type ChannelStats struct {
	OrdersSent         int64
	DisbalancesSent    int64
	BalancesSent       int64
	AlertsSent         int64
	OrdersDropped      int64
	DisbalancesDropped int64
	BalancesDropped    int64
	AlertsDropped      int64
}

// Channels carries audit events from the engine to the publisher
// goroutines. Sends never block the reconciliation cycle: a full
// buffer drops the event and counts the drop.
type Channels struct {
	OrderChan      chan OrderIntentEvent
	DisbalanceChan chan DisbalanceEvent
	BalanceChan    chan BalanceCheckpointEvent
	AlertChan      chan AlertEvent

	// ArchiveChan receives a copy of every order intent when the
	// long-term archive is enabled.
	ArchiveChan    chan OrderIntentEvent
	archiveEnabled bool

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

// NewChannels creates the audit channel set with the given buffer size.
func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		OrderChan:      make(chan OrderIntentEvent, bufferSize),
		DisbalanceChan: make(chan DisbalanceEvent, bufferSize),
		BalanceChan:    make(chan BalanceCheckpointEvent, bufferSize),
		AlertChan:      make(chan AlertEvent, bufferSize),
		ArchiveChan:    make(chan OrderIntentEvent, bufferSize),
		log:            log,
	}

	log.WithComponent("audit_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("audit channels initialized")

	return c
}

// EnableArchive turns on the order intent tee into ArchiveChan. Must be
// called before the engine starts producing.
func (c *Channels) EnableArchive() {
	c.archiveEnabled = true
}

// SendOrder publishes an order intent event. Returns false on drop.
func (c *Channels) SendOrder(event OrderIntentEvent) bool {
	if c.archiveEnabled {
		select {
		case c.ArchiveChan <- event:
		default:
		}
	}
	select {
	case c.OrderChan <- event:
		c.increment(func(s *ChannelStats) { s.OrdersSent++ })
		logger.RecordChannelMessage("audit_orders", 1)
		return true
	default:
		c.increment(func(s *ChannelStats) { s.OrdersDropped++ })
		c.log.WithComponent("audit_channels").Warn("order channel full, dropping event")
		return false
	}
}

// SendDisbalance publishes a disbalance snapshot. Returns false on drop.
func (c *Channels) SendDisbalance(event DisbalanceEvent) bool {
	select {
	case c.DisbalanceChan <- event:
		c.increment(func(s *ChannelStats) { s.DisbalancesSent++ })
		logger.RecordChannelMessage("audit_disbalances", 1)
		return true
	default:
		c.increment(func(s *ChannelStats) { s.DisbalancesDropped++ })
		c.log.WithComponent("audit_channels").Warn("disbalance channel full, dropping event")
		return false
	}
}

// SendBalance publishes a balance checkpoint. Returns false on drop.
func (c *Channels) SendBalance(event BalanceCheckpointEvent) bool {
	select {
	case c.BalanceChan <- event:
		c.increment(func(s *ChannelStats) { s.BalancesSent++ })
		logger.RecordChannelMessage("audit_balances", 1)
		return true
	default:
		c.increment(func(s *ChannelStats) { s.BalancesDropped++ })
		c.log.WithComponent("audit_channels").Warn("balance channel full, dropping event")
		return false
	}
}

// SendAlert publishes an operator alert. Returns false on drop.
func (c *Channels) SendAlert(event AlertEvent) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case c.AlertChan <- event:
		c.increment(func(s *ChannelStats) { s.AlertsSent++ })
		logger.IncrementAlert()
		metrics.IncrementAlert(event.Group)
		return true
	default:
		c.increment(func(s *ChannelStats) { s.AlertsDropped++ })
		c.log.WithComponent("audit_channels").Warn("alert channel full, dropping alert")
		return false
	}
}

func (c *Channels) increment(fn func(*ChannelStats)) {
	c.statsMutex.Lock()
	fn(&c.stats)
	c.statsMutex.Unlock()
}

// GetStats returns a copy of the current counters.
func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel statistics until the
// context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()

	c.log.WithComponent("audit_channels").WithFields(logger.Fields{
		"orders_sent":         stats.OrdersSent,
		"disbalances_sent":    stats.DisbalancesSent,
		"balances_sent":       stats.BalancesSent,
		"alerts_sent":         stats.AlertsSent,
		"orders_dropped":      stats.OrdersDropped,
		"disbalances_dropped": stats.DisbalancesDropped,
		"balances_dropped":    stats.BalancesDropped,
		"alerts_dropped":      stats.AlertsDropped,
		"order_channel_len":   len(c.OrderChan),
		"alert_channel_len":   len(c.AlertChan),
	}).Info("audit channel statistics")
}

// Close shuts the channels after the engine has stopped producing.
func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.OrderChan)
	close(c.DisbalanceChan)
	close(c.BalanceChan)
	close(c.AlertChan)
	close(c.ArchiveChan)

	c.log.WithComponent("audit_channels").Info("audit channels closed")
}
