package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "balanceflow/config"
	"balanceflow/logger"
)

// KafkaPublisher drains the audit channels into per-event Kafka topics:
// one for order intents, one for disbalance snapshots, one for balance
// checkpoints. Delivery is fire-and-forget from the engine's view; a
// failed write is logged and the event dropped.
type KafkaPublisher struct {
	config   *appconfig.Config
	channels *Channels

	orders      *kafka.Writer
	disbalances *kafka.Writer
	balances    *kafka.Writer

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewKafkaPublisher builds the publisher and its topic writers.
func NewKafkaPublisher(cfg *appconfig.Config, channels *Channels) (*KafkaPublisher, error) {
	kc := cfg.Audit.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:     kafka.TCP(kc.Brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	kp := &KafkaPublisher{
		config:      cfg,
		channels:    channels,
		orders:      newWriter(kc.OrdersTopic),
		disbalances: newWriter(kc.DisbalancesTopic),
		balances:    newWriter(kc.BalancesTopic),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}

	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers":           kc.Brokers,
		"orders_topic":      kc.OrdersTopic,
		"disbalances_topic": kc.DisbalancesTopic,
		"balances_topic":    kc.BalancesTopic,
	}).Debug("kafka publisher initialized")
	return kp, nil
}

// Start launches one drain goroutine per event channel.
func (kp *KafkaPublisher) Start(ctx context.Context) error {
	kp.mu.Lock()
	if kp.running {
		kp.mu.Unlock()
		return fmt.Errorf("kafka publisher already running")
	}
	kp.running = true
	kp.ctx = ctx
	kp.mu.Unlock()

	kp.log.WithComponent("kafka_publisher").Debug("starting kafka publisher")

	kp.wg.Add(3)
	go kp.drainOrders()
	go kp.drainDisbalances()
	go kp.drainBalances()

	return nil
}

func (kp *KafkaPublisher) drainOrders() {
	defer kp.wg.Done()
	for {
		select {
		case <-kp.ctx.Done():
			return
		case event, ok := <-kp.channels.OrderChan:
			if !ok {
				return
			}
			kp.publish(kp.orders, event.Asset, event)
		}
	}
}

func (kp *KafkaPublisher) drainDisbalances() {
	defer kp.wg.Done()
	for {
		select {
		case <-kp.ctx.Done():
			return
		case event, ok := <-kp.channels.DisbalanceChan:
			if !ok {
				return
			}
			kp.publish(kp.disbalances, event.Asset, event)
		}
	}
}

func (kp *KafkaPublisher) drainBalances() {
	defer kp.wg.Done()
	for {
		select {
		case <-kp.ctx.Done():
			return
		case event, ok := <-kp.channels.BalanceChan:
			if !ok {
				return
			}
			kp.publish(kp.balances, "total", event)
		}
	}
}

func (kp *KafkaPublisher) publish(writer *kafka.Writer, key string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		kp.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to marshal audit event")
		return
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}
	if err := writer.WriteMessages(kp.ctx, msg); err != nil {
		kp.log.WithComponent("kafka_publisher").WithError(err).WithField("topic", writer.Topic).Warn("failed to write audit event")
		return
	}

	logger.IncrementEventPublished(len(data))
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"topic": writer.Topic,
		"bytes": len(data),
	}).Debug("audit event written to kafka")
}

// Stop closes the writers and waits for the drain goroutines.
func (kp *KafkaPublisher) Stop() {
	kp.mu.Lock()
	kp.running = false
	kp.mu.Unlock()

	kp.log.WithComponent("kafka_publisher").Debug("stopping kafka publisher")
	kp.orders.Close()
	kp.disbalances.Close()
	kp.balances.Close()
	kp.wg.Wait()
	kp.log.WithComponent("kafka_publisher").Debug("kafka publisher stopped")
}
