package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/logger"
	"github.com/eddielth/lora-trans/transformer"
	"github.com/eddielth/lora-trans/translator"
)

// queueSize bounds the messages waiting for the processor; the broker
// callback blocks when it is full
const queueSize = 256

type inbound struct {
	topic   string
	payload []byte
}

// Manager MQTT Manager
type Manager struct {
	client    *Client
	processor *translator.Processor

	messages chan inbound
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a new MQTT manager that translates every message
// received on the input topic and publishes the record on the output topic
func NewManager(cfg config.MQTTConfig, transformers *transformer.Manager, archive translator.Archive) (*Manager, error) {
	m := &Manager{
		messages: make(chan inbound, queueSize),
		done:     make(chan struct{}),
	}

	client, err := newClient(cfg, m.enqueue)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	m.client = client
	m.processor = translator.NewProcessor(transformers, client, archive, cfg.OutputTopic)
	return m, nil
}

// Processor returns the processor fed by the subscription
func (m *Manager) Processor() *translator.Processor {
	return m.processor
}

// Start starts the MQTT service. It blocks until the broker accepts the
// connection or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.startWorker(ctx)

	if err := m.client.ConnectWithBackoff(ctx, 2*time.Second, 30*time.Second); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Stop stops the MQTT service
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.client != nil {
			m.client.Disconnect()
		}
		close(m.done)
		m.wg.Wait()
	})
}

// enqueue keeps messages in arrival order for the single worker
func (m *Manager) enqueue(topic string, payload []byte) {
	select {
	case m.messages <- inbound{topic: topic, payload: payload}:
	case <-m.done:
		logger.Warn("service stopping, dropped message from topic %s", topic)
	}
}

func (m *Manager) startWorker(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case msg := <-m.messages:
				m.processor.HandleMessage(msg.topic, msg.payload)
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
