// Package bus provides the internal event bus that decouples the market
// data hub from its consumers. The default backend is in-process; Redis and
// Kafka backends are available for multi-instance deployments.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Backend abstracts pub/sub so the hub does not care who listens or where.
type Backend interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
	Close() error
}

// Memory is the in-process backend. Publishing never blocks the caller:
// handlers run on the publishing goroutine but must be fast, mirroring the
// requirement that no consumer stalls ingestion.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]func([]byte)
	logger   *zap.Logger
}

// NewMemory creates an in-process bus.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		handlers: make(map[string][]func([]byte)),
		logger:   logger,
	}
}

// Publish marshals msg to JSON and delivers it to every handler subscribed
// to the channel. A handler panic is contained and logged.
func (m *Memory) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.RLock()
	handlers := m.handlers[channel]
	m.mu.RUnlock()

	for _, h := range handlers {
		m.dispatch(channel, h, data)
	}
	return nil
}

func (m *Memory) dispatch(channel string, h func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("bus handler panicked",
				zap.String("channel", channel),
				zap.Any("panic", r))
		}
	}()
	h(data)
}

// Subscribe registers a handler for a channel.
func (m *Memory) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = append(m.handlers[channel], handler)
	return nil
}

// Close drops all handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string][]func([]byte))
	return nil
}
