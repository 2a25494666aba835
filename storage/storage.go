package storage

import (
	"context"
	"sync"
	"time"

	"github.com/eddielth/lora-trans/logger"
)

// Entry is one processed inbound message as the archive sees it
type Entry struct {
	MessageID  string    `json:"message_id"`
	DeviceName string    `json:"device_name"`
	Topic      string    `json:"topic"`
	ReceivedAt time.Time `json:"received_at"`
	Fields     []string  `json:"fields,omitempty"`
	// Document is the record exactly as published, empty for rejections
	Document []byte         `json:"-"`
	Values   map[string]any `json:"values,omitempty"`
	Error    string         `json:"error,omitempty"`
	Raw      []byte         `json:"-"`
}

// Rejected reports whether the message was dropped instead of published
func (e Entry) Rejected() bool {
	return e.Error != ""
}

// StorageBackend 表示存储后端接口
type StorageBackend interface {
	// Store 存储数据
	Store(ctx context.Context, entry Entry) error
	// Close 关闭存储连接
	Close() error
}

// Manager 管理多个存储后端
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager 创建一个新的存储管理器
func NewManager(backends []StorageBackend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store hands the entry to every backend. A failing backend is logged and
// does not stop the others; the number of failures is returned.
func (m *Manager) Store(ctx context.Context, entry Entry) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	failed := 0
	for _, backend := range m.backends {
		if err := backend.Store(ctx, entry); err != nil {
			logger.Error("failed to archive message %s: %v", entry.MessageID, err)
			failed++
		}
	}
	return failed
}

// Len returns the number of configured backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Close 关闭所有存储后端连接
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
		}
	}
}

// AddBackend 添加新的存储后端
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
