package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/lora-trans/config"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Store(ctx context.Context, entry Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}

func publishedEntry() Entry {
	return Entry{
		MessageID:  "3f0c8a5e-8d1b-4f6e-9a51-2c7f4e0b9d11",
		DeviceName: "ABP-2",
		Topic:      "topic/test",
		ReceivedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Fields:     []string{"NE", "12.3"},
		Document:   []byte(`{"temp_West": 0, "wind_direction1": "NE", "wind_speed1": "12.3"}`),
		Values:     map[string]any{"temp_West": int64(0), "wind_direction1": "NE", "wind_speed1": "12.3"},
		Raw:        []byte(`{"deviceName":"ABP-2","data":"TkU6OjEyLjM="}`),
	}
}

func TestManagerFansOutAndCountsFailures(t *testing.T) {
	ok := new(MockBackend)
	broken := new(MockBackend)
	last := new(MockBackend)
	entry := publishedEntry()

	ok.On("Store", mock.Anything, entry).Return(nil).Once()
	broken.On("Store", mock.Anything, entry).Return(errors.New("disk full")).Once()
	last.On("Store", mock.Anything, entry).Return(nil).Once()

	m := NewManager([]StorageBackend{ok, broken})
	m.AddBackend(last)
	assert.Equal(t, 3, m.Len())

	failed := m.Store(context.Background(), entry)
	assert.Equal(t, 1, failed)

	ok.AssertExpectations(t)
	broken.AssertExpectations(t)
	last.AssertExpectations(t)
}

func TestManagerCloseClosesAll(t *testing.T) {
	a := new(MockBackend)
	b := new(MockBackend)
	a.On("Close").Return(errors.New("already closed")).Once()
	b.On("Close").Return(nil).Once()

	NewManager([]StorageBackend{a, b}).Close()

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestEmptyManager(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, 0, m.Store(context.Background(), publishedEntry()))
	m.Close()
}

func TestEntryRejected(t *testing.T) {
	assert.False(t, publishedEntry().Rejected())
	assert.True(t, Entry{Error: "unknown device"}.Rejected())
}

func TestNewFromConfig(t *testing.T) {
	m, err := NewFromConfig(config.StorageConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())

	m, err = NewFromConfig(config.StorageConfig{
		File:     config.FileStorageConfig{Enabled: true, Path: t.TempDir()},
		InfluxDB: config.InfluxDBStorageConfig{Enabled: true, URL: "http://localhost:8086", Org: "o", Bucket: "b", Measurement: "dashboard_record"},
		Kafka:    config.KafkaStorageConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "records", DLQTopic: "records-dlq"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())
	m.Close()

	_, err = NewFromConfig(config.StorageConfig{
		Database: config.DatabaseStorageConfig{Enabled: true, Type: "sqlite", DSN: "x"},
	})
	require.Error(t, err)
}
