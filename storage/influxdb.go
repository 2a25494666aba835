package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eddielth/lora-trans/logger"
)

// pointWriter is the part of api.WriteAPIBlocking the backend needs
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDBStorage writes every published record as one point.
// Rejected messages carry no record and are skipped.
type InfluxDBStorage struct {
	client      influxdb2.Client
	writeAPI    pointWriter
	measurement string
}

// NewInfluxDBStorage
func NewInfluxDBStorage(url, token, org, bucket, measurement string) *InfluxDBStorage {
	client := influxdb2.NewClient(url, token)
	logger.Info("init InfluxDB storage: %s (org=%s bucket=%s)", url, org, bucket)
	return &InfluxDBStorage{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(org, bucket),
		measurement: measurement,
	}
}

// Store implement StorageBackend
func (is *InfluxDBStorage) Store(ctx context.Context, entry Entry) error {
	if entry.Rejected() {
		return nil
	}
	point := is.buildPoint(entry)
	if err := is.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write point for message %s: %w", entry.MessageID, err)
	}
	logger.Debug("wrote record point for message %s", entry.MessageID)
	return nil
}

// textSuffix names the string field of a record key whose value is not a number
const textSuffix = "_text"

// buildPoint tags the point with the device that triggered the update.
// A record key keeps one field type across points: numbers, and strings that
// parse as numbers, are written as float under the key; other strings go to
// the key with textSuffix.
func (is *InfluxDBStorage) buildPoint(entry Entry) *write.Point {
	tags := map[string]string{
		"device": entry.DeviceName,
		"topic":  entry.Topic,
	}

	fields := make(map[string]interface{}, len(entry.Values))
	for k, v := range entry.Values {
		switch x := v.(type) {
		case int64:
			fields[k] = float64(x)
		case float64:
			fields[k] = x
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
				fields[k] = n
			} else {
				fields[k+textSuffix] = x
			}
		}
	}

	return write.NewPoint(is.measurement, tags, fields, entry.ReceivedAt)
}

// Close implement StorageBackend
func (is *InfluxDBStorage) Close() error {
	if is.client != nil {
		is.client.Close()
	}
	return nil
}
