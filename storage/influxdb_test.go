package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/record"
	"github.com/eddielth/lora-trans/transformer"
)

type mockPointWriter struct {
	mock.Mock
}

func (m *mockPointWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	args := m.Called(ctx, point)
	return args.Error(0)
}

func TestInfluxBuildPoint(t *testing.T) {
	is := &InfluxDBStorage{measurement: "dashboard_record"}
	entry := publishedEntry()

	p := is.buildPoint(entry)
	assert.Equal(t, "dashboard_record", p.Name())
	assert.Equal(t, entry.ReceivedAt, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"device": "ABP-2", "topic": "topic/test"}, tags)

	fields := pointFields(p)
	assert.Equal(t, 0.0, fields["temp_West"])
	assert.Equal(t, "NE", fields["wind_direction1_text"])
	assert.Equal(t, 12.3, fields["wind_speed1"])
	assert.NotContains(t, fields, "wind_direction1")
}

func pointFields(p *write.Point) map[string]interface{} {
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return fields
}

func TestInfluxFieldTypesStableAcrossUpdates(t *testing.T) {
	tm, err := transformer.NewManager(config.DefaultDevices(), record.New())
	require.NoError(t, err)
	is := &InfluxDBStorage{measurement: "dashboard_record"}

	steps := []struct {
		device string
		fields []string
	}{
		{"arduino_ABP", []string{"21.5", "20.5", "55.2", "1005.0", "0.0"}},
		{"ABP-2", []string{"NE", "12.3"}},
		{"arduino_ABP", []string{"30", "19", "21", "998", "wet"}},
		{"ABP-2", []string{"SW", "calm"}},
	}

	// the startup record is archived too, so it takes part in the comparison
	points := []*write.Point{is.buildPoint(Entry{Values: tm.Record().Snapshot().Values()})}
	for _, step := range steps {
		snap, err := tm.Apply(step.device, step.fields)
		require.NoError(t, err)
		points = append(points, is.buildPoint(Entry{DeviceName: step.device, Values: snap.Values()}))
	}

	types := map[string]string{}
	for i, p := range points {
		for key, value := range pointFields(p) {
			typ := fmt.Sprintf("%T", value)
			if prev, ok := types[key]; ok {
				assert.Equal(t, prev, typ, "point %d field %s", i, key)
			}
			types[key] = typ
		}
	}
	assert.Equal(t, "float64", types["wind_speed1"])
	assert.Equal(t, "string", types["wind_speed1_text"])
	assert.Equal(t, "float64", types["rain_level"])
	assert.Equal(t, "string", types["rain_level_text"])
	assert.Equal(t, "float64", types["temp_West"])
}

func TestInfluxStoreSkipsRejected(t *testing.T) {
	w := new(mockPointWriter)
	is := &InfluxDBStorage{writeAPI: w, measurement: "dashboard_record"}

	require.NoError(t, is.Store(context.Background(), Entry{MessageID: "m", Error: "bad base64"}))
	w.AssertNotCalled(t, "WritePoint", mock.Anything, mock.Anything)
}

func TestInfluxStoreWritesAndWrapsErrors(t *testing.T) {
	w := new(mockPointWriter)
	is := &InfluxDBStorage{writeAPI: w, measurement: "dashboard_record"}

	w.On("WritePoint", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, is.Store(context.Background(), publishedEntry()))

	w.On("WritePoint", mock.Anything, mock.Anything).Return(errors.New("unauthorized")).Once()
	err := is.Store(context.Background(), publishedEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	w.AssertExpectations(t)
}
