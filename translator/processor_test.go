package translator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/decoder"
	"github.com/eddielth/lora-trans/record"
	"github.com/eddielth/lora-trans/storage"
	"github.com/eddielth/lora-trans/transformer"
)

const (
	inTopic  = "topic/test"
	outTopic = "topic/MQTT2DashBoard"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, payload []byte) error {
	args := m.Called(topic, string(payload))
	return args.Error(0)
}

type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Store(ctx context.Context, entry storage.Entry) int {
	args := m.Called(ctx, entry)
	return args.Int(0)
}

func newProcessor(t *testing.T, pub Publisher, archive Archive) *Processor {
	t.Helper()
	tm, err := transformer.NewManager(config.DefaultDevices(), record.New())
	require.NoError(t, err)
	p := NewProcessor(tm, pub, archive, outTopic)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }
	return p
}

func envelope(t *testing.T, device string, fields ...string) []byte {
	t.Helper()
	b, err := decoder.EncodeEnvelope(device, fields)
	require.NoError(t, err)
	return b
}

func TestHandleWeatherStation(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic,
		`{"temp_West": 37.9, "humidity_West": 21.5, "pressure_West": 1005.0, "rain_level": "0.0", "wind_direction1": "Not initiated", "wind_speed1": 0}`,
	).Return(nil).Once()

	p := newProcessor(t, pub, nil)
	err := p.Handle(context.Background(), inTopic, []byte(`{"deviceName":"arduino_ABP","data":"MjEuNTo6MjAuNTo6NTUuMjo6MTAwNS4wOjowLjA="}`))
	require.NoError(t, err)
	pub.AssertExpectations(t)
}

func TestHandleAnemometerAfterWeatherStation(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, mock.Anything).Return(nil).Once()
	pub.On("Publish", outTopic,
		`{"temp_West": 37.9, "humidity_West": 21.5, "pressure_West": 1005.0, "rain_level": "0.0", "wind_direction1": "NE", "wind_speed1": "12.3"}`,
	).Return(nil).Once()

	p := newProcessor(t, pub, nil)
	require.NoError(t, p.Handle(context.Background(), inTopic, envelope(t, "arduino_ABP", "21.5", "20.5", "55.2", "1005.0", "0.0")))
	require.NoError(t, p.Handle(context.Background(), inTopic, []byte(`{"deviceName":"ABP-2","data":"TkU6OjEyLjM="}`)))
	pub.AssertExpectations(t)
}

func TestHandleAnemometerFromDefaults(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic,
		`{"temp_West": 0, "humidity_West": 0, "pressure_West": 0, "rain_level": 0, "wind_direction1": "SW", "wind_speed1": "3.0"}`,
	).Return(nil).Once()

	p := newProcessor(t, pub, nil)
	require.NoError(t, p.Handle(context.Background(), inTopic, envelope(t, "ABP-2", "SW", "3.0")))
	pub.AssertExpectations(t)
}

func TestHandleRejectionsPublishNothing(t *testing.T) {
	cases := map[string]struct {
		payload []byte
		check   func(t *testing.T, err error)
	}{
		"not json": {[]byte("hello"), func(t *testing.T, err error) {
			var fe *decoder.FormatError
			assert.True(t, errors.As(err, &fe))
		}},
		"missing data": {[]byte(`{"deviceName":"arduino_ABP"}`), func(t *testing.T, err error) {
			var fe *decoder.FormatError
			assert.True(t, errors.As(err, &fe))
		}},
		"bad base64": {[]byte(`{"deviceName":"arduino_ABP","data":"%%%"}`), func(t *testing.T, err error) {
			var ee *decoder.EncodingError
			assert.True(t, errors.As(err, &ee))
		}},
		"unknown device": {envelope(t, "ABP-9", "1", "2"), func(t *testing.T, err error) {
			var ue *transformer.UnknownDeviceError
			assert.True(t, errors.As(err, &ue))
		}},
		"short fields": {envelope(t, "arduino_ABP", "21.5", "20.5"), func(t *testing.T, err error) {
			var se *transformer.FieldShapeError
			assert.True(t, errors.As(err, &se))
		}},
		"not numeric": {envelope(t, "arduino_ABP", "21.5", "warm", "55.2", "1005.0", "0.0"), func(t *testing.T, err error) {
			var se *transformer.FieldShapeError
			assert.True(t, errors.As(err, &se))
		}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			pub := new(MockPublisher)
			p := newProcessor(t, pub, nil)
			before := p.transformers.Record().Snapshot().Values()

			err := p.Handle(context.Background(), inTopic, tc.payload)
			require.Error(t, err)
			tc.check(t, err)

			pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
			assert.Equal(t, before, p.transformers.Record().Snapshot().Values())
		})
	}
}

func TestHandleContinuesAfterRejection(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, mock.Anything).Return(nil).Once()

	p := newProcessor(t, pub, nil)
	p.HandleMessage(inTopic, []byte("{"))
	p.HandleMessage(inTopic, envelope(t, "unknown", "x"))
	p.HandleMessage(inTopic, envelope(t, "ABP-2", "N", "1.0"))

	pub.AssertExpectations(t)
	v, _ := p.transformers.Record().Get(record.KeyWindDirection)
	assert.Equal(t, "N", v)
}

func TestHandlePublishFailure(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, mock.Anything).Return(errors.New("not connected")).Once()

	p := newProcessor(t, pub, nil)
	err := p.Handle(context.Background(), inTopic, envelope(t, "ABP-2", "E", "4.2"))

	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, outTopic, pe.Topic)
	// the update itself is kept; the next publish carries it
	v, _ := p.transformers.Record().Get(record.KeyWindDirection)
	assert.Equal(t, "E", v)
}

func TestRepublishIsIdempotent(t *testing.T) {
	defaults := `{"temp_West": 0, "humidity_West": 0, "pressure_West": 0, "rain_level": 0, "wind_direction1": "Not initiated", "wind_speed1": 0}`
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, defaults).Return(nil).Twice()

	p := newProcessor(t, pub, nil)
	require.NoError(t, p.Republish(context.Background()))
	require.NoError(t, p.Republish(context.Background()))
	pub.AssertExpectations(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Republish(ctx), context.Canceled)
}

func TestHandleArchivesEveryOutcome(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, mock.Anything).Return(nil)

	archive := new(MockArchive)
	archive.On("Store", mock.Anything, mock.MatchedBy(func(e storage.Entry) bool {
		return !e.Rejected() && e.DeviceName == "ABP-2" &&
			e.Values[record.KeyWindSpeed] == "12.3" &&
			len(e.Document) > 0 && e.MessageID != ""
	})).Return(0).Once()
	archive.On("Store", mock.Anything, mock.MatchedBy(func(e storage.Entry) bool {
		return e.Rejected() && e.DeviceName == "ABP-9" && e.Document == nil &&
			e.Topic == inTopic && string(e.Raw) != ""
	})).Return(1).Once()

	p := newProcessor(t, pub, archive)
	require.NoError(t, p.Handle(context.Background(), inTopic, envelope(t, "ABP-2", "NE", "12.3")))
	require.Error(t, p.Handle(context.Background(), inTopic, envelope(t, "ABP-9", "x")))

	archive.AssertExpectations(t)
}

func TestMessageIDsAreUnique(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, mock.Anything).Return(nil)

	var ids []string
	archive := new(MockArchive)
	archive.On("Store", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ids = append(ids, args.Get(1).(storage.Entry).MessageID)
	}).Return(0)

	p := newProcessor(t, pub, archive)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Handle(context.Background(), inTopic, envelope(t, "ABP-2", "N", "1")))
	}
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestHandleBoundsSlowArchive(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", outTopic, mock.Anything).Return(nil).Once()

	var storeErr error
	archive := new(MockArchive)
	archive.On("Store", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		<-ctx.Done()
		storeErr = ctx.Err()
	}).Return(1).Once()

	p := newProcessor(t, pub, archive)
	p.SetArchiveTimeout(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Handle(context.Background(), inTopic, envelope(t, "ABP-2", "NE", "12.3")))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, storeErr, context.DeadlineExceeded)

	pub.AssertExpectations(t)
	archive.AssertExpectations(t)
}

func TestSetArchiveTimeoutIgnoresNonPositive(t *testing.T) {
	p := newProcessor(t, new(MockPublisher), nil)
	p.SetArchiveTimeout(0)
	assert.Equal(t, DefaultArchiveTimeout, p.archiveTimeout)
	p.SetArchiveTimeout(time.Second)
	assert.Equal(t, time.Second, p.archiveTimeout)
}
