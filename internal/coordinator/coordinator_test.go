package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"aniobridge/internal/anio"
	"aniobridge/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAPI is a canned-response APIClient.
type fakeAPI struct {
	devices      []anio.Device
	devicesErr   error
	fences       []anio.Geofence
	activity     []anio.ActivityItem
	locations    map[string]*anio.DeviceLocation
	chats        map[string][]anio.ChatMessage
	alarms       map[string][]anio.AlarmClock
	silences     map[string][]anio.SilenceTime
	trackingMode map[string]string
}

func (f *fakeAPI) GetDevices(ctx context.Context) ([]anio.Device, error) {
	return f.devices, f.devicesErr
}

func (f *fakeAPI) GetGeofences(ctx context.Context) ([]anio.Geofence, error) {
	return f.fences, nil
}

func (f *fakeAPI) GetActivity(ctx context.Context, from *time.Time) ([]anio.ActivityItem, error) {
	return f.activity, nil
}

func (f *fakeAPI) GetLastLocation(ctx context.Context, deviceID string) (*anio.DeviceLocation, error) {
	return f.locations[deviceID], nil
}

func (f *fakeAPI) GetChatHistory(ctx context.Context, deviceID string) ([]anio.ChatMessage, error) {
	return f.chats[deviceID], nil
}

func (f *fakeAPI) GetAlarms(ctx context.Context, deviceID string) ([]anio.AlarmClock, error) {
	return f.alarms[deviceID], nil
}

func (f *fakeAPI) GetSilenceTimes(ctx context.Context, deviceID string) ([]anio.SilenceTime, error) {
	return f.silences[deviceID], nil
}

func (f *fakeAPI) GetTrackingMode(ctx context.Context, deviceID string) (string, error) {
	return f.trackingMode[deviceID], nil
}

// fakeStore is an in-memory SeenStore.
type fakeStore struct {
	mu      sync.Mutex
	seeded  []string
	marked  []string
	trimmed int
}

func (f *fakeStore) SeenMessageIDs(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seeded...), nil
}

func (f *fakeStore) MarkMessageSeen(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeStore) TrimSeenMessages(ctx context.Context, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trimmed++
	return nil
}

// fakeSink records fired message events.
type fakeSink struct {
	mu     sync.Mutex
	events []MessageEvent
}

func (f *fakeSink) MessageReceived(event MessageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSink) Events() []MessageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessageEvent(nil), f.events...)
}

func testDevice(id, name string) anio.Device {
	return anio.Device{
		ID:       id,
		IMEI:     "123456789",
		Settings: anio.DeviceSettings{Name: name, Battery: 50},
	}
}

func messageActivity(t *testing.T, msg anio.MessageData) anio.ActivityItem {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return anio.ActivityItem{ID: "act-" + msg.ID, Type: "MESSAGE", Data: data}
}

func newTestCoordinator(t *testing.T, api *fakeAPI, store SeenStore) (*Coordinator, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	c := New(api, store, DefaultScanInterval, logger)
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c.SetClock(clk)
	return c, clk
}

func TestNewClampsInterval(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	c := New(&fakeAPI{}, nil, 10*time.Second, logger)
	assert.Equal(t, MinScanInterval, c.interval)

	c = New(&fakeAPI{}, nil, time.Hour, logger)
	assert.Equal(t, MaxScanInterval, c.interval)

	c = New(&fakeAPI{}, nil, 0, logger)
	assert.Equal(t, DefaultScanInterval, c.interval)
}

func TestPollAggregatesDeviceState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lastResponse := now.Add(-5 * time.Minute)

	api := &fakeAPI{
		devices: []anio.Device{testDevice("dev-1", "Emma")},
		fences: []anio.Geofence{
			{ID: "home", Name: "Home", Latitude: 52.5200, Longitude: 13.4050, Radius: 200},
			{ID: "school", Name: "School", Latitude: 52.5500, Longitude: 13.4050, Radius: 200},
		},
		locations: map[string]*anio.DeviceLocation{
			"dev-1": {
				Position:       []float64{52.5201, 13.4051},
				BatteryLevel:   80,
				SignalStrength: 4,
				Date:           now.Add(-6 * time.Minute),
				LastResponse:   lastResponse,
			},
		},
		chats: map[string][]anio.ChatMessage{
			"dev-1": {
				{ID: "m1", Sender: anio.SenderWatch, Text: "hi"},
				{ID: "m2", Sender: anio.SenderApp, Text: "hello"},
				{ID: "m3", Sender: anio.SenderWatch, Text: "bye"},
			},
		},
		alarms: map[string][]anio.AlarmClock{
			"dev-1": {{ID: "a1", Time: "07:00", Enabled: true}},
		},
		silences: map[string][]anio.SilenceTime{
			"dev-1": {{ID: "s1", StartTime: "08:00", EndTime: "13:00", Enabled: true}},
		},
		trackingMode: map[string]string{"dev-1": "FREQUENT"},
	}

	c, _ := newTestCoordinator(t, api, nil)
	require.NoError(t, c.poll(context.Background()))

	data := c.Data()
	require.Contains(t, data, "dev-1")
	state := data["dev-1"]

	assert.Equal(t, "Emma", state.Name())
	assert.Equal(t, 80, state.BatteryLevel)
	assert.Equal(t, 4, state.SignalStrength)
	assert.True(t, state.IsOnline)
	assert.Equal(t, "FREQUENT", state.TrackingMode)

	require.NotNil(t, state.Location)
	assert.Equal(t, 52.5201, state.Location.Latitude)

	// Newest watch-sent message wins.
	require.NotNil(t, state.LastMessage)
	assert.Equal(t, "bye", state.LastMessage.Text)

	require.Len(t, state.Geofences, 2)
	assert.True(t, state.Geofences[0].IsInside)
	assert.False(t, state.Geofences[1].IsInside)

	require.Len(t, state.Alarms, 1)
	require.Len(t, state.SilenceTimes, 1)
}

func TestDeviceOfflinePastThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	api := &fakeAPI{
		devices: []anio.Device{testDevice("dev-1", "Emma")},
		locations: map[string]*anio.DeviceLocation{
			"dev-1": {
				Position:     []float64{52.52, 13.405},
				LastResponse: now.Add(-11 * time.Minute),
			},
		},
	}

	c, _ := newTestCoordinator(t, api, nil)
	require.NoError(t, c.poll(context.Background()))

	assert.False(t, c.Data()["dev-1"].IsOnline)
}

func TestDeviceWithoutLocation(t *testing.T) {
	api := &fakeAPI{devices: []anio.Device{testDevice("dev-1", "Emma")}}

	c, _ := newTestCoordinator(t, api, nil)
	require.NoError(t, c.poll(context.Background()))

	state := c.Data()["dev-1"]
	assert.Nil(t, state.Location)
	assert.Nil(t, state.LastSeen)
	assert.False(t, state.IsOnline)
}

func TestMessageEventFiredOnce(t *testing.T) {
	msg := anio.MessageData{
		ID:       "msg-1",
		DeviceID: "dev-1",
		Text:     "hello",
		Sender:   anio.SenderWatch,
	}

	api := &fakeAPI{
		devices:  []anio.Device{testDevice("dev-1", "Emma")},
		activity: []anio.ActivityItem{messageActivity(t, msg), messageActivity(t, msg)},
	}

	c, _ := newTestCoordinator(t, api, nil)
	sink := &fakeSink{}
	c.AddEventSink(sink)

	require.NoError(t, c.poll(context.Background()))
	// A second cycle with the same activity must not re-fire.
	require.NoError(t, c.poll(context.Background()))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "dev-1", events[0].DeviceID)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, anio.SenderWatch, events[0].Sender)
	assert.Equal(t, anio.MessageTypeText, events[0].MessageType)
}

func TestMessageEventUsesKnownDeviceName(t *testing.T) {
	msg := anio.MessageData{ID: "msg-1", DeviceID: "dev-1", Text: "hi", Sender: anio.SenderWatch}

	api := &fakeAPI{
		devices:  []anio.Device{testDevice("dev-1", "Emma")},
		activity: nil,
	}

	c, _ := newTestCoordinator(t, api, nil)
	sink := &fakeSink{}
	c.AddEventSink(sink)

	// First cycle learns the device, second carries the message.
	require.NoError(t, c.poll(context.Background()))
	api.activity = []anio.ActivityItem{messageActivity(t, msg)}
	require.NoError(t, c.poll(context.Background()))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Emma", events[0].DeviceName)
}

func TestAppMessagesDedupedButNotFired(t *testing.T) {
	msg := anio.MessageData{ID: "msg-2", DeviceID: "dev-1", Text: "from app", Sender: anio.SenderApp}

	api := &fakeAPI{
		devices:  []anio.Device{testDevice("dev-1", "Emma")},
		activity: []anio.ActivityItem{messageActivity(t, msg)},
	}

	store := &fakeStore{}
	c, _ := newTestCoordinator(t, api, store)
	sink := &fakeSink{}
	c.AddEventSink(sink)

	require.NoError(t, c.poll(context.Background()))

	assert.Empty(t, sink.Events())
	assert.Equal(t, []string{"msg-2"}, store.marked)
}

func TestSeenMessagesSeededFromStore(t *testing.T) {
	msg := anio.MessageData{ID: "msg-1", DeviceID: "dev-1", Text: "old", Sender: anio.SenderWatch}

	api := &fakeAPI{
		devices:  []anio.Device{testDevice("dev-1", "Emma")},
		activity: []anio.ActivityItem{messageActivity(t, msg)},
	}
	store := &fakeStore{seeded: []string{"msg-1"}}

	c, _ := newTestCoordinator(t, api, store)
	sink := &fakeSink{}
	c.AddEventSink(sink)

	c.loadSeenMessages(context.Background())
	require.NoError(t, c.poll(context.Background()))

	assert.Empty(t, sink.Events(), "restart must not re-announce persisted messages")
}

func TestSeenSetTrimsPastCap(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestCoordinator(t, &fakeAPI{}, store)

	ctx := context.Background()
	for i := 0; i < seenMessageCap+1; i++ {
		c.markSeen(ctx, fmt.Sprintf("msg-%d", i))
	}

	assert.Len(t, c.seenOrder, seenMessageKeep)
	assert.Len(t, c.seen, seenMessageKeep)
	assert.Equal(t, 1, store.trimmed)
}

func TestSnapshotHandlerNotified(t *testing.T) {
	api := &fakeAPI{devices: []anio.Device{testDevice("dev-1", "Emma")}}

	c, _ := newTestCoordinator(t, api, nil)

	var got map[string]anio.DeviceState
	c.Subscribe(func(states map[string]anio.DeviceState) {
		got = states
	})

	require.NoError(t, c.poll(context.Background()))
	require.NotNil(t, got)
	assert.Contains(t, got, "dev-1")
}

func TestRunStopsOnAuthError(t *testing.T) {
	api := &fakeAPI{devicesErr: &anio.AuthError{Message: "refresh token expired"}}

	c, _ := newTestCoordinator(t, api, nil)

	err := c.Run(context.Background())
	var authErr *anio.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestRunSurvivesTransientErrors(t *testing.T) {
	api := &fakeAPI{devicesErr: &anio.ConnectionError{Err: context.DeadlineExceeded}}

	c, clk := newTestCoordinator(t, api, nil)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- c.Run(ctx) }()

	// Let the failing initial poll happen, tick once, then stop.
	time.Sleep(50 * time.Millisecond)
	api.devicesErr = nil
	clk.Advance(DefaultScanInterval)
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
}

func TestRequestRefreshTriggersPoll(t *testing.T) {
	api := &fakeAPI{devices: []anio.Device{testDevice("dev-1", "Emma")}}

	c, _ := newTestCoordinator(t, api, nil)

	polled := make(chan struct{}, 4)
	c.Subscribe(func(map[string]anio.DeviceState) {
		polled <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Initial poll.
	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("initial poll did not happen")
	}

	c.RequestRefresh()
	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("refresh request did not trigger a poll")
	}
}

func TestIsDeviceInGeofence(t *testing.T) {
	api := &fakeAPI{
		devices: []anio.Device{testDevice("dev-1", "Emma")},
		fences: []anio.Geofence{
			{ID: "home", Name: "Home", Latitude: 52.5200, Longitude: 13.4050, Radius: 200},
		},
		locations: map[string]*anio.DeviceLocation{
			"dev-1": {Position: []float64{52.5201, 13.4051}},
		},
	}

	c, _ := newTestCoordinator(t, api, nil)
	require.NoError(t, c.poll(context.Background()))

	assert.True(t, c.IsDeviceInGeofence("dev-1", "home"))
	assert.False(t, c.IsDeviceInGeofence("dev-1", "school"))
	assert.False(t, c.IsDeviceInGeofence("unknown", "home"))
}
