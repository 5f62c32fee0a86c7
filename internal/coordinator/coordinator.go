// Package coordinator owns the poll loop: every cycle it aggregates
// the ANIO API endpoints into one consolidated snapshot per device
// and notifies subscribers.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"aniobridge/internal/anio"
	"aniobridge/internal/clock"
	"aniobridge/internal/geofence"

	"go.uber.org/zap"
)

const (
	// DefaultScanInterval is the default poll cadence.
	DefaultScanInterval = 5 * time.Minute

	// MinScanInterval and MaxScanInterval bound the configurable poll
	// cadence.
	MinScanInterval = time.Minute
	MaxScanInterval = 5 * time.Minute

	// OnlineThreshold marks a device offline once its last response is
	// older than this.
	OnlineThreshold = 10 * time.Minute

	// seenMessageCap bounds the dedup set; when it overflows it is
	// trimmed back to seenMessageKeep entries.
	seenMessageCap  = 1000
	seenMessageKeep = 500
)

// APIClient is the slice of the ANIO client the coordinator consumes.
type APIClient interface {
	GetDevices(ctx context.Context) ([]anio.Device, error)
	GetGeofences(ctx context.Context) ([]anio.Geofence, error)
	GetActivity(ctx context.Context, from *time.Time) ([]anio.ActivityItem, error)
	GetLastLocation(ctx context.Context, deviceID string) (*anio.DeviceLocation, error)
	GetChatHistory(ctx context.Context, deviceID string) ([]anio.ChatMessage, error)
	GetAlarms(ctx context.Context, deviceID string) ([]anio.AlarmClock, error)
	GetSilenceTimes(ctx context.Context, deviceID string) ([]anio.SilenceTime, error)
	GetTrackingMode(ctx context.Context, deviceID string) (string, error)
}

// SeenStore persists processed message ids across restarts.
type SeenStore interface {
	SeenMessageIDs(ctx context.Context, limit int) ([]string, error)
	MarkMessageSeen(ctx context.Context, id string) error
	TrimSeenMessages(ctx context.Context, keep int) error
}

// MessageEvent describes an incoming watch message worth announcing.
type MessageEvent struct {
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Sender      string `json:"sender"`
	Timestamp   string `json:"timestamp"`
}

// EventSink receives message events exactly once per message id.
type EventSink interface {
	MessageReceived(event MessageEvent)
}

// SnapshotHandler is called with the full device state map after each
// successful poll cycle.
type SnapshotHandler func(states map[string]anio.DeviceState)

// Coordinator polls the ANIO API on a fixed interval and folds the
// results into per-device snapshots. All API calls within a cycle run
// sequentially; there is exactly one polling goroutine.
type Coordinator struct {
	client    APIClient
	seenStore SeenStore
	logger    *zap.Logger
	clk       clock.Clock
	interval  time.Duration

	dataMu    sync.RWMutex
	data      map[string]anio.DeviceState
	geofences []anio.Geofence

	seen      map[string]struct{}
	seenOrder []string

	handlersMu sync.Mutex
	handlers   []SnapshotHandler
	sinks      []EventSink

	refreshCh chan struct{}
}

// New creates a coordinator. The seen store may be nil, in which case
// message dedup is in-memory only. The interval is clamped to the
// supported range.
func New(client APIClient, seenStore SeenStore, interval time.Duration, logger *zap.Logger) *Coordinator {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if interval < MinScanInterval {
		interval = MinScanInterval
	}
	if interval > MaxScanInterval {
		interval = MaxScanInterval
	}
	return &Coordinator{
		client:    client,
		seenStore: seenStore,
		logger:    logger.Named("coordinator"),
		clk:       clock.NewRealClock(),
		interval:  interval,
		data:      make(map[string]anio.DeviceState),
		seen:      make(map[string]struct{}),
		refreshCh: make(chan struct{}, 1),
	}
}

// SetClock sets the clock implementation (useful for testing).
func (c *Coordinator) SetClock(clk clock.Clock) {
	c.clk = clk
}

// Subscribe registers a handler invoked with every successful
// snapshot.
func (c *Coordinator) Subscribe(handler SnapshotHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// AddEventSink registers a sink for incoming-message events.
func (c *Coordinator) AddEventSink(sink EventSink) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Data returns a copy of the latest device state map.
func (c *Coordinator) Data() map[string]anio.DeviceState {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	out := make(map[string]anio.DeviceState, len(c.data))
	for id, state := range c.data {
		out[id] = state
	}
	return out
}

// Geofences returns the fences cached on the last poll.
func (c *Coordinator) Geofences() []anio.Geofence {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return append([]anio.Geofence(nil), c.geofences...)
}

// IsDeviceInGeofence reports whether a device's last known location
// falls inside a specific fence.
func (c *Coordinator) IsDeviceInGeofence(deviceID, geofenceID string) bool {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	state, ok := c.data[deviceID]
	if !ok || state.Location == nil {
		return false
	}
	for _, fence := range c.geofences {
		if fence.ID == geofenceID {
			return geofence.Contains(state.Location.Latitude, state.Location.Longitude, fence)
		}
	}
	return false
}

// RequestRefresh schedules an immediate out-of-band poll cycle. Used
// after commands so new state shows up without waiting a full tick.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. Authentication failures
// are fatal and returned; transient failures are logged and retried
// on the next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	c.loadSeenMessages(ctx)

	if err := c.poll(ctx); err != nil {
		if isFatal(err) {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopping")
			return nil
		case <-c.refreshCh:
		case <-c.clk.After(c.interval):
		}

		if err := c.poll(ctx); err != nil {
			if isFatal(err) {
				return err
			}
		}
	}
}

// isFatal decides whether a poll error should stop the loop. Auth
// errors need operator action; everything else heals on its own.
func isFatal(err error) bool {
	var authErr *anio.AuthError
	return errors.As(err, &authErr)
}

// poll runs one update cycle and notifies subscribers on success.
func (c *Coordinator) poll(ctx context.Context) error {
	states, err := c.update(ctx)
	if err != nil {
		var rateErr *anio.RateLimitError
		var connErr *anio.ConnectionError
		switch {
		case isFatal(err):
			c.logger.Error("Authentication failed, stopping poll loop", zap.Error(err))
		case errors.As(err, &rateErr):
			c.logger.Warn("Poll cycle rate limited, retrying next tick", zap.Error(err))
		case errors.As(err, &connErr):
			c.logger.Warn("Poll cycle hit a connection error, retrying next tick", zap.Error(err))
		default:
			c.logger.Warn("Poll cycle failed, retrying next tick", zap.Error(err))
		}
		return err
	}

	c.dataMu.Lock()
	c.data = states
	c.dataMu.Unlock()

	c.handlersMu.Lock()
	handlers := append([]SnapshotHandler(nil), c.handlers...)
	c.handlersMu.Unlock()

	snapshot := c.Data()
	for _, handler := range handlers {
		handler(snapshot)
	}
	return nil
}

// update performs one full aggregation cycle: device list, geofences,
// activity feed, then per-device detail calls.
func (c *Coordinator) update(ctx context.Context) (map[string]anio.DeviceState, error) {
	devices, err := c.client.GetDevices(ctx)
	if err != nil {
		return nil, err
	}

	fences, err := c.client.GetGeofences(ctx)
	if err != nil {
		return nil, err
	}
	c.dataMu.Lock()
	c.geofences = fences
	c.dataMu.Unlock()

	activity, err := c.client.GetActivity(ctx, nil)
	if err != nil {
		return nil, err
	}
	c.processMessages(ctx, activity)

	result := make(map[string]anio.DeviceState, len(devices))
	for _, device := range devices {
		state, err := c.buildDeviceState(ctx, device, fences)
		if err != nil {
			return nil, err
		}
		result[device.ID] = state
	}

	c.logger.Debug("Poll cycle complete",
		zap.Int("devices", len(result)),
		zap.Int("geofences", len(fences)))
	return result, nil
}

// buildDeviceState folds the per-device endpoints into one snapshot.
func (c *Coordinator) buildDeviceState(ctx context.Context, device anio.Device, fences []anio.Geofence) (anio.DeviceState, error) {
	var (
		location *anio.LocationInfo
		lastSeen *time.Time
		battery  int
		signal   int
	)

	latest, err := c.client.GetLastLocation(ctx, device.ID)
	if err != nil {
		return anio.DeviceState{}, err
	}
	if latest != nil {
		fixTime := latest.Date
		location = &anio.LocationInfo{
			Latitude:  latest.Latitude(),
			Longitude: latest.Longitude(),
			Timestamp: &fixTime,
		}
		response := latest.LastResponse
		lastSeen = &response
		battery = latest.BatteryLevel
		signal = latest.SignalStrength
	}

	messages, err := c.client.GetChatHistory(ctx, device.ID)
	if err != nil {
		return anio.DeviceState{}, err
	}
	var lastMessage *anio.ChatMessage
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Sender == anio.SenderWatch || messages[i].Sender == anio.SenderDevice {
			msg := messages[i]
			lastMessage = &msg
			break
		}
	}

	alarms, err := c.client.GetAlarms(ctx, device.ID)
	if err != nil {
		return anio.DeviceState{}, err
	}

	silenceTimes, err := c.client.GetSilenceTimes(ctx, device.ID)
	if err != nil {
		return anio.DeviceState{}, err
	}

	trackingMode, err := c.client.GetTrackingMode(ctx, device.ID)
	if err != nil {
		return anio.DeviceState{}, err
	}

	return anio.DeviceState{
		Device:         device,
		Location:       location,
		Geofences:      geofence.Evaluate(location, fences),
		LastSeen:       lastSeen,
		IsOnline:       c.isOnline(lastSeen),
		BatteryLevel:   battery,
		SignalStrength: signal,
		LastMessage:    lastMessage,
		Alarms:         alarms,
		SilenceTimes:   silenceTimes,
		TrackingMode:   trackingMode,
	}, nil
}

// isOnline checks the last response against the online threshold.
func (c *Coordinator) isOnline(lastSeen *time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return c.clk.Since(*lastSeen) < OnlineThreshold
}

// processMessages dedups MESSAGE activity items by id and fires one
// event per new watch-sent message.
func (c *Coordinator) processMessages(ctx context.Context, activity []anio.ActivityItem) {
	for _, item := range activity {
		if item.Type != "MESSAGE" || len(item.Data) == 0 {
			continue
		}

		var msg anio.MessageData
		if err := json.Unmarshal(item.Data, &msg); err != nil {
			c.logger.Debug("Skipping unparseable message payload", zap.Error(err))
			continue
		}

		if msg.ID != "" {
			if _, ok := c.seen[msg.ID]; ok {
				continue
			}
		}

		if msg.Sender == anio.SenderWatch {
			deviceName := "Unknown"
			c.dataMu.RLock()
			if state, ok := c.data[msg.DeviceID]; ok {
				deviceName = state.Name()
			}
			c.dataMu.RUnlock()

			messageType := msg.Type
			if messageType == "" {
				messageType = anio.MessageTypeText
			}

			event := MessageEvent{
				DeviceID:    msg.DeviceID,
				DeviceName:  deviceName,
				MessageType: messageType,
				Content:     msg.Text,
				Sender:      anio.SenderWatch,
				Timestamp:   msg.CreatedAt,
			}

			c.handlersMu.Lock()
			sinks := append([]EventSink(nil), c.sinks...)
			c.handlersMu.Unlock()
			for _, sink := range sinks {
				sink.MessageReceived(event)
			}

			c.logger.Debug("Fired message event",
				zap.String("device", deviceName),
				zap.String("message_id", msg.ID))
		}

		if msg.ID != "" {
			c.markSeen(ctx, msg.ID)
		}
	}
}

// markSeen records a message id in memory and in the store, trimming
// the set when it grows past the cap.
func (c *Coordinator) markSeen(ctx context.Context, id string) {
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)

	if c.seenStore != nil {
		if err := c.seenStore.MarkMessageSeen(ctx, id); err != nil {
			c.logger.Warn("Failed to persist seen message", zap.Error(err))
		}
	}

	if len(c.seenOrder) > seenMessageCap {
		drop := c.seenOrder[:len(c.seenOrder)-seenMessageKeep]
		c.seenOrder = append([]string(nil), c.seenOrder[len(c.seenOrder)-seenMessageKeep:]...)
		for _, old := range drop {
			delete(c.seen, old)
		}
		if c.seenStore != nil {
			if err := c.seenStore.TrimSeenMessages(ctx, seenMessageKeep); err != nil {
				c.logger.Warn("Failed to trim seen messages", zap.Error(err))
			}
		}
	}
}

// loadSeenMessages seeds the dedup set from the store so a restart
// does not re-fire events for old messages.
func (c *Coordinator) loadSeenMessages(ctx context.Context) {
	if c.seenStore == nil {
		return
	}
	ids, err := c.seenStore.SeenMessageIDs(ctx, seenMessageCap)
	if err != nil {
		c.logger.Warn("Failed to load seen messages", zap.Error(err))
		return
	}
	for _, id := range ids {
		c.seen[id] = struct{}{}
		c.seenOrder = append(c.seenOrder, id)
	}
	c.logger.Debug("Loaded seen messages", zap.Int("count", len(ids)))
}
