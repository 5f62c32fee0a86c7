// Package publisher mirrors coordinator snapshots into Home Assistant
// helper entities and relays watch messages onto the HA event bus.
package publisher

import (
	"fmt"
	"strings"
	"unicode"

	"aniobridge/internal/anio"
	"aniobridge/internal/clock"
	"aniobridge/internal/coordinator"
	"aniobridge/internal/ha"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"
)

// EventMessageReceived is the HA event type fired for every new
// watch-sent chat message.
const EventMessageReceived = "aniobridge_message_received"

// Publisher writes per-device state into HA helper entities. Entity
// ids follow <domain>.<prefix>_<device-slug>_<field>.
type Publisher struct {
	client ha.HAClient
	logger *zap.Logger
	prefix string
	clk    clock.Clock
}

// New creates a publisher. An empty prefix defaults to "anio".
func New(client ha.HAClient, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "anio"
	}
	return &Publisher{
		client: client,
		logger: logger.Named("publisher"),
		prefix: prefix,
		clk:    clock.NewRealClock(),
	}
}

// SetClock sets the clock implementation (useful for testing).
func (p *Publisher) SetClock(clk clock.Clock) {
	p.clk = clk
}

// PublishSnapshot writes every device's state to HA. It satisfies
// coordinator.SnapshotHandler. Individual entity failures are logged
// and do not block the rest of the snapshot.
func (p *Publisher) PublishSnapshot(states map[string]anio.DeviceState) {
	for deviceID, state := range states {
		slug := p.deviceSlug(state, deviceID)

		p.setNumber(slug+"_battery", float64(state.BatteryLevel))
		p.setNumber(slug+"_signal_strength", float64(state.SignalStrength))
		p.setBoolean(slug+"_online", state.IsOnline)
		p.setText(slug+"_tracking_mode", state.TrackingMode)

		if state.LastMessage != nil {
			p.setText(slug+"_last_message", state.LastMessage.Text)
		}

		if state.Location != nil {
			p.setText(slug+"_location",
				fmt.Sprintf("%.6f,%.6f", state.Location.Latitude, state.Location.Longitude))
			p.setBoolean(slug+"_daylight", p.isDaylightAt(state.Location.Latitude, state.Location.Longitude))
		}

		p.setText(slug+"_next_alarm", nextAlarm(state.Alarms))
		p.setText(slug+"_geofences", insideFences(state.Geofences))
	}

	p.logger.Debug("Published snapshot", zap.Int("devices", len(states)))
}

// MessageReceived fires the HA bus event for a new watch message. It
// satisfies coordinator.EventSink.
func (p *Publisher) MessageReceived(event coordinator.MessageEvent) {
	data := map[string]interface{}{
		"device_id":    event.DeviceID,
		"device_name":  event.DeviceName,
		"message_type": event.MessageType,
		"content":      event.Content,
		"sender":       event.Sender,
		"timestamp":    event.Timestamp,
	}
	if err := p.client.FireEvent(EventMessageReceived, data); err != nil {
		p.logger.Error("Failed to fire message event",
			zap.String("device_id", event.DeviceID),
			zap.Error(err))
	}
}

// isDaylightAt reports whether the sun is currently up at the given
// coordinates.
func (p *Publisher) isDaylightAt(lat, lng float64) bool {
	now := p.clk.Now().UTC()
	rise, set := sunrise.SunriseSunset(lat, lng, now.Year(), now.Month(), now.Day())
	if rise.IsZero() && set.IsZero() {
		// Polar day/night: the library reports no sunrise.
		return false
	}
	return now.After(rise) && now.Before(set)
}

// nextAlarm returns the earliest enabled alarm as "HH:MM label".
func nextAlarm(alarms []anio.AlarmClock) string {
	best := ""
	label := ""
	for _, alarm := range alarms {
		if !alarm.Enabled {
			continue
		}
		if best == "" || alarm.Time < best {
			best = alarm.Time
			label = alarm.Label
		}
	}
	if best == "" {
		return ""
	}
	if label == "" {
		return best
	}
	return best + " " + label
}

// insideFences lists the names of the fences the device is currently
// inside, comma separated.
func insideFences(statuses []anio.GeofenceStatus) string {
	var names []string
	for _, status := range statuses {
		if status.IsInside {
			names = append(names, status.Geofence.Name)
		}
	}
	return strings.Join(names, ", ")
}

// deviceSlug builds the entity id fragment for a device from its name
// (falling back to its id): lowercased, non-alphanumerics collapsed
// to underscores.
func (p *Publisher) deviceSlug(state anio.DeviceState, deviceID string) string {
	name := state.Name()
	if name == "" {
		name = deviceID
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "device"
	}
	return p.prefix + "_" + slug
}

func (p *Publisher) setNumber(name string, value float64) {
	if err := p.client.SetInputNumber(name, value); err != nil {
		p.logger.Warn("Failed to set input_number", zap.String("name", name), zap.Error(err))
	}
}

func (p *Publisher) setBoolean(name string, value bool) {
	if err := p.client.SetInputBoolean(name, value); err != nil {
		p.logger.Warn("Failed to set input_boolean", zap.String("name", name), zap.Error(err))
	}
}

func (p *Publisher) setText(name, value string) {
	if err := p.client.SetInputText(name, value); err != nil {
		p.logger.Warn("Failed to set input_text", zap.String("name", name), zap.Error(err))
	}
}
