package anio

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message sender types as reported by the API.
const (
	SenderApp    = "APP"
	SenderWatch  = "WATCH"
	SenderDevice = "DEVICE"
)

// Message types as reported by the API.
const (
	MessageTypeText  = "TEXT"
	MessageTypeEmoji = "EMOJI"
	MessageTypeVoice = "VOICE"
)

// AuthTokens is the response of the login and refresh endpoints.
type AuthTokens struct {
	AccessToken   string `json:"accessToken"`
	RefreshToken  string `json:"refreshToken"`
	IsOTPRequired bool   `json:"isOtpCodeRequired"`
}

// DeviceConfig describes the capabilities of a watch model.
type DeviceConfig struct {
	Generation           string `json:"generation"`
	Type                 string `json:"type"`
	FirmwareVersion      string `json:"firmwareVersion"`
	MaxChatMessageLength int    `json:"maxChatMessageLength"`
	MaxPhonebookEntries  int    `json:"maxPhonebookEntries"`
	MaxGeofences         int    `json:"maxGeofences"`
	HasTextChat          bool   `json:"hasTextChat"`
	HasVoiceChat         bool   `json:"hasVoiceChat"`
	HasEmojis            bool   `json:"hasEmojis"`
	HasStepCounter       bool   `json:"hasStepCounter"`
	HasLocatingSwitch    bool   `json:"hasLocatingSwitch"`
}

// UnmarshalJSON applies the API defaults for fields the server omits.
func (c *DeviceConfig) UnmarshalJSON(data []byte) error {
	type alias DeviceConfig
	a := alias{
		Type:                 "WATCH",
		MaxChatMessageLength: 95,
		MaxPhonebookEntries:  20,
		MaxGeofences:         5,
		HasTextChat:          true,
		HasVoiceChat:         true,
		HasEmojis:            true,
		HasStepCounter:       true,
		HasLocatingSwitch:    true,
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = DeviceConfig(a)
	return nil
}

// DeviceSettings holds per-watch user settings.
type DeviceSettings struct {
	Name             string `json:"name"`
	HexColor         string `json:"hexColor"`
	PhoneNr          string `json:"phoneNr,omitempty"`
	Gender           string `json:"gender,omitempty"`
	StepTarget       int    `json:"stepTarget"`
	StepCount        int    `json:"stepCount"`
	Battery          int    `json:"battery"`
	IsLocatingActive bool   `json:"isLocatingActive"`
	RingProfile      string `json:"ringProfile"`
}

// UnmarshalJSON clamps out-of-range values the way the API sometimes
// delivers them: battery outside 0..100, negative step counts.
func (s *DeviceSettings) UnmarshalJSON(data []byte) error {
	type alias DeviceSettings
	a := alias{
		StepTarget:       10000,
		IsLocatingActive: true,
		RingProfile:      "RING_AND_VIBRATE",
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Battery < 0 {
		a.Battery = 0
	} else if a.Battery > 100 {
		a.Battery = 100
	}
	if a.StepCount < 0 {
		a.StepCount = 0
	}
	*s = DeviceSettings(a)
	return nil
}

// UserInfo identifies the account a device belongs to.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Device is a watch as returned by /v1/device/list.
type Device struct {
	ID       string         `json:"id"`
	IMEI     string         `json:"imei"`
	Config   DeviceConfig   `json:"config"`
	Settings DeviceSettings `json:"settings"`
	User     *UserInfo      `json:"user,omitempty"`
}

// ChatMessage is a single chat history entry.
type ChatMessage struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	Text       string    `json:"text"`
	Username   string    `json:"username,omitempty"`
	Type       string    `json:"type"`
	Sender     string    `json:"sender"`
	IsReceived bool      `json:"isReceived"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Geofence is a named circular region.
type Geofence struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Radius    int     `json:"radius"`
}

// UnmarshalJSON rejects coordinates outside the valid range.
func (g *Geofence) UnmarshalJSON(data []byte) error {
	type alias Geofence
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Latitude < -90 || a.Latitude > 90 {
		return fmt.Errorf("geofence %s: latitude %f out of range", a.ID, a.Latitude)
	}
	if a.Longitude < -180 || a.Longitude > 180 {
		return fmt.Errorf("geofence %s: longitude %f out of range", a.ID, a.Longitude)
	}
	*g = Geofence(a)
	return nil
}

// DeviceLocation is an entry from /v1/location/{deviceId}. The API
// packs coordinates into a two-element position array.
type DeviceLocation struct {
	Position             []float64 `json:"position"`
	BatteryLevel         int       `json:"batteryLevel"`
	SignalStrength       int       `json:"signalStrength"`
	PositionDeterminedBy string    `json:"positionDeterminedBy"`
	Date                 time.Time `json:"date"`
	LastResponse         time.Time `json:"lastResponse"`
	Speed                int       `json:"speed"`
	Direction            int       `json:"direction"`
	DeviceID             string    `json:"deviceId"`
}

// Latitude returns the first element of the position array.
func (l *DeviceLocation) Latitude() float64 {
	if len(l.Position) < 1 {
		return 0
	}
	return l.Position[0]
}

// Longitude returns the second element of the position array.
func (l *DeviceLocation) Longitude() float64 {
	if len(l.Position) < 2 {
		return 0
	}
	return l.Position[1]
}

// LocationInfo is a simplified location snapshot.
type LocationInfo struct {
	Latitude  float64    `json:"lat"`
	Longitude float64    `json:"lng"`
	Accuracy  int        `json:"accuracy"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ActivityItem is an entry of the /v1/activity feed. Data is kept raw
// because its shape depends on Type (MESSAGE, LOCATION, ...).
type ActivityItem struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageData is the decoded Data payload of a MESSAGE activity item.
type MessageData struct {
	ID        string `json:"id"`
	DeviceID  string `json:"deviceId"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"createdAt"`
}

// AlarmClock is an alarm configured on a watch.
type AlarmClock struct {
	ID       string   `json:"id"`
	DeviceID string   `json:"deviceId"`
	Time     string   `json:"time"`
	Days     []string `json:"days"`
	Enabled  bool     `json:"enabled"`
	Label    string   `json:"label,omitempty"`
}

// SilenceTime is a school-mode window during which the watch stays
// silent.
type SilenceTime struct {
	ID        string   `json:"id"`
	DeviceID  string   `json:"deviceId"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Days      []string `json:"days"`
	Enabled   bool     `json:"enabled"`
}

// GeofenceStatus pairs a geofence with the membership result for one
// device on one poll cycle.
type GeofenceStatus struct {
	Geofence Geofence `json:"geofence"`
	IsInside bool     `json:"isInside"`
}

// DeviceState is the consolidated per-device snapshot built by the
// coordinator on every poll cycle. It is replaced wholesale, never
// mutated in place.
type DeviceState struct {
	Device         Device           `json:"device"`
	Location       *LocationInfo    `json:"location,omitempty"`
	Geofences      []GeofenceStatus `json:"geofences"`
	LastSeen       *time.Time       `json:"lastSeen,omitempty"`
	IsOnline       bool             `json:"isOnline"`
	BatteryLevel   int              `json:"batteryLevel"`
	SignalStrength int              `json:"signalStrength"`
	LastMessage    *ChatMessage     `json:"lastMessage,omitempty"`
	Alarms         []AlarmClock     `json:"alarms"`
	SilenceTimes   []SilenceTime    `json:"silenceTimes"`
	TrackingMode   string           `json:"trackingMode,omitempty"`
}

// Name returns the configured device name.
func (s *DeviceState) Name() string {
	return s.Device.Settings.Name
}
