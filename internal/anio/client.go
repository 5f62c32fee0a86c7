package anio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aniobridge/internal/clock"

	"go.uber.org/zap"
)

const (
	// RateLimitMaxRetries is how many 429 responses are absorbed
	// before RateLimitError surfaces to the caller.
	RateLimitMaxRetries = 5

	// rateLimitBackoffBase is the exponential backoff base in seconds
	// used when the server sends no Retry-After header.
	rateLimitBackoffBase = 2

	// DefaultMaxMessageLength applies when the device config does not
	// say otherwise.
	DefaultMaxMessageLength = 95
)

// Client talks to the ANIO cloud REST API. All calls share one
// request path: bearer token from the auth handler, app-uuid header,
// JSON bodies, and a single rate-limit retry loop. It is safe for
// concurrent use; the retry budget is per call.
type Client struct {
	httpClient *http.Client
	auth       *Auth
	logger     *zap.Logger
	baseURL    string
	clk        clock.Clock
}

// NewClient creates an API client. An empty baseURL selects the
// production endpoint.
func NewClient(httpClient *http.Client, auth *Auth, baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		auth:       auth,
		logger:     logger.Named("client"),
		baseURL:    baseURL,
		clk:        clock.NewRealClock(),
	}
}

// SetClock sets the clock implementation (useful for testing).
func (c *Client) SetClock(clk clock.Clock) {
	c.clk = clk
}

// request performs one authenticated call and returns the raw
// response body, or nil for 204 responses. Rate-limited attempts are
// retried in place.
func (c *Client) request(ctx context.Context, method, endpoint string, body interface{}, query url.Values) (json.RawMessage, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	reqURL := c.baseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	for attempt := 1; ; attempt++ {
		token, err := c.auth.EnsureValidToken(ctx)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("app-uuid", c.auth.AppUUID())
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &ConnectionError{Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := resp.Header.Get("Retry-After")
			resp.Body.Close()
			if err := c.handleRateLimit(attempt, retryAfter); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			return nil, &AuthError{Message: fmt.Sprintf("unauthorized request to %s", endpoint)}

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, &NotFoundError{Resource: endpoint}

		case resp.StatusCode >= 400:
			text, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(text))}

		case resp.StatusCode == http.StatusNoContent:
			resp.Body.Close()
			return nil, nil
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &ConnectionError{Err: err}
		}
		return data, nil
	}
}

// handleRateLimit sleeps per Retry-After, or exponentially when the
// header is absent. Past the ceiling it fails.
func (c *Client) handleRateLimit(attempt int, retryAfter string) error {
	if attempt > RateLimitMaxRetries {
		after, _ := strconv.Atoi(retryAfter)
		return &RateLimitError{RetryAfter: after}
	}

	waitSeconds := 0
	if retryAfter != "" {
		waitSeconds, _ = strconv.Atoi(retryAfter)
	}
	if waitSeconds <= 0 {
		waitSeconds = 1
		for i := 0; i < attempt; i++ {
			waitSeconds *= rateLimitBackoffBase
		}
	}

	c.logger.Warn("Rate limited, backing off",
		zap.Int("wait_seconds", waitSeconds),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", RateLimitMaxRetries))

	c.clk.Sleep(time.Duration(waitSeconds) * time.Second)
	return nil
}

// decodeBody unmarshals a response body, treating an empty body (a
// 204 on a GET endpoint) as an empty result.
func decodeBody(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// GetDevices lists all devices on the account.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/device/list", nil, nil)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := decodeBody(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}
	return devices, nil
}

// GetDevice fetches a single device.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/device/"+deviceID, nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, &NotFoundError{Resource: "device " + deviceID}
		}
		return nil, err
	}
	var device Device
	if err := decodeBody(data, &device); err != nil {
		return nil, fmt.Errorf("failed to decode device: %w", err)
	}
	return &device, nil
}

// FindDevice asks the watch to report its location immediately.
func (c *Client) FindDevice(ctx context.Context, deviceID string) error {
	if _, err := c.request(ctx, http.MethodPost, "/v1/device/"+deviceID+"/find", nil, nil); err != nil {
		return err
	}
	c.logger.Debug("Location request sent", zap.String("device_id", deviceID))
	return nil
}

// PowerOffDevice turns the watch off remotely.
func (c *Client) PowerOffDevice(ctx context.Context, deviceID string) error {
	if _, err := c.request(ctx, http.MethodPost, "/v1/device/"+deviceID+"/poweroff", nil, nil); err != nil {
		return err
	}
	c.logger.Info("Power off command sent", zap.String("device_id", deviceID))
	return nil
}

// SendFlower sends a praise flower to the watch.
func (c *Client) SendFlower(ctx context.Context, deviceID string) error {
	if _, err := c.request(ctx, http.MethodPost, "/v1/device/"+deviceID+"/flower", nil, nil); err != nil {
		return err
	}
	c.logger.Debug("Flower sent", zap.String("device_id", deviceID))
	return nil
}

// UpdateDeviceSettings applies a partial settings update. Keys use
// the API's camelCase names (e.g. "ringProfile").
func (c *Client) UpdateDeviceSettings(ctx context.Context, deviceID string, settings map[string]interface{}) error {
	_, err := c.request(ctx, http.MethodPut, "/v1/device/"+deviceID+"/settings", settings, nil)
	return err
}

// GetTrackingMode reads the device's tracking mode. A 404 means the
// device does not expose one and returns empty.
func (c *Client) GetTrackingMode(ctx context.Context, deviceID string) (string, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/device/"+deviceID+"/trackingMode", nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	var body struct {
		TrackingMode string `json:"trackingMode"`
	}
	if err := decodeBody(data, &body); err != nil {
		return "", fmt.Errorf("failed to decode tracking mode: %w", err)
	}
	return body.TrackingMode, nil
}

// SetTrackingMode updates the device's tracking mode.
func (c *Client) SetTrackingMode(ctx context.Context, deviceID, mode string) error {
	payload := map[string]string{"trackingMode": mode}
	_, err := c.request(ctx, http.MethodPut, "/v1/device/"+deviceID+"/trackingMode", payload, nil)
	return err
}

// SendTextMessage sends a chat text message to the watch. The length
// check runs before any network call.
func (c *Client) SendTextMessage(ctx context.Context, deviceID, text, username string, maxLength int) (*ChatMessage, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	if len([]rune(text)) > maxLength {
		return nil, &MessageTooLongError{Length: len([]rune(text)), MaxLength: maxLength}
	}

	payload := map[string]string{
		"deviceId": deviceID,
		"text":     text,
	}
	if username != "" {
		payload["username"] = username
	}

	data, err := c.request(ctx, http.MethodPost, "/v1/chat/message/text", payload, nil)
	if err != nil {
		return nil, err
	}
	var msg ChatMessage
	if err := decodeBody(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode chat message: %w", err)
	}
	return &msg, nil
}

// IsValidEmojiCode reports whether code is one of the twelve emoji
// codes the watch understands (E01..E12).
func IsValidEmojiCode(code string) bool {
	for i := 1; i <= 12; i++ {
		if code == fmt.Sprintf("E%02d", i) {
			return true
		}
	}
	return false
}

// SendEmojiMessage sends an emoji chat message to the watch.
func (c *Client) SendEmojiMessage(ctx context.Context, deviceID, emojiCode, username string) (*ChatMessage, error) {
	if !IsValidEmojiCode(emojiCode) {
		return nil, &APIError{Message: fmt.Sprintf("invalid emoji code: %s (valid codes are E01..E12)", emojiCode)}
	}

	payload := map[string]string{
		"deviceId": deviceID,
		"text":     emojiCode,
	}
	if username != "" {
		payload["username"] = username
	}

	data, err := c.request(ctx, http.MethodPost, "/v1/chat/message/emoji", payload, nil)
	if err != nil {
		return nil, err
	}
	var msg ChatMessage
	if err := decodeBody(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode chat message: %w", err)
	}
	return &msg, nil
}

// GetChatHistory fetches the chat history for a device, oldest first.
func (c *Client) GetChatHistory(ctx context.Context, deviceID string) ([]ChatMessage, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/chat/"+deviceID, nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	var messages []ChatMessage
	if err := decodeBody(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode chat history: %w", err)
	}
	return messages, nil
}

// GetActivity fetches the activity feed. Items that fail to parse are
// skipped; the feed mixes shapes and a malformed entry should not
// poison a poll cycle.
func (c *Client) GetActivity(ctx context.Context, from *time.Time) ([]ActivityItem, error) {
	var query url.Values
	if from != nil {
		query = url.Values{"from": []string{from.Format(time.RFC3339)}}
	}

	data, err := c.request(ctx, http.MethodGet, "/v1/activity", nil, query)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := decodeBody(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode activity feed: %w", err)
	}

	items := make([]ActivityItem, 0, len(raw))
	for _, entry := range raw {
		var item ActivityItem
		if err := json.Unmarshal(entry, &item); err != nil {
			c.logger.Debug("Skipping unparseable activity item", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// GetGeofences lists all geofences. A 404 means none exist.
func (c *Client) GetGeofences(ctx context.Context) ([]Geofence, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/geofence", nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			c.logger.Debug("No geofences configured")
			return nil, nil
		}
		return nil, err
	}
	var fences []Geofence
	if err := decodeBody(data, &fences); err != nil {
		return nil, fmt.Errorf("failed to decode geofences: %w", err)
	}
	return fences, nil
}

// GetDeviceLocations fetches the location history for a device.
func (c *Client) GetDeviceLocations(ctx context.Context, deviceID string) ([]DeviceLocation, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/location/"+deviceID, nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	var locations []DeviceLocation
	if err := decodeBody(data, &locations); err != nil {
		return nil, fmt.Errorf("failed to decode locations: %w", err)
	}
	return locations, nil
}

// GetLastLocation fetches the most recent location fix for a device,
// or nil when the device has never reported one.
func (c *Client) GetLastLocation(ctx context.Context, deviceID string) (*DeviceLocation, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/location/"+deviceID+"/last", nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var location DeviceLocation
	if err := decodeBody(data, &location); err != nil {
		return nil, fmt.Errorf("failed to decode location: %w", err)
	}
	return &location, nil
}

// GetAlarms lists the alarms configured on a device.
func (c *Client) GetAlarms(ctx context.Context, deviceID string) ([]AlarmClock, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/alarm-clock/"+deviceID, nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	var alarms []AlarmClock
	if err := decodeBody(data, &alarms); err != nil {
		return nil, fmt.Errorf("failed to decode alarms: %w", err)
	}
	return alarms, nil
}

// CreateAlarm creates a new alarm on a device.
func (c *Client) CreateAlarm(ctx context.Context, alarm AlarmClock) (*AlarmClock, error) {
	data, err := c.request(ctx, http.MethodPost, "/v1/alarm-clock", alarm, nil)
	if err != nil {
		return nil, err
	}
	var created AlarmClock
	if err := decodeBody(data, &created); err != nil {
		return nil, fmt.Errorf("failed to decode alarm: %w", err)
	}
	return &created, nil
}

// DeleteAlarm removes an alarm.
func (c *Client) DeleteAlarm(ctx context.Context, alarmID string) error {
	_, err := c.request(ctx, http.MethodDelete, "/v1/alarm-clock/"+alarmID, nil, nil)
	return err
}

// GetSilenceTimes lists the silence windows configured on a device.
func (c *Client) GetSilenceTimes(ctx context.Context, deviceID string) ([]SilenceTime, error) {
	data, err := c.request(ctx, http.MethodGet, "/v1/silence-time/"+deviceID, nil, nil)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	var times []SilenceTime
	if err := decodeBody(data, &times); err != nil {
		return nil, fmt.Errorf("failed to decode silence times: %w", err)
	}
	return times, nil
}

// EnableSilenceTimes turns on all silence windows for a device.
func (c *Client) EnableSilenceTimes(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, http.MethodPost, "/v1/silence-time/"+deviceID+"/enable", nil, nil)
	return err
}

// DisableSilenceTimes turns off all silence windows for a device.
func (c *Client) DisableSilenceTimes(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, http.MethodPost, "/v1/silence-time/"+deviceID+"/disable", nil, nil)
	return err
}
