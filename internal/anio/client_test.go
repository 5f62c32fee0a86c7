package anio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aniobridge/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestClient wires a client against the given handler with a valid
// token so no refresh traffic interferes with the test.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *clock.MockClock, *httptest.Server) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	auth := NewAuth(server.Client(), AuthConfig{
		BaseURL:     server.URL,
		AccessToken: makeJWT(time.Now().Add(time.Hour)),
		AppUUID:     "test-uuid",
	}, logger)

	client := NewClient(server.Client(), auth, server.URL, logger)
	clk := clock.NewMockClock(time.Now())
	client.SetClock(clk)
	return client, clk, server
}

func TestRateLimitRetrySucceeds(t *testing.T) {
	var requests int32
	client, clk, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))

	devices, err := client.GetDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))

	slept := clk.Slept()
	require.Len(t, slept, 1)
	assert.Equal(t, 3*time.Second, slept[0])
}

func TestRateLimitExponentialBackoff(t *testing.T) {
	var requests int32
	client, clk, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))

	_, err := client.GetDevices(context.Background())
	require.NoError(t, err)

	// Without Retry-After the backoff doubles each attempt.
	slept := clk.Slept()
	require.Len(t, slept, 2)
	assert.Equal(t, 2*time.Second, slept[0])
	assert.Equal(t, 4*time.Second, slept[1])
}

func TestRateLimitExhausted(t *testing.T) {
	var requests int32
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.GetDevices(context.Background())
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 60, rateErr.RetryAfter)
	assert.Equal(t, int32(RateLimitMaxRetries+1), atomic.LoadInt32(&requests))
}

func TestRateLimitCounterResets(t *testing.T) {
	var requests int32
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every other request is rate limited; each call carries its
		// own retry budget so the ceiling is never reached.
		if atomic.AddInt32(&requests, 1)%2 == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))

	for i := 0; i < 4; i++ {
		_, err := client.GetDevices(context.Background())
		require.NoError(t, err)
	}
}

func TestUnauthorizedReturnsAuthError(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.GetDevices(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestServerErrorReturnsAPIError(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := client.GetDevices(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestRequestHeaders(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		assert.Equal(t, "test-uuid", r.Header.Get("app-uuid"))
		w.Write([]byte(`[]`))
	}))

	_, err := client.GetDevices(context.Background())
	require.NoError(t, err)
}

func TestGetDevices(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/list", r.URL.Path)
		w.Write([]byte(`[
			{"id": "dev-1", "imei": "123456", "settings": {"name": "Emma", "battery": 80}},
			{"id": "dev-2", "imei": "654321", "settings": {"name": "Noah", "battery": 120}}
		]`))
	}))

	devices, err := client.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Emma", devices[0].Settings.Name)
	assert.Equal(t, 80, devices[0].Settings.Battery)
	assert.Equal(t, 100, devices[1].Settings.Battery)
}

func TestGetDeviceNotFound(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetDevice(context.Background(), "missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, notFound.Resource, "missing")
}

func TestNotFoundMeansEmpty(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	ctx := context.Background()

	location, err := client.GetLastLocation(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, location)

	fences, err := client.GetGeofences(ctx)
	require.NoError(t, err)
	assert.Nil(t, fences)

	messages, err := client.GetChatHistory(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, messages)

	alarms, err := client.GetAlarms(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, alarms)

	mode, err := client.GetTrackingMode(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, mode)
}

func TestSendTextMessageTooLong(t *testing.T) {
	var requests int32
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))

	_, err := client.SendTextMessage(context.Background(), "dev-1", strings.Repeat("a", 96), "", 0)
	var tooLong *MessageTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, 96, tooLong.Length)
	assert.Equal(t, DefaultMaxMessageLength, tooLong.MaxLength)
	assert.Zero(t, atomic.LoadInt32(&requests), "length check must run before any network call")
}

func TestSendTextMessageCountsRunes(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/message/text", r.URL.Path)
		json.NewEncoder(w).Encode(ChatMessage{ID: "msg-1", Sender: SenderApp})
	}))

	// 95 multibyte runes is more than 95 bytes but still within limit.
	text := strings.Repeat("ü", 95)
	msg, err := client.SendTextMessage(context.Background(), "dev-1", text, "Mama", 95)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.ID)
}

func TestSendTextMessageDeviceLimit(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an oversized message")
	}))

	_, err := client.SendTextMessage(context.Background(), "dev-1", strings.Repeat("a", 50), "", 40)
	var tooLong *MessageTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, 40, tooLong.MaxLength)
}

func TestIsValidEmojiCode(t *testing.T) {
	assert.True(t, IsValidEmojiCode("E01"))
	assert.True(t, IsValidEmojiCode("E12"))
	assert.False(t, IsValidEmojiCode("E00"))
	assert.False(t, IsValidEmojiCode("E13"))
	assert.False(t, IsValidEmojiCode("e01"))
	assert.False(t, IsValidEmojiCode("X05"))
	assert.False(t, IsValidEmojiCode(""))
}

func TestSendEmojiMessageInvalidCode(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an invalid emoji code")
	}))

	_, err := client.SendEmojiMessage(context.Background(), "dev-1", "E99", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Zero(t, apiErr.StatusCode)
}

func TestSendEmojiMessage(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/message/emoji", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "E05", payload["text"])
		assert.Equal(t, "dev-1", payload["deviceId"])

		json.NewEncoder(w).Encode(ChatMessage{ID: "msg-2", Type: MessageTypeEmoji})
	}))

	msg, err := client.SendEmojiMessage(context.Background(), "dev-1", "E05", "")
	require.NoError(t, err)
	assert.Equal(t, MessageTypeEmoji, msg.Type)
}

func TestGetActivitySkipsBadItems(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/activity", r.URL.Path)
		w.Write([]byte(`[
			{"id": "act-1", "type": "MESSAGE", "data": {"id": "msg-1"}},
			{"id": 42, "type": "MESSAGE"},
			{"id": "act-2", "type": "LOCATION"}
		]`))
	}))

	items, err := client.GetActivity(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "act-1", items[0].ID)
	assert.Equal(t, "act-2", items[1].ID)
}

func TestGetLastLocation(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/location/dev-1/last", r.URL.Path)
		w.Write([]byte(`{
			"position": [52.52, 13.405],
			"batteryLevel": 76,
			"signalStrength": 4,
			"deviceId": "dev-1"
		}`))
	}))

	location, err := client.GetLastLocation(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, location)
	assert.Equal(t, 52.52, location.Latitude())
	assert.Equal(t, 13.405, location.Longitude())
	assert.Equal(t, 76, location.BatteryLevel)
}

func TestPowerOffDevice(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/device/dev-1/poweroff", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.NoError(t, client.PowerOffDevice(context.Background(), "dev-1"))
}

func TestSetTrackingMode(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/device/dev-1/trackingMode", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "FREQUENT", payload["trackingMode"])
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.NoError(t, client.SetTrackingMode(context.Background(), "dev-1", "FREQUENT"))
}

func TestEmptyBodyTreatedAsEmptyResult(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()

	devices, err := client.GetDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	messages, err := client.GetChatHistory(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	location, err := client.GetLastLocation(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, location)

	items, err := client.GetActivity(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, items)

	mode, err := client.GetTrackingMode(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, mode)
}

// Commands arrive on request goroutines while the poll loop is mid
// cycle; both paths share one client and one auth handler.
func TestConcurrentRequestsShareAuth(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	newAccess := makeJWT(time.Now().Add(time.Hour))

	var refreshes int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/refresh-access-token":
			atomic.AddInt32(&refreshes, 1)
			json.NewEncoder(w).Encode(map[string]string{
				"accessToken":  newAccess,
				"refreshToken": "refresh-new",
			})
		case "/v1/device/list":
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	auth := NewAuth(server.Client(), AuthConfig{
		BaseURL:      server.URL,
		AccessToken:  makeJWT(time.Now().Add(-time.Minute)),
		RefreshToken: "refresh-old",
		AppUUID:      "test-uuid",
	}, logger)
	client := NewClient(server.Client(), auth, server.URL, logger)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 2; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := client.GetDevices(context.Background()); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := client.FindDevice(context.Background(), "dev-1"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent request failed: %v", err)
	}
	// Refreshes serialize; the first one leaves a valid token behind.
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
	assert.Equal(t, "refresh-new", auth.RefreshTokenValue())
}
