package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/telemetry"
)

const samplePayload = `{
  "data": {
    "values": [
      ["u", 1717000000123456789, "ut-1", 12.5, "2024.1", 1, [7, 9]],
      ["u", 1717000000123456789, "ut-2", null, "2024.2", 0, []],
      ["i", 1717000000123456789, "ip-ut-1", "192.0.2.1", ["2001:db8::1"], null],
      ["r", 1717000000123456789, "rt-1", 3]
    ],
    "columnNamesByDeviceType": {
      "u": ["DeviceType", "UtcTimestampNs", "DeviceId", "DownlinkThroughput", "SoftwareVersion", "State", "ActiveAlerts"],
      "i": ["DeviceType", "UtcTimestampNs", "DeviceId", "Ipv4", "Ipv6Ue", "Ipv6Cpe"],
      "r": ["DeviceType", "UtcTimestampNs", "DeviceId", "Clients"]
    }
  },
  "metadata": {
    "enums": {
      "DeviceType": {"u": "UserTerminal", "r": "Router", "i": "IpAllocation"},
      "AlertsByDeviceType": {"u": {"7": "THERMAL_THROTTLE", "9": "MAST_NOT_VERTICAL"}},
      "State": {"0": "OFFLINE", "1": "ONLINE"}
    }
  }
}`

type fakeTokens struct {
	mu          sync.Mutex
	next        int
	current     string
	invalidated int
	err         error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.current == "" {
		f.next++
		f.current = "tok-" + string(rune('0'+f.next))
	}
	return f.current, nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = ""
	f.invalidated++
}

func newConsumer(t *testing.T, handler http.HandlerFunc, cfg StreamConfig) (*StreamConsumer, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.URL = srv.URL
	tokens := &fakeTokens{}
	return NewStreamConsumer(cfg, tokens, srv.Client(), nil), tokens
}

func TestStreamConsumer_PollDecodesRows(t *testing.T) {
	consumer, _ := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(500), req["batchSize"])
		assert.Equal(t, float64(2000), req["maxLingerMs"])
		assert.Equal(t, "ACC-1", req["accountNumber"])

		_, _ = io.WriteString(w, samplePayload)
	}, StreamConfig{Account: "ACC-1", AllocationDeviceType: "i", IgnoreDeviceTypes: []string{"r"}})

	poll, err := consumer.Poll(context.Background(), 500, 2000)
	require.NoError(t, err)
	assert.Equal(t, 4, poll.Count)
	assert.NotZero(t, poll.Metadata.Fingerprint)
	assert.Equal(t, "UserTerminal", poll.Metadata.DeviceTypeName("u"))
	assert.Equal(t, "THERMAL_THROTTLE", poll.Metadata.AlertsByDeviceType["u"]["7"])
	assert.Equal(t, "ONLINE", poll.Metadata.Enums["State"]["1"])

	rows := slices.Collect(poll.Rows)
	require.Len(t, rows, 4)

	assert.Equal(t, "ut-1", rows[0].DeviceID)
	assert.Equal(t, int64(1717000000123456789), rows[0].TimestampNs)
	assert.False(t, rows[0].IsAlert)

	assert.True(t, rows[1].IsAlert)
	assert.Equal(t, "ut-1", rows[1].DeviceID)
	assert.Equal(t, []any{"7", "9"}, rows[1].Values)

	// ut-2 has an empty alert list, so no alert row follows it
	assert.Equal(t, "ut-2", rows[2].DeviceID)
	assert.False(t, rows[2].IsAlert)

	assert.True(t, rows[3].IsAllocation)
	assert.Equal(t, "ut-1", rows[3].DeviceID)
	require.Len(t, rows[3].Values, len(telemetry.AllocationColumns))
	assert.Equal(t, []string{"192.0.2.1"}, telemetry.ToStrings(rows[3].Values[0]))
	assert.Equal(t, []string{"2001:db8::1"}, telemetry.ToStrings(rows[3].Values[1]))
	assert.Nil(t, rows[3].Values[2])

	// the sequence can be ranged again
	assert.Len(t, slices.Collect(poll.Rows), 4)
}

func TestStreamConsumer_SameMetadataSameFingerprint(t *testing.T) {
	consumer, _ := newConsumer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, samplePayload)
	}, StreamConfig{})

	first, err := consumer.Poll(context.Background(), 10, 10)
	require.NoError(t, err)
	second, err := consumer.Poll(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Equal(t, first.Metadata.Fingerprint, second.Metadata.Fingerprint)
}

// reorderedPayload carries the same tables as samplePayload with every object
// written in a different key order and layout.
const reorderedPayload = `{"metadata": {"enums": {
    "State": {"1": "ONLINE", "0": "OFFLINE"},
    "AlertsByDeviceType": {"u": {"9": "MAST_NOT_VERTICAL", "7": "THERMAL_THROTTLE"}},
    "DeviceType": {"i": "IpAllocation", "r": "Router", "u": "UserTerminal"}}},
  "data": {
    "columnNamesByDeviceType": {
      "r": ["DeviceType", "UtcTimestampNs", "DeviceId", "Clients"],
      "i": ["DeviceType", "UtcTimestampNs", "DeviceId", "Ipv4", "Ipv6Ue", "Ipv6Cpe"],
      "u": ["DeviceType", "UtcTimestampNs", "DeviceId", "DownlinkThroughput", "SoftwareVersion", "State", "ActiveAlerts"]
    },
    "values": [["r", 1717000000999999999, "rt-1", 5]]
  }
}`

func TestStreamConsumer_FingerprintIgnoresKeyOrder(t *testing.T) {
	var calls atomic.Int32
	consumer, _ := newConsumer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, samplePayload)
			return
		}
		_, _ = io.WriteString(w, reorderedPayload)
	}, StreamConfig{})

	first, err := consumer.Poll(context.Background(), 10, 10)
	require.NoError(t, err)
	second, err := consumer.Poll(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Equal(t, first.Metadata.Fingerprint, second.Metadata.Fingerprint)
}

func TestFingerprint_Canonical(t *testing.T) {
	columns := json.RawMessage(`{"u": ["DeviceType", "DeviceId"]}`)
	a := fingerprint(columns, json.RawMessage(`{"enums": {"State": {"0": "OFF", "1": "ON"}, "Mode": {"2": "X"}}}`))
	b := fingerprint(columns, json.RawMessage(`{"enums":{"Mode":{"2":"X"},"State":{"1":"ON","0":"OFF"}}}`))
	assert.Equal(t, a, b)

	changed := fingerprint(columns, json.RawMessage(`{"enums":{"Mode":{"2":"X"},"State":{"1":"ON","0":"DOWN"}}}`))
	assert.NotEqual(t, a, changed)

	reordered := fingerprint(json.RawMessage(`{"u": ["DeviceId", "DeviceType"]}`), json.RawMessage(`{"enums": {"State": {"0": "OFF", "1": "ON"}, "Mode": {"2": "X"}}}`))
	assert.NotEqual(t, a, reordered, "column order is significant")
}

func TestStreamConsumer_ServerMayLingerPastRequestTimeout(t *testing.T) {
	const linger = 300 * time.Millisecond
	consumer, _ := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {
		// Hold the request the way the upstream does while it waits for rows.
		select {
		case <-time.After(linger - 50*time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, samplePayload)
	}, StreamConfig{RequestTimeout: 100 * time.Millisecond})

	poll, err := consumer.Poll(context.Background(), 500, int(linger/time.Millisecond))
	require.NoError(t, err, "the deadline covers max linger plus the request timeout")
	assert.Equal(t, 4, poll.Count)
}

func TestStreamConsumer_DeadlineStillBoundsStalledServer(t *testing.T) {
	release := make(chan struct{})
	consumer, _ := newConsumer(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, StreamConfig{RequestTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { close(release) })

	start := time.Now()
	_, err := consumer.Poll(context.Background(), 500, 100)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStreamConsumer_FullBatchReturnsWithoutLingering(t *testing.T) {
	consumer, _ := newConsumer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, samplePayload)
	}, StreamConfig{RequestTimeout: time.Second})

	start := time.Now()
	poll, err := consumer.Poll(context.Background(), 4, 10000)
	require.NoError(t, err)
	assert.Equal(t, 4, poll.Count)
	assert.Less(t, time.Since(start), 2*time.Second, "a full batch does not wait for max linger")
}

func TestStreamConsumer_AuthFailureRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	consumer, tokens := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"values":[]}}`)
	}, StreamConfig{})

	poll, err := consumer.Poll(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, poll.Count)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, tokens.invalidated)
}

func TestStreamConsumer_AuthFailureTwiceIsFatal(t *testing.T) {
	var calls atomic.Int32
	consumer, tokens := newConsumer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}, StreamConfig{})

	_, err := consumer.Poll(context.Background(), 10, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthFailure)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, tokens.invalidated)
}

func TestStreamConsumer_StatusFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      string
		retryable bool
		transient bool
	}{
		{"server error", http.StatusBadGateway, FailureTransient, true, true},
		{"throttled", http.StatusTooManyRequests, FailureTransient, true, true},
		{"bad request", http.StatusBadRequest, FailureRejected, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer, tokens := newConsumer(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}, StreamConfig{})

			_, err := consumer.Poll(context.Background(), 10, 10)
			require.Error(t, err)

			var f *Failure
			require.True(t, errors.As(err, &f))
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.retryable, f.Retryable)
			assert.Equal(t, tt.status, f.StatusCode)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Zero(t, tokens.invalidated)
		})
	}
}

func TestStreamConsumer_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	consumer := NewStreamConsumer(StreamConfig{URL: url, RequestTimeout: time.Second}, &fakeTokens{}, nil, nil)
	_, err := consumer.Poll(context.Background(), 10, 10)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
}

func TestStreamConsumer_MalformedBodyIsInvalid(t *testing.T) {
	consumer, _ := newConsumer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data": [`)
	}, StreamConfig{})

	_, err := consumer.Poll(context.Background(), 10, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	assert.True(t, errors.IsInvalid(err))
}

func TestStreamConsumer_TokenErrorPropagates(t *testing.T) {
	consumer, tokens := newConsumer(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("stream must not be called without a token")
	}, StreamConfig{})
	tokens.err = errors.WrapFatal(errors.ErrAuthFailure, "test", "Token", "exchange")

	_, err := consumer.Poll(context.Background(), 10, 10)
	assert.ErrorIs(t, err, errors.ErrAuthFailure)
}
