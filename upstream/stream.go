package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/telemetry"
)

const (
	// FailureTransient marks a poll failure worth retrying (network, 5xx, 429).
	FailureTransient = "transient"
	// FailureRejected marks a request the upstream refused outright.
	FailureRejected = "rejected"
	// FailureDecode marks a response that could not be decoded.
	FailureDecode = "decode"

	allocationIDPrefix = "ip-"
	maxErrorBody       = 4096
)

// Failure describes why a poll produced no rows.
type Failure struct {
	Kind       string
	Retryable  bool
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("poll %s (status %d): %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("poll %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// StreamConfig holds the stream consumer settings.
type StreamConfig struct {
	URL            string
	Account        string
	RequestTimeout time.Duration
	// IgnoreDeviceTypes lists device type codes whose rows are skipped.
	IgnoreDeviceTypes []string
	// AllocationDeviceType is the device type code of address allocation rows.
	AllocationDeviceType string
}

// StreamConsumer issues long-poll requests against the telemetry stream.
type StreamConsumer struct {
	cfg    StreamConfig
	tokens TokenSource
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewStreamConsumer creates a consumer. The client should not carry its own
// Timeout; each request gets max linger plus RequestTimeout.
func NewStreamConsumer(cfg StreamConfig, tokens TokenSource, client *http.Client, logger *slog.Logger) *StreamConsumer {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &StreamConsumer{
		cfg:    cfg,
		tokens: tokens,
		client: client,
		logger: logger.With("component", "stream-consumer"),
		now:    time.Now,
	}
}

// Poll issues one stream request. The upstream holds the request until
// batchSize rows are ready or maxLingerMs elapses. An authentication failure
// invalidates the token and retries the request once.
func (c *StreamConsumer) Poll(ctx context.Context, batchSize, maxLingerMs int) (*telemetry.Poll, error) {
	payload, err := json.Marshal(streamRequest{
		BatchSize:     batchSize,
		MaxLingerMs:   maxLingerMs,
		AccountNumber: c.cfg.Account,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "StreamConsumer", "Poll", "encode request")
	}
	timeout := time.Duration(maxLingerMs)*time.Millisecond + c.cfg.RequestTimeout

	var body []byte
	var authStatus int
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		status, respBody, err := c.post(ctx, token, payload, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.WrapTransient(
				&Failure{Kind: FailureTransient, Retryable: true, Err: fmt.Errorf("%w: %w", errors.ErrUpstreamUnavailable, err)},
				"StreamConsumer", "Poll", "send request")
		}

		if status == http.StatusOK {
			body = respBody
			break
		}

		if errors.IsAuthStatus(status) {
			authStatus = status
			c.logger.Warn("Stream rejected access token, refreshing", "status", status, "attempt", attempt+1)
			c.tokens.Invalidate()
			continue
		}

		return nil, statusFailure(status, respBody)
	}

	if body == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrAuthFailure, &errors.HTTPStatusError{StatusCode: authStatus}),
			"StreamConsumer", "Poll", "authenticate after token refresh")
	}

	meta, values, err := decodeResponse(body)
	if err != nil {
		return nil, errors.WrapInvalid(
			&Failure{Kind: FailureDecode, Err: fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)},
			"StreamConsumer", "Poll", "decode response")
	}

	polledAt := c.now()
	c.logger.Debug("Poll completed", "rows", len(values), "device_types", len(meta.Columns))

	return &telemetry.Poll{
		Metadata: meta,
		PolledAt: polledAt,
		Count:    len(values),
		Rows:     c.rows(meta, values),
	}, nil
}

func (c *StreamConsumer) post(ctx context.Context, token string, payload []byte, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, snippet, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func statusFailure(status int, body []byte) error {
	cause := &errors.HTTPStatusError{StatusCode: status, Body: string(body)}
	if errors.ClassifyHTTPStatus(status) == errors.ErrorTransient {
		return errors.WrapTransient(
			&Failure{Kind: FailureTransient, Retryable: true, StatusCode: status, Err: fmt.Errorf("%w: %w", errors.ErrUpstreamUnavailable, cause)},
			"StreamConsumer", "Poll", "read response")
	}
	return errors.WrapInvalid(
		&Failure{Kind: FailureRejected, StatusCode: status, Err: fmt.Errorf("%w: %w", errors.ErrUpstreamRejected, cause)},
		"StreamConsumer", "Poll", "read response")
}

// rows yields the decoded payload as RawRows. A telemetry row carrying alert
// codes is followed by a separate alert row for the same device and timestamp.
// Rows of unknown device types pass through so the normalizer can account for them.
func (c *StreamConsumer) rows(meta *telemetry.Metadata, values [][]any) iter.Seq[telemetry.RawRow] {
	return func(yield func(telemetry.RawRow) bool) {
		for _, row := range values {
			if len(row) == 0 {
				continue
			}
			deviceType := telemetry.ToString(row[0])
			if slices.Contains(c.cfg.IgnoreDeviceTypes, deviceType) {
				continue
			}

			deviceID := telemetry.ToString(columnValue(meta, deviceType, row, telemetry.ColumnDeviceID))
			ts, _ := telemetry.ToInt64(columnValue(meta, deviceType, row, telemetry.ColumnTimestamp))

			if c.cfg.AllocationDeviceType != "" && deviceType == c.cfg.AllocationDeviceType {
				addrs := make([]any, len(telemetry.AllocationColumns))
				for i, col := range telemetry.AllocationColumns {
					addrs[i] = columnValue(meta, deviceType, row, col)
				}
				if !yield(telemetry.RawRow{
					DeviceType:   deviceType,
					DeviceID:     strings.TrimPrefix(deviceID, allocationIDPrefix),
					TimestampNs:  ts,
					Values:       addrs,
					IsAllocation: true,
				}) {
					return
				}
				continue
			}

			if !yield(telemetry.RawRow{
				DeviceType:  deviceType,
				DeviceID:    deviceID,
				TimestampNs: ts,
				Values:      row,
			}) {
				return
			}

			codes := alertCodes(meta, deviceType, row)
			if len(codes) == 0 {
				continue
			}
			if !yield(telemetry.RawRow{
				DeviceType:  deviceType,
				DeviceID:    deviceID,
				TimestampNs: ts,
				Values:      codes,
				IsAlert:     true,
			}) {
				return
			}
		}
	}
}

func columnValue(meta *telemetry.Metadata, deviceType string, row []any, name string) any {
	i := meta.ColumnIndex(deviceType, name)
	if i < 0 || i >= len(row) {
		return nil
	}
	return row[i]
}

// alertCodes returns the codes of the first alert column present in the row.
func alertCodes(meta *telemetry.Metadata, deviceType string, row []any) []any {
	for _, col := range telemetry.AlertColumns {
		i := meta.ColumnIndex(deviceType, col)
		if i < 0 || i >= len(row) {
			continue
		}
		codes := telemetry.ToStrings(row[i])
		if len(codes) == 0 {
			continue
		}
		out := make([]any, len(codes))
		for j, code := range codes {
			out[j] = code
		}
		return out
	}
	return nil
}
