package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/schema"
	"github.com/c360/satbridge/telemetry"
)

const ts = int64(1717000000123456789)

func testMetadata() *telemetry.Metadata {
	return &telemetry.Metadata{
		Fingerprint: 1,
		Columns: map[string][]string{
			"u": {"DeviceType", "UtcTimestampNs", "DeviceId", "DownlinkThroughput", "SoftwareVersion", "State", "Obstructions", "ActiveAlerts"},
			"i": {"DeviceType", "UtcTimestampNs", "DeviceId", "Ipv4", "Ipv6Ue", "Ipv6Cpe"},
		},
		DeviceTypeNames:    map[string]string{"u": "UserTerminal", "i": "IpAllocation"},
		AlertsByDeviceType: map[string]map[string]string{"u": {"7": "THERMAL_THROTTLE", "9": "MAST_NOT_VERTICAL"}},
		Enums:              map[string]map[string]string{"State": {"0": "OFFLINE", "1": "ONLINE"}},
	}
}

func utRow(id string, throughput any, state any) telemetry.RawRow {
	return telemetry.RawRow{
		DeviceType:  "u",
		DeviceID:    id,
		TimestampNs: ts,
		Values:      []any{"u", json.Number("1717000000123456789"), id, throughput, "2024.1", state, []any{"a", "b"}, nil},
	}
}

func alertRow(id string, codes ...any) telemetry.RawRow {
	return telemetry.RawRow{DeviceType: "u", DeviceID: id, TimestampNs: ts, Values: codes, IsAlert: true}
}

func allocRow(id string, v4, ue, cpe any) telemetry.RawRow {
	return telemetry.RawRow{DeviceType: "i", DeviceID: id, TimestampNs: ts, Values: []any{v4, ue, cpe}, IsAllocation: true}
}

func newNormalizer(t *testing.T) (*Normalizer, *metric.Metrics) {
	t.Helper()
	m := metric.NewMetricsRegistry().CoreMetrics()
	n := New(schema.NewResolver(nil), m, nil)
	n.newID = func() string { return "batch-1" }
	return n, m
}

func normalize(t *testing.T, rows ...telemetry.RawRow) (*telemetry.Batch, *metric.Metrics) {
	t.Helper()
	n, m := newNormalizer(t)
	return n.Normalize(telemetry.NewPoll(testMetadata(), time.Unix(0, ts), rows)), m
}

func TestNormalize_SplitsByKind(t *testing.T) {
	batch, _ := normalize(t, utRow("ut-1", json.Number("12.5"), json.Number("1")))

	assert.Equal(t, "batch-1", batch.ID)
	require.Len(t, batch.Telemetry, 1)
	rec := batch.Telemetry[0]
	assert.Equal(t, "UserTerminal", rec.DeviceTypeName)
	assert.Equal(t, map[string]float64{"DownlinkThroughput": 12.5}, rec.Metrics)
	assert.Equal(t, map[string]string{
		"SoftwareVersion": "2024.1",
		"State":           "ONLINE",
		"Obstructions":    "a;b",
	}, rec.Info)
}

func TestNormalize_MetricsAndInfoPartitionFields(t *testing.T) {
	batch, _ := normalize(t,
		utRow("ut-1", json.Number("3"), json.Number("0")),
		utRow("ut-2", nil, json.Number("5")),
	)
	s, err := schema.NewResolver(nil).Resolve(testMetadata(), "u", [][]any{utRow("ut-1", json.Number("3"), json.Number("0")).Values})
	require.NoError(t, err)

	fields := s.FieldNames()
	for _, rec := range batch.Telemetry {
		for k := range rec.Metrics {
			_, inInfo := rec.Info[k]
			assert.False(t, inInfo, "key %s in both metrics and info", k)
			assert.Contains(t, fields, k)
		}
		for k := range rec.Info {
			assert.Contains(t, fields, k)
		}
	}

	// null values are omitted; unresolved enum codes stay literal
	ut2 := batch.Telemetry[1]
	assert.NotContains(t, ut2.Metrics, "DownlinkThroughput")
	assert.Equal(t, "5", ut2.Info["State"])
}

func TestNormalize_AlertCodes(t *testing.T) {
	batch, m := normalize(t,
		utRow("ut-1", json.Number("1"), json.Number("1")),
		alertRow("ut-1", "9", "7", "7", "42"),
		alertRow("ut-2", "42"),
	)

	require.Len(t, batch.Alerts, 1)
	assert.Equal(t, []string{"MAST_NOT_VERTICAL", "THERMAL_THROTTLE"}, batch.Alerts[0].ActiveAlertNames)
	assert.Equal(t, "UserTerminal", batch.Alerts[0].DeviceTypeName)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(DropUnknownAlertCode)))
}

func TestNormalize_ThermalThrottle(t *testing.T) {
	batch, _ := normalize(t, alertRow("ut-1", json.Number("7")))
	require.Len(t, batch.Alerts, 1)
	assert.Equal(t, []string{"THERMAL_THROTTLE"}, batch.Alerts[0].ActiveAlertNames)
}

func TestNormalize_UnknownDeviceTypeDropped(t *testing.T) {
	row := telemetry.RawRow{DeviceType: "z", DeviceID: "x-1", TimestampNs: ts, Values: []any{"z"}}
	batch, m := normalize(t, row, row, utRow("ut-1", json.Number("1"), nil))

	assert.Len(t, batch.Telemetry, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(DropSchemaGap)))
}

func TestNormalize_MissingIdentityDropped(t *testing.T) {
	noID := utRow("", json.Number("1"), nil)
	noTS := utRow("ut-1", json.Number("1"), nil)
	noTS.TimestampNs = 0

	batch, m := normalize(t, noID, noTS)
	assert.Empty(t, batch.Telemetry)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(DropMissingIdentity)))
}

func TestNormalize_DuplicateRowsLastWriteWins(t *testing.T) {
	batch, _ := normalize(t,
		utRow("ut-1", json.Number("1"), nil),
		utRow("ut-2", json.Number("2"), nil),
		utRow("ut-1", json.Number("3"), nil),
	)

	require.Len(t, batch.Telemetry, 2)
	assert.Equal(t, "ut-1", batch.Telemetry[0].DeviceID)
	assert.Equal(t, 3.0, batch.Telemetry[0].Metrics["DownlinkThroughput"])
}

func TestNormalize_NumericFieldWithTextDropped(t *testing.T) {
	// first row establishes the numeric kind; the cached schema is reused below
	n, m := newNormalizer(t)
	n.Normalize(telemetry.NewPoll(testMetadata(), time.Now(), []telemetry.RawRow{utRow("ut-1", json.Number("1"), nil)}))

	batch := n.Normalize(telemetry.NewPoll(testMetadata(), time.Now(), []telemetry.RawRow{utRow("ut-1", "n/a", nil)}))
	require.Len(t, batch.Telemetry, 1)
	assert.NotContains(t, batch.Telemetry[0].Metrics, "DownlinkThroughput")
	assert.NotContains(t, batch.Telemetry[0].Info, "DownlinkThroughput")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(DropUnparseableValue)))
}

func TestNormalize_Allocations(t *testing.T) {
	batch, m := normalize(t,
		utRow("ut-1", json.Number("1"), nil),
		allocRow("ut-1", "192.0.2.1", []any{"2001:db8::1"}, nil),
		allocRow("ut-9", []any{"bogus", "198.51.100.7"}, nil, nil),
	)

	require.Len(t, batch.Allocations, 2)
	assert.Equal(t, []string{"192.0.2.1", "2001:db8::1"}, batch.Allocations[0].Addresses())
	assert.Equal(t, []string{"2001:db8::1"}, batch.Allocations[0].IPv6UE)
	assert.Equal(t, []string{"198.51.100.7"}, batch.Allocations[1].IPv4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(DropUnparseableAddress)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues(DropUnmatchedAlloc)))

	// telemetry stays unmerged in the batch
	assert.NotContains(t, batch.Telemetry[0].Info, AddressKey(0))
}

func TestNormalize_EmptyPoll(t *testing.T) {
	n, _ := newNormalizer(t)
	batch := n.Normalize(&telemetry.Poll{Metadata: testMetadata()})
	assert.True(t, batch.Empty())
	assert.NotEmpty(t, batch.ID)
}

func TestNormalize_SameRowsSameRecordsAcrossPolls(t *testing.T) {
	meta := testMetadata()
	sparse := []telemetry.RawRow{utRow("ut-1", nil, json.Number("1"))}
	dense := []telemetry.RawRow{
		utRow("ut-1", json.Number("12.5"), json.Number("1")),
		alertRow("ut-1", json.Number("7")),
	}

	n, _ := newNormalizer(t)
	run := func(rows []telemetry.RawRow) *telemetry.Batch {
		return n.Normalize(telemetry.NewPoll(meta, time.Unix(0, ts), rows))
	}

	firstSparse := run(sparse)
	firstDense := run(dense)
	secondSparse := run(sparse)
	secondDense := run(dense)

	assert.Equal(t, firstSparse.Telemetry, secondSparse.Telemetry)
	assert.Equal(t, firstDense.Telemetry, secondDense.Telemetry)
	assert.Equal(t, firstDense.Alerts, secondDense.Alerts)

	// history does not matter: a normalizer that never saw the sparse poll agrees
	fresh, _ := newNormalizer(t)
	alone := fresh.Normalize(telemetry.NewPoll(meta, time.Unix(0, ts), dense))
	assert.Equal(t, alone.Telemetry, firstDense.Telemetry)
	assert.Equal(t, 12.5, firstDense.Telemetry[0].Metrics["DownlinkThroughput"])
	assert.NotContains(t, firstDense.Telemetry[0].Info, "DownlinkThroughput")
}
