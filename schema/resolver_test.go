package schema

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/telemetry"
)

func testMetadata(fingerprint uint64) *telemetry.Metadata {
	return &telemetry.Metadata{
		Fingerprint: fingerprint,
		Columns: map[string][]string{
			"u": {"DeviceType", "UtcTimestampNs", "DeviceId", "DownlinkThroughput", "SoftwareVersion", "State", "Obstructions", "ActiveAlerts"},
			"r": {"DeviceType", "UtcTimestampNs", "DeviceId", "Clients"},
		},
		DeviceTypeNames: map[string]string{"u": "UserTerminal", "r": "Router"},
		AlertsByDeviceType: map[string]map[string]string{
			"u": {"7": "THERMAL_THROTTLE"},
		},
		Enums: map[string]map[string]string{
			"State": {"0": "OFFLINE", "1": "ONLINE"},
		},
	}
}

func userTerminalSamples() [][]any {
	return [][]any{
		{"u", json.Number("1700000000000000000"), "ut-1", json.Number("12.5"), "2024.1", json.Number("1"), []any{json.Number("0.1")}, []any{json.Number("7")}},
		{"u", json.Number("1700000000000000000"), "ut-2", nil, "2024.2", json.Number("0"), nil, nil},
	}
}

func TestBuild_ClassifiesKinds(t *testing.T) {
	s := Build(testMetadata(1), "u", userTerminalSamples())

	assert.Equal(t, "UserTerminal", s.DeviceTypeName)
	assert.True(t, s.Settled())
	assert.Equal(t, []string{"DownlinkThroughput", "SoftwareVersion", "State", "Obstructions"}, s.FieldNames())

	kinds := map[string]telemetry.FieldKind{}
	for _, f := range s.Fields {
		kinds[f.Name] = f.Kind
	}
	assert.Equal(t, telemetry.KindNumeric, kinds["DownlinkThroughput"])
	assert.Equal(t, telemetry.KindString, kinds["SoftwareVersion"])
	assert.Equal(t, telemetry.KindEnum, kinds["State"])
	assert.Equal(t, telemetry.KindArray, kinds["Obstructions"])

	assert.Equal(t, map[string]string{"7": "THERMAL_THROTTLE"}, s.AlertCodes)
	assert.Contains(t, s.Enums, "State")
}

func TestBuild_NoAlertTableYieldsEmptyMapping(t *testing.T) {
	s := Build(testMetadata(1), "r", nil)
	require.NotNil(t, s.AlertCodes)
	assert.Empty(t, s.AlertCodes)
	// no observations means no evidence for numeric
	assert.Equal(t, telemetry.KindString, s.Fields[0].Kind)
	assert.False(t, s.Fields[0].Observed)
	assert.False(t, s.Settled())
}

func TestBuild_AlertTableByName(t *testing.T) {
	meta := testMetadata(1)
	meta.AlertsByDeviceType = map[string]map[string]string{"Router": {"3": "WAN_DOWN"}}

	s := Build(meta, "r", nil)
	assert.Equal(t, "WAN_DOWN", s.AlertCodes["3"])
}

func TestResolver_CachesPerFingerprint(t *testing.T) {
	r := NewResolver(nil)
	meta := testMetadata(42)

	first, err := r.Resolve(meta, "u", userTerminalSamples())
	require.NoError(t, err)

	// different samples, same fingerprint: cached schema wins
	second, err := r.Resolve(meta, "u", [][]any{{"u", json.Number("1"), "x", "text"}})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), r.Resolutions())

	changed := testMetadata(43)
	third, err := r.Resolve(changed, "u", userTerminalSamples())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, uint64(43), third.Fingerprint)
	assert.Equal(t, int64(2), r.Resolutions())

	cached, ok := r.Lookup("u")
	require.True(t, ok)
	assert.Same(t, third, cached)
}

func TestResolver_NullColumnResolvedByLaterPoll(t *testing.T) {
	r := NewResolver(nil)
	meta := testMetadata(42)
	sparse := [][]any{{"u", json.Number("1"), "ut-1", nil, "2024.1", json.Number("1"), nil, nil}}
	dense := [][]any{{"u", json.Number("2"), "ut-1", json.Number("12.5"), "2024.1", json.Number("1"), nil, nil}}

	first, err := r.Resolve(meta, "u", sparse)
	require.NoError(t, err)
	assert.False(t, first.Settled())

	// a later all-null poll changes nothing
	again, err := r.Resolve(meta, "u", sparse)
	require.NoError(t, err)
	assert.Same(t, first, again)

	second, err := r.Resolve(meta, "u", dense)
	require.NoError(t, err)
	fresh := Build(meta, "u", dense)

	kinds := func(s *telemetry.DeviceSchema) map[string]telemetry.FieldKind {
		out := map[string]telemetry.FieldKind{}
		for _, f := range s.Fields {
			out[f.Name] = f.Kind
		}
		return out
	}
	assert.Equal(t, telemetry.KindNumeric, kinds(second)["DownlinkThroughput"])
	assert.Equal(t, kinds(fresh)["DownlinkThroughput"], kinds(second)["DownlinkThroughput"])
	assert.Equal(t, int64(2), r.Resolutions())

	// the first schema is immutable
	assert.Equal(t, telemetry.KindString, kinds(first)["DownlinkThroughput"])

	// observed kinds stay put once decided
	third, err := r.Resolve(meta, "u", [][]any{{"u", json.Number("3"), "ut-1", "n/a", "2024.1", json.Number("1"), nil, nil}})
	require.NoError(t, err)
	assert.Equal(t, telemetry.KindNumeric, kinds(third)["DownlinkThroughput"])
}

func TestResolver_UnknownDeviceTypeIsSchemaGap(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Resolve(testMetadata(1), "z", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaGap)
	assert.True(t, errors.IsInvalid(err))
}

func TestResolver_ConcurrentResolveAndLookup(t *testing.T) {
	r := NewResolver(nil)
	meta := testMetadata(7)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(meta, "u", userTerminalSamples())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			r.Lookup("u")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), r.Resolutions())
}
