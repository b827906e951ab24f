package spool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/storage/filestore"
	"github.com/c360/satbridge/telemetry"
)

func sampleBatch() *telemetry.Batch {
	return &telemetry.Batch{
		ID:       "7d1f0c1e-batch",
		PolledAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Telemetry: []telemetry.TelemetryRecord{{
			DeviceType: "u", DeviceTypeName: "UserTerminal", DeviceID: "ut-1", TimestampNs: 1717000000123456789,
			Metrics: map[string]float64{"DownlinkThroughput": 12.5, "address_0": 3221225985},
			Info:    map[string]string{"SoftwareVersion": "2024.1"},
		}},
		Alerts: []telemetry.AlertRecord{{
			DeviceType: "u", DeviceTypeName: "UserTerminal", DeviceID: "ut-1", TimestampNs: 1717000000123456789,
			ActiveAlertNames: []string{"THERMAL_THROTTLE"},
		}},
		Allocations: []telemetry.AllocationRecord{{
			DeviceID: "ut-1", TimestampNs: 1717000000123456789,
			IPv4: []string{"192.0.2.1"}, IPv6UE: []string{"2001:db8::1"},
		}},
	}
}

func assertSameBatch(t *testing.T, want, got *telemetry.Batch) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.PolledAt.Equal(got.PolledAt))
	assert.Equal(t, want.Telemetry, got.Telemetry)
	assert.Equal(t, want.Alerts, got.Alerts)
	require.Len(t, got.Allocations, 1)
	assert.Equal(t, want.Allocations[0].Addresses(), got.Allocations[0].Addresses())
}

func TestFileSpool_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	sp, err := Open(ctx, Config{Backend: BackendFile, Path: t.TempDir()}, nil)
	require.NoError(t, err)
	defer sp.Close()

	empty, err := sp.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	batch := sampleBatch()
	require.NoError(t, sp.Save(ctx, batch))

	got, err := sp.Load(ctx)
	require.NoError(t, err)
	assertSameBatch(t, batch, got)

	require.NoError(t, sp.Clear(ctx))
	got, err = sp.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileSpool_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Open(ctx, Config{Backend: BackendFile, Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, sampleBatch()))
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{Backend: BackendFile, Path: dir}, nil)
	require.NoError(t, err)
	got, err := second.Load(ctx)
	require.NoError(t, err)
	assertSameBatch(t, sampleBatch(), got)
}

func TestRedisSpool_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	sp, err := Open(ctx, Config{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr(), Key: "bridge-1"}, nil)
	require.NoError(t, err)
	defer sp.Close()

	batch := sampleBatch()
	require.NoError(t, sp.Save(ctx, batch))
	assert.True(t, mr.Exists("satbridge:bridge-1"))

	got, err := sp.Load(ctx)
	require.NoError(t, err)
	assertSameBatch(t, batch, got)

	require.NoError(t, sp.Clear(ctx))
	assert.False(t, mr.Exists("satbridge:bridge-1"))
}

func TestSpool_SaveReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	sp := New(store, "", nil)

	require.NoError(t, sp.Save(ctx, sampleBatch()))
	next := sampleBatch()
	next.ID = "next"
	require.NoError(t, sp.Save(ctx, next))

	got, err := sp.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", got.ID)
}

func TestSpool_CorruptDataIsInvalid(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, DefaultKey, []byte{0xc1}))

	_, err = New(store, "", nil).Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	assert.True(t, errors.IsInvalid(err))
}

func TestSpool_QuarantineKeepsCorruptBytes(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, DefaultKey, []byte{0xc1}))
	sp := New(store, "", nil)

	require.NoError(t, sp.Quarantine(ctx))

	got, err := sp.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "the spool slot is free again")

	kept, err := store.Get(ctx, DefaultKey+QuarantineSuffix)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc1}, kept)

	require.NoError(t, sp.Save(ctx, sampleBatch()))
	kept, err = store.Get(ctx, DefaultKey+QuarantineSuffix)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc1}, kept, "a later save does not touch the quarantined bytes")

	require.NoError(t, New(store, "missing", nil).Quarantine(ctx))
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	sp, err := Open(ctx, Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, sp)
	require.NoError(t, sp.Save(ctx, sampleBatch()))
	got, err := sp.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = Open(ctx, Config{Backend: "s3"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = Open(ctx, Config{Backend: BackendFile}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
