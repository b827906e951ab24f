package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("upstream", nil, false).IsHealthy())
	assert.True(t, FromError("upstream", fmt.Errorf("timeout"), true).IsDegraded())

	s := FromError("sink:clickhouse", fmt.Errorf("post http://ch.internal:8123/?query=x failed"), false)
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "ch.internal")
	assert.Contains(t, s.Message, "[URL]")
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, notContains string
	}{
		{"dial tcp 10.0.0.12:8086: refused", "10.0.0.12"},
		{"open /var/lib/satbridge/spool.msgpack: permission denied", "/var/lib"},
		{"token=abc123 rejected", "abc123"},
		{"redis://user:pw@cache:6379 unreachable", "pw@cache"},
	}
	for _, tt := range tests {
		assert.NotContains(t, Sanitize(tt.in), tt.notContains, tt.in)
	}
	assert.Equal(t, "", Sanitize(""))
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("upstream", "ok")
	m.UpdateDegraded("sink:influxdb", "retrying")

	got, ok := m.Get("sink:influxdb")
	require.True(t, ok)
	assert.Equal(t, "sink:influxdb", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	overall := m.AggregateHealth("satbridge")
	assert.True(t, overall.IsDegraded())
	require.Len(t, overall.SubStatuses, 2)
	assert.Equal(t, "sink:influxdb", overall.SubStatuses[0].Component)

	m.UpdateUnhealthy("pipeline", "halted")
	assert.True(t, m.AggregateHealth("satbridge").IsUnhealthy())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.UpdateHealthy(fmt.Sprintf("c%d", i%4), "ok")
		}(i)
		go func() {
			defer wg.Done()
			m.AggregateHealth("satbridge")
		}()
	}
	wg.Wait()
	assert.Len(t, m.AggregateHealth("satbridge").SubStatuses, 4)
}
