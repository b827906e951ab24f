package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"UserTerminal":          "user_terminal",
		"DownlinkThroughputBps": "downlink_throughput_bps",
		"Ipv6Ue":                "ipv6_ue",
		"IPv4Addr":              "i_pv4_addr",
		"HTTPServer":            "http_server",
		"already_snake":         "already_snake",
		"with-dash.and space":   "with_dash_and_space",
		"Ünïcode":               "n_code",
		"":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "starlink_user_terminal_downlink_throughput", MetricName("starlink", "UserTerminal", "DownlinkThroughput"))
	assert.Equal(t, "starlink_info", MetricName("starlink", "", "info"))
	assert.Equal(t, "_5_g_signal", MetricName("5G", "Signal"))
}
