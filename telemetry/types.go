// Package telemetry defines the records that flow through the poll, normalize
// and publish stages, and the per-device-type schema they are normalized against.
package telemetry

import (
	"iter"
	"slices"
	"time"
)

// Upstream identity and alert columns. These never become schema fields.
const (
	ColumnDeviceType = "DeviceType"
	ColumnDeviceID   = "DeviceId"
	ColumnTimestamp  = "UtcTimestampNs"
)

// AlertColumns are the columns that may carry active alert codes, in lookup order.
var AlertColumns = []string{"Alerts", "ActiveAlerts", "ActiveAlertIds"}

// AllocationColumns are the address-bearing columns of allocation rows, in merge order.
var AllocationColumns = []string{"Ipv4", "Ipv6Ue", "Ipv6Cpe"}

// IsIdentityColumn reports whether a column identifies the row rather than describing the device.
func IsIdentityColumn(name string) bool {
	return name == ColumnDeviceType || name == ColumnDeviceID || name == ColumnTimestamp
}

// IsAlertColumn reports whether a column carries alert codes.
func IsAlertColumn(name string) bool {
	return slices.Contains(AlertColumns, name)
}

// FieldKind is the semantic kind of a schema field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumeric
	KindEnum
	KindArray
)

func (k FieldKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Field is one routed column of a device type.
type Field struct {
	Name   string
	Kind   FieldKind
	Column int // position in the upstream row
	// Observed is false while Kind is only the string default, chosen
	// before any non-null value of the column was seen.
	Observed bool
}

// DeviceSchema is the resolved, immutable view of one device type for one metadata version.
type DeviceSchema struct {
	DeviceType     string // upstream code, e.g. "u"
	DeviceTypeName string // resolved name, e.g. "UserTerminal"
	Fingerprint    uint64
	Fields         []Field
	AlertCodes     map[string]string
	Enums          map[string]map[string]string
}

// Settled reports whether every field kind is backed by evidence.
func (s *DeviceSchema) Settled() bool {
	for _, f := range s.Fields {
		if !f.Observed {
			return false
		}
	}
	return true
}

// FieldNames returns the schema's field names in column order.
func (s *DeviceSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// RawRow is one upstream row tagged by device type. Telemetry rows carry the
// full column-aligned value list. Alert rows carry the alert codes. Allocation
// rows carry one value per AllocationColumns entry.
type RawRow struct {
	DeviceType   string
	DeviceID     string
	TimestampNs  int64
	Values       []any
	IsAlert      bool
	IsAllocation bool
}

// TelemetryRecord is a normalized device sample.
type TelemetryRecord struct {
	DeviceType     string             `json:"device_type" msgpack:"device_type"`
	DeviceTypeName string             `json:"device_type_name" msgpack:"device_type_name"`
	DeviceID       string             `json:"device_id" msgpack:"device_id"`
	TimestampNs    int64              `json:"ts_ns" msgpack:"ts_ns"`
	Metrics        map[string]float64 `json:"metrics" msgpack:"metrics"`
	Info           map[string]string  `json:"info" msgpack:"info"`
}

// Key identifies the sample within a batch.
func (r *TelemetryRecord) Key() RecordKey {
	return RecordKey{DeviceID: r.DeviceID, TimestampNs: r.TimestampNs}
}

// RecordKey is the (device, timestamp) identity of a sample.
type RecordKey struct {
	DeviceID    string
	TimestampNs int64
}

// AlertRecord lists the alerts active on a device at a timestamp.
type AlertRecord struct {
	DeviceType       string   `json:"device_type" msgpack:"device_type"`
	DeviceTypeName   string   `json:"device_type_name" msgpack:"device_type_name"`
	DeviceID         string   `json:"device_id" msgpack:"device_id"`
	TimestampNs      int64    `json:"ts_ns" msgpack:"ts_ns"`
	ActiveAlertNames []string `json:"active_alert_names" msgpack:"active_alert_names"`
}

// AllocationRecord lists the addresses assigned to a device, grouped by the
// column they were delivered in.
type AllocationRecord struct {
	DeviceID    string   `json:"device_id" msgpack:"device_id"`
	TimestampNs int64    `json:"ts_ns" msgpack:"ts_ns"`
	IPv4        []string `json:"ipv4" msgpack:"ipv4"`
	IPv6UE      []string `json:"ipv6_ue" msgpack:"ipv6_ue"`
	IPv6CPE     []string `json:"ipv6_cpe" msgpack:"ipv6_cpe"`
}

// Addresses returns every address in delivery order: IPv4, then IPv6 UE, then IPv6 CPE.
func (a *AllocationRecord) Addresses() []string {
	out := make([]string, 0, len(a.IPv4)+len(a.IPv6UE)+len(a.IPv6CPE))
	out = append(out, a.IPv4...)
	out = append(out, a.IPv6UE...)
	return append(out, a.IPv6CPE...)
}

// Batch is the unit handed to publishers. One Batch corresponds to one poll response.
type Batch struct {
	ID          string             `json:"id" msgpack:"id"`
	PolledAt    time.Time          `json:"polled_at" msgpack:"polled_at"`
	Telemetry   []TelemetryRecord  `json:"telemetry" msgpack:"telemetry"`
	Alerts      []AlertRecord      `json:"alerts" msgpack:"alerts"`
	Allocations []AllocationRecord `json:"allocations" msgpack:"allocations"`
}

// Empty reports whether the batch carries no records at all.
func (b *Batch) Empty() bool {
	return len(b.Telemetry) == 0 && len(b.Alerts) == 0 && len(b.Allocations) == 0
}

// Size returns the total record count across categories.
func (b *Batch) Size() int {
	return len(b.Telemetry) + len(b.Alerts) + len(b.Allocations)
}

// Poll is the decoded result of one upstream poll.
type Poll struct {
	Metadata *Metadata
	PolledAt time.Time
	// Count is the number of upstream rows in the response.
	Count int
	// Rows lazily yields RawRows; it is finite and may be ranged over more than once.
	Rows iter.Seq[RawRow]
}

// NewPoll builds a Poll over an in-memory row slice.
func NewPoll(meta *Metadata, polledAt time.Time, rows []RawRow) *Poll {
	return &Poll{
		Metadata: meta,
		PolledAt: polledAt,
		Count:    len(rows),
		Rows:     slices.Values(rows),
	}
}
