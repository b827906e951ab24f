// Package normalizer turns the rows of one stream poll into a Batch: telemetry
// split into metrics and info by field kind, alert codes resolved to names,
// and address allocations collected for merging.
package normalizer

import (
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/schema"
	"github.com/c360/satbridge/telemetry"
)

// Drop reasons reported to metrics.
const (
	DropSchemaGap          = "schema_gap"
	DropUnknownAlertCode   = "unknown_alert_code"
	DropMissingIdentity    = "missing_identity"
	DropUnparseableValue   = "unparseable_value"
	DropUnparseableAddress = "unparseable_address"
	DropUnmatchedAlloc     = "unmatched_allocation"
)

// Normalizer is used by the single pipeline worker; it is not safe for concurrent Normalize calls.
type Normalizer struct {
	resolver *schema.Resolver
	metrics  *metric.Metrics
	logger   *slog.Logger
	newID    func() string
}

// New creates a normalizer. metrics may be nil.
func New(resolver *schema.Resolver, metrics *metric.Metrics, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		resolver: resolver,
		metrics:  metrics,
		logger:   logger.With("component", "normalizer"),
		newID:    uuid.NewString,
	}
}

// Normalize builds the Batch for one poll. It never fails: rows that cannot
// be normalized are dropped, logged and counted.
func (n *Normalizer) Normalize(poll *telemetry.Poll) *telemetry.Batch {
	batch := &telemetry.Batch{
		ID:       n.newID(),
		PolledAt: poll.PolledAt,
	}
	if poll.Rows == nil {
		return batch
	}

	samples := make(map[string][][]any)
	for row := range poll.Rows {
		if !row.IsAlert && !row.IsAllocation {
			samples[row.DeviceType] = append(samples[row.DeviceType], row.Values)
		}
	}

	schemas := make(map[string]*telemetry.DeviceSchema, len(samples))
	gaps := make(map[string]bool)
	lookup := func(deviceType string) *telemetry.DeviceSchema {
		if s, ok := schemas[deviceType]; ok {
			return s
		}
		if gaps[deviceType] {
			return nil
		}
		s, err := n.resolver.Resolve(poll.Metadata, deviceType, samples[deviceType])
		if err != nil {
			gaps[deviceType] = true
			n.logger.Warn("Dropping rows of unknown device type", "device_type", deviceType, "error", err)
			return nil
		}
		schemas[deviceType] = s
		return s
	}

	seen := make(map[telemetry.RecordKey]int)
	for row := range poll.Rows {
		if row.DeviceID == "" || row.TimestampNs == 0 {
			n.metrics.RecordDrop(DropMissingIdentity)
			continue
		}

		if row.IsAllocation {
			n.metrics.RecordRow("allocation")
			batch.Allocations = append(batch.Allocations, n.allocation(row))
			continue
		}

		s := lookup(row.DeviceType)
		if s == nil {
			n.metrics.RecordDrop(DropSchemaGap)
			continue
		}

		if row.IsAlert {
			n.metrics.RecordRow("alert")
			if rec, ok := n.alert(s, row); ok {
				batch.Alerts = append(batch.Alerts, rec)
			}
			continue
		}

		n.metrics.RecordRow("telemetry")
		rec := n.telemetry(s, row)
		if i, dup := seen[rec.Key()]; dup {
			batch.Telemetry[i] = rec
			continue
		}
		seen[rec.Key()] = len(batch.Telemetry)
		batch.Telemetry = append(batch.Telemetry, rec)
	}

	n.countUnmatched(batch)

	n.metrics.RecordRecords("telemetry", len(batch.Telemetry))
	n.metrics.RecordRecords("alerts", len(batch.Alerts))
	n.metrics.RecordRecords("allocations", len(batch.Allocations))

	n.logger.Debug("Normalized poll",
		"batch_id", batch.ID,
		"rows", poll.Count,
		"telemetry", len(batch.Telemetry),
		"alerts", len(batch.Alerts),
		"allocations", len(batch.Allocations))

	return batch
}

func (n *Normalizer) telemetry(s *telemetry.DeviceSchema, row telemetry.RawRow) telemetry.TelemetryRecord {
	rec := telemetry.TelemetryRecord{
		DeviceType:     row.DeviceType,
		DeviceTypeName: s.DeviceTypeName,
		DeviceID:       row.DeviceID,
		TimestampNs:    row.TimestampNs,
		Metrics:        make(map[string]float64),
		Info:           make(map[string]string),
	}

	for _, f := range s.Fields {
		if f.Column >= len(row.Values) {
			continue
		}
		v := row.Values[f.Column]
		if telemetry.IsNull(v) {
			continue
		}

		switch f.Kind {
		case telemetry.KindNumeric:
			num, ok := telemetry.ToFloat(v)
			if !ok {
				n.metrics.RecordDrop(DropUnparseableValue)
				n.logger.Warn("Dropping non-numeric value of numeric field",
					"device_type", row.DeviceType, "device_id", row.DeviceID, "field", f.Name)
				continue
			}
			rec.Metrics[f.Name] = num
		case telemetry.KindEnum:
			code := telemetry.ToString(v)
			if name, ok := s.Enums[f.Name][code]; ok {
				rec.Info[f.Name] = name
			} else {
				rec.Info[f.Name] = code
			}
		default:
			rec.Info[f.Name] = telemetry.ToString(v)
		}
	}
	return rec
}

func (n *Normalizer) alert(s *telemetry.DeviceSchema, row telemetry.RawRow) (telemetry.AlertRecord, bool) {
	names := make([]string, 0, len(row.Values))
	for _, v := range row.Values {
		code := telemetry.ToString(v)
		name, ok := s.AlertCodes[code]
		if !ok {
			n.metrics.RecordDrop(DropUnknownAlertCode)
			n.logger.Warn("Dropping unresolvable alert code",
				"device_type", row.DeviceType, "device_id", row.DeviceID, "code", code)
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return telemetry.AlertRecord{}, false
	}
	slices.Sort(names)
	return telemetry.AlertRecord{
		DeviceType:       row.DeviceType,
		DeviceTypeName:   s.DeviceTypeName,
		DeviceID:         row.DeviceID,
		TimestampNs:      row.TimestampNs,
		ActiveAlertNames: slices.Compact(names),
	}, true
}

func (n *Normalizer) allocation(row telemetry.RawRow) telemetry.AllocationRecord {
	rec := telemetry.AllocationRecord{
		DeviceID:    row.DeviceID,
		TimestampNs: row.TimestampNs,
	}
	lists := []*[]string{&rec.IPv4, &rec.IPv6UE, &rec.IPv6CPE}
	for i, dst := range lists {
		if i >= len(row.Values) {
			break
		}
		for _, addr := range telemetry.ToStrings(row.Values[i]) {
			if _, err := ProjectAddress(addr); err != nil {
				n.metrics.RecordDrop(DropUnparseableAddress)
				n.logger.Warn("Skipping unparseable address", "device_id", row.DeviceID, "address", addr)
				continue
			}
			*dst = append(*dst, addr)
		}
	}
	return rec
}

// countUnmatched reports allocations that have no telemetry record to merge into.
// They stay in the batch for sinks that store allocations on their own.
func (n *Normalizer) countUnmatched(batch *telemetry.Batch) {
	if len(batch.Allocations) == 0 {
		return
	}
	devices := make(map[string]struct{}, len(batch.Telemetry))
	for _, rec := range batch.Telemetry {
		devices[rec.DeviceID] = struct{}{}
	}
	for _, alloc := range batch.Allocations {
		if _, ok := devices[alloc.DeviceID]; !ok {
			n.metrics.RecordDrop(DropUnmatchedAlloc)
			n.logger.Debug("Allocation has no telemetry in batch", "device_id", alloc.DeviceID)
		}
	}
}
