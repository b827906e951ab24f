// Package schema resolves per-device-type field schemas from the metadata block
// embedded in each stream response.
package schema

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/telemetry"
)

// Resolver caches one immutable DeviceSchema per device type and re-resolves
// only when the metadata fingerprint changes. Lookups are lock-free; resolution
// is serialized and publishes a fresh copy of the cache.
type Resolver struct {
	logger *slog.Logger

	mu      sync.Mutex
	schemas atomic.Pointer[map[string]*telemetry.DeviceSchema]

	resolutions atomic.Int64
}

// NewResolver creates an empty resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{logger: logger.With("component", "schema-resolver")}
	empty := map[string]*telemetry.DeviceSchema{}
	r.schemas.Store(&empty)
	return r
}

// Lookup returns the cached schema for a device type regardless of fingerprint.
func (r *Resolver) Lookup(deviceType string) (*telemetry.DeviceSchema, bool) {
	s, ok := (*r.schemas.Load())[deviceType]
	return s, ok
}

// Resolutions returns how many schemas have been (re)built since creation.
func (r *Resolver) Resolutions() int64 {
	return r.resolutions.Load()
}

// Resolve returns the schema for deviceType under meta. A cached schema is
// reused while its fingerprint matches; otherwise the column kinds are
// classified from samples, the column-aligned value lists observed for this
// device type in the current response. A column that has only ever been null
// keeps no kind of its own: the first poll that carries a value for it
// refines the cached schema, so routing never depends on which poll came first.
func (r *Resolver) Resolve(meta *telemetry.Metadata, deviceType string, samples [][]any) (*telemetry.DeviceSchema, error) {
	if !meta.HasDeviceType(deviceType) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: device type %q", errors.ErrSchemaGap, deviceType),
			"Resolver", "Resolve", "look up columns")
	}

	if cached, ok := r.Lookup(deviceType); ok && reusable(cached, meta, samples) {
		return cached, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.schemas.Load()
	cached, ok := current[deviceType]
	if ok && reusable(cached, meta, samples) {
		return cached, nil
	}

	var resolved *telemetry.DeviceSchema
	if ok && cached.Fingerprint == meta.Fingerprint {
		resolved = Refine(cached, samples)
	} else {
		resolved = Build(meta, deviceType, samples)
	}

	next := make(map[string]*telemetry.DeviceSchema, len(current)+1)
	maps.Copy(next, current)
	next[deviceType] = resolved
	r.schemas.Store(&next)
	r.resolutions.Add(1)

	r.logger.Info("Resolved device schema",
		"device_type", deviceType,
		"device_type_name", resolved.DeviceTypeName,
		"fields", len(resolved.Fields),
		"settled", resolved.Settled(),
		"alert_codes", len(resolved.AlertCodes),
		"fingerprint", fmt.Sprintf("%016x", meta.Fingerprint))

	return resolved, nil
}

// reusable reports whether cached can serve samples unchanged.
func reusable(cached *telemetry.DeviceSchema, meta *telemetry.Metadata, samples [][]any) bool {
	if cached.Fingerprint != meta.Fingerprint {
		return false
	}
	for _, f := range cached.Fields {
		if !f.Observed && hasValue(f.Column, samples) {
			return false
		}
	}
	return true
}

// Build classifies the columns of one device type. It does not consult or
// modify any cache.
func Build(meta *telemetry.Metadata, deviceType string, samples [][]any) *telemetry.DeviceSchema {
	columns := meta.Columns[deviceType]
	s := &telemetry.DeviceSchema{
		DeviceType:     deviceType,
		DeviceTypeName: meta.DeviceTypeName(deviceType),
		Fingerprint:    meta.Fingerprint,
		Fields:         make([]telemetry.Field, 0, len(columns)),
		AlertCodes:     alertTable(meta, deviceType),
		Enums:          map[string]map[string]string{},
	}

	for i, name := range columns {
		if telemetry.IsIdentityColumn(name) || telemetry.IsAlertColumn(name) {
			continue
		}

		if table, ok := meta.Enums[name]; ok {
			s.Enums[name] = table
			s.Fields = append(s.Fields, telemetry.Field{Name: name, Kind: telemetry.KindEnum, Column: i, Observed: true})
			continue
		}
		kind, observed := classify(i, samples)
		s.Fields = append(s.Fields, telemetry.Field{Name: name, Kind: kind, Column: i, Observed: observed})
	}

	return s
}

// Refine returns a copy of s in which every field still lacking evidence is
// classified from samples. Observed fields keep their kind.
func Refine(s *telemetry.DeviceSchema, samples [][]any) *telemetry.DeviceSchema {
	refined := *s
	refined.Fields = slices.Clone(s.Fields)
	for i, f := range refined.Fields {
		if f.Observed {
			continue
		}
		refined.Fields[i].Kind, refined.Fields[i].Observed = classify(f.Column, samples)
	}
	return &refined
}

// classify applies the kind policy to one column: observed arrays, then
// all-numeric observations, otherwise string. observed is false when every
// sample is null.
func classify(column int, samples [][]any) (kind telemetry.FieldKind, observed bool) {
	seen := 0
	numeric := true
	for _, row := range samples {
		if column >= len(row) {
			continue
		}
		v := row[column]
		if telemetry.IsNull(v) {
			continue
		}
		if _, isArray := v.([]any); isArray {
			return telemetry.KindArray, true
		}
		seen++
		if !telemetry.IsNumeric(v) {
			numeric = false
		}
	}

	switch {
	case seen == 0:
		return telemetry.KindString, false
	case numeric:
		return telemetry.KindNumeric, true
	default:
		return telemetry.KindString, true
	}
}

func hasValue(column int, samples [][]any) bool {
	for _, row := range samples {
		if column < len(row) && !telemetry.IsNull(row[column]) {
			return true
		}
	}
	return false
}

// alertTable finds the alert code table by device type code, then by name.
// A device type without a table yields an empty mapping.
func alertTable(meta *telemetry.Metadata, deviceType string) map[string]string {
	if table, ok := meta.AlertsByDeviceType[deviceType]; ok {
		return maps.Clone(table)
	}
	if table, ok := meta.AlertsByDeviceType[meta.DeviceTypeName(deviceType)]; ok {
		return maps.Clone(table)
	}
	return map[string]string{}
}
