package telemetry

import "slices"

// Metadata is the self-describing block embedded in every stream response.
// It is treated as immutable once decoded.
type Metadata struct {
	// Fingerprint changes whenever the column or enum tables change.
	Fingerprint uint64

	// Columns maps a device type code to its ordered column names.
	Columns map[string][]string
	// DeviceTypeNames maps a device type code to its display name.
	DeviceTypeNames map[string]string
	// AlertsByDeviceType maps a device type code (or name) to its alert code table.
	AlertsByDeviceType map[string]map[string]string
	// Enums holds every other flat code→name table, keyed by column name.
	Enums map[string]map[string]string
}

// DeviceTypeName resolves a device type code to its name, falling back to the code.
func (m *Metadata) DeviceTypeName(code string) string {
	if m == nil {
		return code
	}
	if name, ok := m.DeviceTypeNames[code]; ok && name != "" {
		return name
	}
	return code
}

// HasDeviceType reports whether the column table describes a device type.
func (m *Metadata) HasDeviceType(code string) bool {
	if m == nil {
		return false
	}
	cols, ok := m.Columns[code]
	return ok && len(cols) > 0
}

// ColumnIndex returns the position of a column for a device type, or -1.
func (m *Metadata) ColumnIndex(code, column string) int {
	if m == nil {
		return -1
	}
	return slices.Index(m.Columns[code], column)
}
