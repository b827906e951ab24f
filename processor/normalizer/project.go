package normalizer

import (
	"encoding/binary"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/satbridge/telemetry"
)

// Projection selects how allocation addresses are merged into telemetry records.
type Projection int

const (
	// ProjectLiteral writes addresses as info["address_<i>"] strings.
	ProjectLiteral Projection = iota
	// ProjectNumeric writes addresses as metrics["address_<i>"] numbers.
	ProjectNumeric
)

func (p Projection) String() string {
	if p == ProjectNumeric {
		return "numeric"
	}
	return "literal"
}

const (
	addressKeyPrefix = "address_"
	ipv6FoldMask     = 1<<52 - 1
)

// AddressKey returns the merge key of the i-th address.
func AddressKey(i int) string {
	return fmt.Sprintf("%s%d", addressKeyPrefix, i)
}

// IsAddressKey reports whether a metric or info key was produced by the allocation merge.
func IsAddressKey(key string) bool {
	return strings.HasPrefix(key, addressKeyPrefix)
}

// ProjectAddress maps an address literal onto a float64-safe integer.
// IPv4 becomes its 32-bit big-endian value. IPv6 is folded to the lower 52
// bits of xxhash64 over its 16 bytes; the fold is lossy and collisions are
// accepted. IPv4-mapped IPv6 addresses project as IPv4.
func ProjectAddress(literal string) (float64, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(literal))
	if err != nil {
		return 0, err
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return float64(binary.BigEndian.Uint32(b[:])), nil
	}
	b := addr.As16()
	return float64(xxhash.Sum64(b[:]) & ipv6FoldMask), nil
}

// MergeAllocations returns a copy of the batch's telemetry with allocations
// merged into the records of the same device. The batch itself is not
// modified. A device with several allocations in one batch takes the newest
// one, ties broken by address content, so the result does not depend on row
// order. Address keys already on a record are replaced, never mixed. Addresses
// that fail to project are skipped and reported in the second return value.
func MergeAllocations(batch *telemetry.Batch, mode Projection) ([]telemetry.TelemetryRecord, int) {
	out := make([]telemetry.TelemetryRecord, len(batch.Telemetry))
	byDevice := make(map[string][]int, len(batch.Telemetry))
	for i, rec := range batch.Telemetry {
		out[i] = cloneRecord(rec)
		byDevice[rec.DeviceID] = append(byDevice[rec.DeviceID], i)
	}

	chosen := make(map[string]telemetry.AllocationRecord, len(batch.Allocations))
	for _, alloc := range batch.Allocations {
		if len(byDevice[alloc.DeviceID]) == 0 {
			continue
		}
		if prev, ok := chosen[alloc.DeviceID]; !ok || supersedes(alloc, prev) {
			chosen[alloc.DeviceID] = alloc
		}
	}

	skipped := 0
	for deviceID, alloc := range chosen {
		targets := byDevice[deviceID]
		for _, t := range targets {
			maps.DeleteFunc(out[t].Metrics, func(k string, _ float64) bool { return IsAddressKey(k) })
			maps.DeleteFunc(out[t].Info, func(k string, _ string) bool { return IsAddressKey(k) })
		}
		for i, addr := range alloc.Addresses() {
			key := AddressKey(i)
			if mode == ProjectNumeric {
				v, err := ProjectAddress(addr)
				if err != nil {
					skipped++
					continue
				}
				for _, t := range targets {
					out[t].Metrics[key] = v
				}
				continue
			}
			for _, t := range targets {
				out[t].Info[key] = addr
			}
		}
	}
	return out, skipped
}

// supersedes reports whether a should be merged instead of b.
func supersedes(a, b telemetry.AllocationRecord) bool {
	if a.TimestampNs != b.TimestampNs {
		return a.TimestampNs > b.TimestampNs
	}
	return slices.Compare(a.Addresses(), b.Addresses()) > 0
}

func cloneRecord(rec telemetry.TelemetryRecord) telemetry.TelemetryRecord {
	metrics := make(map[string]float64, len(rec.Metrics)+3)
	for k, v := range rec.Metrics {
		metrics[k] = v
	}
	info := make(map[string]string, len(rec.Info)+3)
	for k, v := range rec.Info {
		info[k] = v
	}
	rec.Metrics = metrics
	rec.Info = info
	return rec
}
