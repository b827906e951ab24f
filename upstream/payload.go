package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/satbridge/telemetry"
)

const (
	enumDeviceType         = "DeviceType"
	enumAlertsByDeviceType = "AlertsByDeviceType"
)

type streamRequest struct {
	BatchSize     int    `json:"batchSize"`
	MaxLingerMs   int    `json:"maxLingerMs"`
	AccountNumber string `json:"accountNumber,omitempty"`
}

type streamEnvelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

type streamData struct {
	Values  [][]any         `json:"values"`
	Columns json.RawMessage `json:"columnNamesByDeviceType"`
}

type streamMetadata struct {
	Enums map[string]json.RawMessage `json:"enums"`
}

// decodeResponse splits a stream response into its metadata block and rows.
// Numbers are kept as json.Number so nanosecond timestamps survive intact.
func decodeResponse(body []byte) (*telemetry.Metadata, [][]any, error) {
	var env streamEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}

	var data streamData
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, nil, fmt.Errorf("decode data: %w", err)
		}
	}

	meta, err := decodeMetadata(data.Columns, env.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return meta, data.Values, nil
}

func decodeMetadata(columnsRaw, metadataRaw json.RawMessage) (*telemetry.Metadata, error) {
	meta := &telemetry.Metadata{
		Fingerprint:        fingerprint(columnsRaw, metadataRaw),
		Columns:            map[string][]string{},
		DeviceTypeNames:    map[string]string{},
		AlertsByDeviceType: map[string]map[string]string{},
		Enums:              map[string]map[string]string{},
	}

	if len(columnsRaw) > 0 {
		if err := json.Unmarshal(columnsRaw, &meta.Columns); err != nil {
			return nil, fmt.Errorf("decode columnNamesByDeviceType: %w", err)
		}
	}

	if len(metadataRaw) == 0 || bytes.Equal(metadataRaw, []byte("null")) {
		return meta, nil
	}

	var md streamMetadata
	if err := json.Unmarshal(metadataRaw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	for name, raw := range md.Enums {
		switch name {
		case enumDeviceType:
			table, err := decodeCodeTable(raw)
			if err != nil {
				return nil, fmt.Errorf("decode enum %s: %w", name, err)
			}
			meta.DeviceTypeNames = table
		case enumAlertsByDeviceType:
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(raw, &nested); err != nil {
				return nil, fmt.Errorf("decode enum %s: %w", name, err)
			}
			for deviceType, tableRaw := range nested {
				table, err := decodeCodeTable(tableRaw)
				if err != nil {
					return nil, fmt.Errorf("decode alerts for %s: %w", deviceType, err)
				}
				meta.AlertsByDeviceType[deviceType] = table
			}
		default:
			// Only flat code→name tables route fields; anything else is ignored.
			if table, err := decodeCodeTable(raw); err == nil {
				meta.Enums[name] = table
			}
		}
	}

	return meta, nil
}

// decodeCodeTable reads a flat {code: name} object. Values may be strings or numbers.
func decodeCodeTable(raw json.RawMessage) (map[string]string, error) {
	var generic map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	table := make(map[string]string, len(generic))
	for code, v := range generic {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("code %q is not a scalar", code)
		}
		table[code] = telemetry.ToString(v)
	}
	return table, nil
}

// fingerprint hashes the canonical form of the column and metadata blocks.
// Key order and whitespace do not matter, so the value changes only when the
// tables themselves do.
func fingerprint(columnsRaw, metadataRaw json.RawMessage) uint64 {
	d := xxhash.New()
	_, _ = d.Write(canonicalJSON(columnsRaw))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(canonicalJSON(metadataRaw))
	return d.Sum64()
}

// canonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace. Numbers keep their literal text. Input that does not parse is
// returned as is; decodeMetadata reports it.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
