package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/ipfs/go-cid"
)

// NormalizeJSON recursively lifts a JSON-decoded value (as produced by
// encoding/json into map[string]any/[]any/string/float64/bool/nil)
// into the DAG-CBOR data model Encode expects. Single-key objects of
// the form {"$link": "<cid-string>"} or {"$bytes": "<base64>"} are
// resolved to cid.Cid and []byte respectively — the conventional way
// atproto records embed links and raw bytes inside otherwise-plain
// JSON (blob refs, record-to-record links).
func NormalizeJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if s, ok := x["$link"].(string); ok {
				c, err := ParseCID(s)
				if err != nil {
					return nil, fmt.Errorf("codec: bad $link: %w", err)
				}
				return c, nil
			}
			if s, ok := x["$bytes"].(string); ok {
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("codec: bad $bytes: %w", err)
				}
				return b, nil
			}
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			nv, err := NormalizeJSON(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			nv, err := NormalizeJSON(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Denormalize is the inverse of NormalizeJSON: it rewrites cid.Cid and
// []byte values back into their {"$link"}/{"$bytes"} JSON envelopes so
// the result can be passed to encoding/json without a custom
// marshaler.
func Denormalize(v any) any {
	switch x := v.(type) {
	case cid.Cid:
		return map[string]any{"$link": x.String()}
	case []byte:
		return map[string]any{"$bytes": base64.StdEncoding.EncodeToString(x)}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Denormalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Denormalize(val)
		}
		return out
	default:
		return v
	}
}

// EncodeRecord normalizes a JSON-decoded record map and serializes it
// to canonical DAG-CBOR bytes — the byte string that gets hashed into
// a record's CID and stored as a block.
func EncodeRecord(rec map[string]any) ([]byte, error) {
	norm, err := NormalizeJSON(rec)
	if err != nil {
		return nil, fmt.Errorf("codec: normalize record: %w", err)
	}
	return Encode(norm)
}

// DecodeRecord parses a record block's DAG-CBOR bytes back into a
// JSON-safe map (links and raw bytes re-wrapped in their $link/$bytes
// envelopes).
func DecodeRecord(raw []byte) (map[string]any, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: decode record: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: record block is not a map (%T)", v)
	}
	out, ok := Denormalize(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: denormalize record: unexpected type")
	}
	return out, nil
}
