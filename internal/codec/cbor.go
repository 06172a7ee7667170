package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/ipfs/go-cid"
)

// Encode serializes v to the canonical DAG-CBOR profile this system
// requires: sorted map keys (by length, then lexicographically),
// canonical (shortest-form) integer encoding, no indefinite-length
// items, and CIDs tagged as 42 with a leading 0x00 byte on the link's
// byte string (the standard IPLD "CID-as-bytes" link convention).
//
// Supported Go types: nil, bool, string, []byte, int, int64, uint64,
// float64 (encoded as an integer when it has no fractional part),
// []any, map[string]any, and cid.Cid.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses canonical DAG-CBOR bytes back into Go values using the
// same type mapping as Encode. It fails on indefinite-length items,
// trailing bytes, or any unsupported major type/tag — these are all
// IntegrityError conditions for a block that claims to be DAG-CBOR.
func Decode(data []byte) (any, error) {
	d := &decoder{r: bytes.NewReader(data)}
	v, err := d.readValue()
	if err != nil {
		return nil, err
	}
	if d.r.Len() != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after cbor value", d.r.Len())
	}
	return v, nil
}

// --- encode ---

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(0xf6)
	case bool:
		if x {
			buf.WriteByte(0xf5)
		} else {
			buf.WriteByte(0xf4)
		}
	case int:
		encodeInt(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case uint64:
		writeHeader(buf, 0, x)
	case float64:
		encodeFloat(buf, x)
	case string:
		writeHeader(buf, 3, uint64(len(x)))
		buf.WriteString(x)
	case []byte:
		writeHeader(buf, 2, uint64(len(x)))
		buf.Write(x)
	case cid.Cid:
		return encodeLink(buf, x)
	case []any:
		writeHeader(buf, 4, uint64(len(x)))
		for _, item := range x {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		return encodeMap(buf, x)
	default:
		return fmt.Errorf("codec: unsupported cbor value type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, x int64) {
	if x >= 0 {
		writeHeader(buf, 0, uint64(x))
		return
	}
	writeHeader(buf, 1, uint64(-1-x))
}

func encodeFloat(buf *bytes.Buffer, x float64) {
	if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < (1<<63) {
		encodeInt(buf, int64(x))
		return
	}
	buf.WriteByte(7<<5 | 27)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
	buf.Write(b[:])
}

// encodeLink writes a CID as a DAG-CBOR link: tag(42, bytes(0x00 ||
// cid.Bytes())). The leading 0x00 is the IPLD multibase-identity
// marker distinguishing a CID byte string from an ordinary byte
// string.
func encodeLink(buf *bytes.Buffer, c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("codec: cannot encode undefined cid as link")
	}
	writeHeader(buf, 6, 42)
	raw := c.Bytes()
	full := make([]byte, len(raw)+1)
	full[0] = 0x00
	copy(full[1:], raw)
	writeHeader(buf, 2, uint64(len(full)))
	buf.Write(full)
	return nil
}

// encodeMap sorts keys by length, then lexicographically, matching
// the canonical CBOR map-ordering rule this codec enforces on every
// map it encodes.
func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})

	writeHeader(buf, 5, uint64(len(keys)))
	for _, k := range keys {
		writeHeader(buf, 3, uint64(len(k)))
		buf.WriteString(k)
		if err := encodeValue(buf, m[k]); err != nil {
			return fmt.Errorf("codec: encode map key %q: %w", k, err)
		}
	}
	return nil
}

// writeHeader writes a CBOR major-type header with the shortest
// possible argument encoding (canonical form — no redundant padding).
func writeHeader(buf *bytes.Buffer, major byte, n uint64) {
	switch {
	case n < 24:
		buf.WriteByte(major<<5 | byte(n))
	case n <= 0xff:
		buf.WriteByte(major<<5 | 24)
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(major<<5 | 25)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= 0xffffffff:
		buf.WriteByte(major<<5 | 26)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(major<<5 | 27)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], n)
		buf.Write(b[:])
	}
}

// --- decode ---

type decoder struct {
	r *bytes.Reader
}

func (d *decoder) readHeader() (major byte, arg uint64, err error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	major = b >> 5
	info := b & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		b1, err := d.r.ReadByte()
		return major, uint64(b1), err
	case info == 25:
		var b2 [2]byte
		if _, err := io.ReadFull(d.r, b2[:]); err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint16(b2[:])), nil
	case info == 26:
		var b4 [4]byte
		if _, err := io.ReadFull(d.r, b4[:]); err != nil {
			return 0, 0, err
		}
		return major, uint64(binary.BigEndian.Uint32(b4[:])), nil
	case info == 27:
		var b8 [8]byte
		if _, err := io.ReadFull(d.r, b8[:]); err != nil {
			return 0, 0, err
		}
		return major, binary.BigEndian.Uint64(b8[:]), nil
	default:
		return 0, 0, fmt.Errorf("codec: indefinite-length items not supported (info=%d)", info)
	}
}

func (d *decoder) readValue() (any, error) {
	major, arg, err := d.readHeader()
	if err != nil {
		return nil, fmt.Errorf("codec: read header: %w", err)
	}

	switch major {
	case 0: // unsigned int
		if arg > math.MaxInt64 {
			return arg, nil
		}
		return int64(arg), nil
	case 1: // negative int
		return -1 - int64(arg), nil
	case 2: // byte string
		b := make([]byte, arg)
		if _, err := io.ReadFull(d.r, b); err != nil {
			return nil, fmt.Errorf("codec: read byte string: %w", err)
		}
		return b, nil
	case 3: // text string
		b := make([]byte, arg)
		if _, err := io.ReadFull(d.r, b); err != nil {
			return nil, fmt.Errorf("codec: read text string: %w", err)
		}
		return string(b), nil
	case 4: // array
		arr := make([]any, arg)
		for i := range arr {
			v, err := d.readValue()
			if err != nil {
				return nil, fmt.Errorf("codec: read array[%d]: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case 5: // map
		m := make(map[string]any, arg)
		for i := uint64(0); i < arg; i++ {
			kv, err := d.readValue()
			if err != nil {
				return nil, fmt.Errorf("codec: read map key: %w", err)
			}
			k, ok := kv.(string)
			if !ok {
				return nil, fmt.Errorf("codec: non-string map key %T", kv)
			}
			v, err := d.readValue()
			if err != nil {
				return nil, fmt.Errorf("codec: read map[%q]: %w", k, err)
			}
			m[k] = v
		}
		return m, nil
	case 6: // tag
		if arg != 42 {
			return nil, fmt.Errorf("codec: unsupported cbor tag %d", arg)
		}
		inner, err := d.readValue()
		if err != nil {
			return nil, fmt.Errorf("codec: read link: %w", err)
		}
		b, ok := inner.([]byte)
		if !ok || len(b) == 0 || b[0] != 0x00 {
			return nil, fmt.Errorf("codec: malformed cid link")
		}
		c, err := cid.Cast(b[1:])
		if err != nil {
			return nil, fmt.Errorf("codec: cast link bytes: %w", err)
		}
		return c, nil
	case 7: // simple/float
		switch arg {
		case 20:
			return false, nil
		case 21:
			return true, nil
		case 22, 23:
			return nil, nil
		case 27:
			return math.Float64frombits(arg), nil
		default:
			return nil, fmt.Errorf("codec: unsupported simple/float value (info=%d)", arg)
		}
	default:
		return nil, fmt.Errorf("codec: unsupported major type %d", major)
	}
}
