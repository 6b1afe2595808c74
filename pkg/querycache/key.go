package querycache

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Key identifies a cached query result. It is an ordered sequence of primitive
// segments, e.g. Key{"jugadores", "partido", matchID}. A Key is also used as a
// prefix pattern: Key{"partidos"} matches every key whose first segment is
// "partidos".
//
// Supported segment types are string, bool, every integer kind, float32 and
// float64. Numeric segments compare by value, so int(42) and int64(42) name
// the same key while the string "42" does not.
type Key []any

// SegmentSeparator joins encoded segments. It cannot appear inside an encoded
// segment because strconv.Quote escapes control characters.
const SegmentSeparator = "\x1f"

// String renders the key for logs and error messages.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, seg := range k {
		parts[i] = fmt.Sprintf("%v", seg)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// HasPrefix reports whether prefix matches k segment by segment. A key is a
// prefix of itself. Malformed keys never match.
func (k Key) HasPrefix(prefix Key) bool {
	full, err := k.segments()
	if err != nil {
		return false
	}
	pre, err := prefix.segments()
	if err != nil {
		return false
	}
	return hasPrefix(full, pre)
}

// Equal reports whether both keys name the same cache entry.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

// Encode returns the canonical string form of the key. Equal keys encode
// identically, and the encoding of a prefix is a prefix of the encoding of
// every key it matches, followed by SegmentSeparator.
func (k Key) Encode() (string, error) {
	segs, err := k.segments()
	if err != nil {
		return "", err
	}
	return joinSegments(segs), nil
}

// Validate returns ErrInvalidKey if the key is empty or holds a segment that
// is not a supported primitive.
func (k Key) Validate() error {
	_, err := k.segments()
	return err
}

// segments returns the canonical encoding of each segment.
func (k Key) segments() ([]string, error) {
	if len(k) == 0 {
		return nil, fmt.Errorf("%w: key has no segments", ErrInvalidKey)
	}
	out := make([]string, len(k))
	for i, seg := range k {
		enc, err := encodeSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrInvalidKey, i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func encodeSegment(seg any) (string, error) {
	switch v := seg.(type) {
	case string:
		return strconv.Quote(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return "n" + strconv.FormatInt(int64(v), 10), nil
	case int8:
		return "n" + strconv.FormatInt(int64(v), 10), nil
	case int16:
		return "n" + strconv.FormatInt(int64(v), 10), nil
	case int32:
		return "n" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return "n" + strconv.FormatInt(v, 10), nil
	case uint:
		return "n" + strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return "n" + strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return "n" + strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return "n" + strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return "n" + strconv.FormatUint(v, 10), nil
	case float32:
		return encodeFloat(float64(v))
	case float64:
		return encodeFloat(v)
	case nil:
		return "", fmt.Errorf("nil segment")
	default:
		return "", fmt.Errorf("unsupported segment type %T", seg)
	}
}

// encodeFloat keeps integral floats aligned with the integer encoding at any
// magnitude, so float64(1e19) and uint64(1e19) encode alike.
func encodeFloat(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("non-finite number %v", v)
	}
	if v != math.Trunc(v) {
		return "n" + strconv.FormatFloat(v, 'g', -1, 64), nil
	}
	if v >= math.MinInt64 && v < math.MaxInt64 {
		return "n" + strconv.FormatInt(int64(v), 10), nil
	}
	i, _ := new(big.Float).SetFloat64(v).Int(nil)
	return "n" + i.String(), nil
}

func hasPrefix(full, prefix []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i := range prefix {
		if full[i] != prefix[i] {
			return false
		}
	}
	return true
}

func joinSegments(segs []string) string {
	return strings.Join(segs, SegmentSeparator)
}
