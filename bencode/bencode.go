// Package bencode implements the bencoding codec described in spec.md §4.1:
// a single-pass decoder producing a tagged-union value tree plus the number
// of bytes consumed, and a deterministic encoder (sorted dictionary keys,
// canonical integers) such that decode(encode(v)) == v for every legal v.
//
// The decoder records the byte span of every decoded value so callers that
// need the exact original bytes of a sub-value — metainfo's `info`
// dictionary, most notably — can hash or re-transmit them without relying on
// the encoder to reproduce byte-identical output (spec.md §4.2, §9).
package bencode

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gorent/gorent/internal/xerrors"
)

// Kind identifies which of the four bencode value kinds a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

// Value is a decoded bencode value: a tagged union of int, byte-string,
// list, and dictionary, plus the [Start, End) byte span it occupied in the
// buffer it was decoded from.
type Value struct {
	Kind Kind

	Int   int64
	Bytes []byte
	List  []*Value
	Dict  map[string]*Value

	Start, End int
}

// NewInt, NewBytes, NewList and NewDict build Values for encoding. Start/End
// are left zero; they are only meaningful on values returned by Decode.
func NewInt(v int64) *Value          { return &Value{Kind: KindInt, Int: v} }
func NewBytes(v []byte) *Value       { return &Value{Kind: KindBytes, Bytes: v} }
func NewString(v string) *Value      { return &Value{Kind: KindBytes, Bytes: []byte(v)} }
func NewList(v ...*Value) *Value     { return &Value{Kind: KindList, List: v} }
func NewDict(v map[string]*Value) *Value {
	return &Value{Kind: KindDict, Dict: v}
}

// Span returns the raw bytes this value occupied in the buffer it was
// decoded from. It is the mechanism spec.md §4.2 uses to hash the `info`
// dictionary without needing the encoder to be byte-for-byte identical to
// whatever produced the original file.
func (v *Value) Span(src []byte) []byte { return src[v.Start:v.End] }

// AsInt returns v's integer, failing with an error if v is not KindInt.
func (v *Value) AsInt() (int64, error) {
	if v.Kind != KindInt {
		return 0, errors.Errorf("bencode: expected integer, got kind %d", v.Kind)
	}
	return v.Int, nil
}

// AsBytes returns v's raw byte-string, failing if v is not KindBytes.
func (v *Value) AsBytes() ([]byte, error) {
	if v.Kind != KindBytes {
		return nil, errors.Errorf("bencode: expected byte-string, got kind %d", v.Kind)
	}
	return v.Bytes, nil
}

// AsString is AsBytes interpreted as UTF-8. Only `name`, path parts, and
// `announce` are meant to be read this way (spec.md §4.1).
func (v *Value) AsString() (string, error) {
	b, err := v.AsBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AsList returns v's elements, failing if v is not KindList.
func (v *Value) AsList() ([]*Value, error) {
	if v.Kind != KindList {
		return nil, errors.Errorf("bencode: expected list, got kind %d", v.Kind)
	}
	return v.List, nil
}

// AsDict returns v's key/value map, failing if v is not KindDict.
func (v *Value) AsDict() (map[string]*Value, error) {
	if v.Kind != KindDict {
		return nil, errors.Errorf("bencode: expected dictionary, got kind %d", v.Kind)
	}
	return v.Dict, nil
}

// Get looks up key in a KindDict value, returning (nil, false) if v is not a
// dictionary or the key is absent.
func (v *Value) Get(key string) (*Value, bool) {
	if v.Kind != KindDict {
		return nil, false
	}
	child, ok := v.Dict[key]
	return child, ok
}

// Decode parses the single top-level value encoded in data, failing with
// ErrMalformedBencoding if the input is malformed or carries trailing bytes
// after the value.
func Decode(data []byte) (*Value, error) {
	v, pos, err := decodeAt(data, 0)
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, errors.Wrap(xerrors.ErrMalformedBencoding, "trailing bytes after top-level value")
	}
	return v, nil
}

func decodeAt(data []byte, pos int) (*Value, int, error) {
	if pos >= len(data) {
		return nil, pos, errors.Wrap(xerrors.ErrMalformedBencoding, "truncated input")
	}
	switch {
	case data[pos] == 'i':
		return decodeInt(data, pos)
	case data[pos] == 'l':
		return decodeList(data, pos)
	case data[pos] == 'd':
		return decodeDict(data, pos)
	case data[pos] >= '0' && data[pos] <= '9':
		return decodeBytes(data, pos)
	default:
		return nil, pos, errors.Wrapf(xerrors.ErrMalformedBencoding, "unknown leading byte %q at offset %d", data[pos], pos)
	}
}

func decodeInt(data []byte, pos int) (*Value, int, error) {
	start := pos
	pos++ // skip 'i'
	digitsStart := pos
	if pos < len(data) && data[pos] == '-' {
		pos++
	}
	firstDigit := pos
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		pos++
	}
	if pos == firstDigit {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "integer has no digits")
	}
	if pos >= len(data) || data[pos] != 'e' {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "missing integer terminator")
	}
	digits := string(data[digitsStart:pos])
	if err := validateCanonicalInt(digits); err != nil {
		return nil, start, errors.Wrapf(xerrors.ErrMalformedBencoding, "%s", err)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "integer overflow or non-digit length")
	}
	end := pos + 1 // include 'e'
	return &Value{Kind: KindInt, Int: n, Start: start, End: end}, end, nil
}

func validateCanonicalInt(digits string) error {
	neg := false
	body := digits
	if len(body) > 0 && body[0] == '-' {
		neg = true
		body = body[1:]
	}
	if body == "" {
		return errors.New("integer has no digits")
	}
	if body == "0" && neg {
		return errors.New("negative zero is not canonical")
	}
	if len(body) > 1 && body[0] == '0' {
		return errors.New("integer has a leading zero")
	}
	return nil
}

func decodeBytes(data []byte, pos int) (*Value, int, error) {
	start := pos
	lenStart := pos
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		pos++
	}
	if pos == lenStart {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "non-digit length")
	}
	if pos >= len(data) || data[pos] != ':' {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "missing byte-string separator")
	}
	length, err := strconv.Atoi(string(data[lenStart:pos]))
	if err != nil {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "non-digit length")
	}
	pos++ // skip ':'
	if pos+length > len(data) {
		return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "truncated byte-string")
	}
	end := pos + length
	return &Value{Kind: KindBytes, Bytes: data[pos:end], Start: start, End: end}, end, nil
}

func decodeList(data []byte, pos int) (*Value, int, error) {
	start := pos
	pos++ // skip 'l'
	var items []*Value
	for {
		if pos >= len(data) {
			return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "truncated list")
		}
		if data[pos] == 'e' {
			pos++
			break
		}
		item, next, err := decodeAt(data, pos)
		if err != nil {
			return nil, start, err
		}
		items = append(items, item)
		pos = next
	}
	return &Value{Kind: KindList, List: items, Start: start, End: pos}, pos, nil
}

func decodeDict(data []byte, pos int) (*Value, int, error) {
	start := pos
	pos++ // skip 'd'
	dict := make(map[string]*Value)
	for {
		if pos >= len(data) {
			return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "truncated dictionary")
		}
		if data[pos] == 'e' {
			pos++
			break
		}
		keyVal, next, err := decodeAt(data, pos)
		if err != nil {
			return nil, start, err
		}
		if keyVal.Kind != KindBytes {
			return nil, start, errors.Wrap(xerrors.ErrMalformedBencoding, "dictionary key is not a byte-string")
		}
		pos = next
		val, next, err := decodeAt(data, pos)
		if err != nil {
			return nil, start, err
		}
		dict[string(keyVal.Bytes)] = val
		pos = next
	}
	return &Value{Kind: KindDict, Dict: dict, Start: start, End: pos}, pos, nil
}

// Encode renders v in canonical form: dictionary keys in lexicographic byte
// order, integers with no leading zeros (except 0) and no -0.
func Encode(v *Value) []byte {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v *Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
		return buf
	case KindBytes:
		buf = strconv.AppendInt(buf, int64(len(v.Bytes)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Bytes...)
		return buf
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
		return buf
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, NewString(k))
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
		return buf
	default:
		return buf
	}
}
