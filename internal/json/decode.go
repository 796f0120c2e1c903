package json

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/arborhs/arbor/internal/stream"
)

var (
	// ErrTrailingData indicates bytes after the first complete value.
	ErrTrailingData = errors.New("json: trailing data after value")
)

// Decode reads one JSON value from the stream. Invalid bytes or
// structure produce a nil value and an error; a transient stream error
// surfaces unchanged so the caller can retry.
func Decode(s *stream.Stream) (*Value, error) {
	d := &decoder{s: s}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeString parses a complete JSON document held in a string,
// rejecting trailing non-whitespace bytes.
func DecodeString(str string) (*Value, error) {
	s := stream.NewReader(strings.NewReader(str))
	v, err := Decode(s)
	if err != nil {
		return nil, err
	}
	d := &decoder{s: s}
	if err := d.skipSpace(); err != io.EOF {
		return nil, ErrTrailingData
	}
	return v, nil
}

type decoder struct {
	s *stream.Stream
}

// skipSpace advances past whitespace and pushes the first
// non-whitespace byte back. Returns io.EOF at end of input.
func (d *decoder) skipSpace() error {
	for {
		b, err := d.s.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
		default:
			d.s.UnreadByte(b)
			return nil
		}
	}
}

func (d *decoder) value() (*Value, error) {
	if err := d.skipSpace(); err != nil {
		return nil, unexpected(err)
	}
	b, err := d.s.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}
	switch {
	case b == '{':
		return d.object()
	case b == '[':
		return d.array()
	case b == '"':
		str, err := d.string()
		if err != nil {
			return nil, err
		}
		return String(str), nil
	case b == '-' || (b >= '0' && b <= '9'):
		d.s.UnreadByte(b)
		return d.number()
	case b == 't':
		return d.literal("rue", Boolean(true))
	case b == 'f':
		return d.literal("alse", Boolean(false))
	case b == 'n':
		return d.literal("ull", Null())
	}
	return nil, fmt.Errorf("json: unexpected byte %q", b)
}

func (d *decoder) literal(rest string, v *Value) (*Value, error) {
	for i := 0; i < len(rest); i++ {
		b, err := d.s.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		if b != rest[i] {
			return nil, fmt.Errorf("json: invalid literal")
		}
	}
	return v, nil
}

// object parses the remainder after '{'. Duplicate keys discard the
// earlier value.
func (d *decoder) object() (*Value, error) {
	obj := NewObject()
	if err := d.skipSpace(); err != nil {
		return nil, unexpected(err)
	}
	b, err := d.s.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}
	if b == '}' {
		return obj, nil
	}
	d.s.UnreadByte(b)

	for {
		if err := d.skipSpace(); err != nil {
			return nil, unexpected(err)
		}
		b, err := d.s.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		if b != '"' {
			return nil, fmt.Errorf("json: expected object key, got %q", b)
		}
		key, err := d.string()
		if err != nil {
			return nil, err
		}

		if err := d.expect(':'); err != nil {
			return nil, err
		}

		val, err := d.value()
		if err != nil {
			return nil, err
		}
		obj.Set(key, val)

		if err := d.skipSpace(); err != nil {
			return nil, unexpected(err)
		}
		b, err = d.s.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		switch b {
		case ',':
		case '}':
			return obj, nil
		default:
			return nil, fmt.Errorf("json: expected ',' or '}', got %q", b)
		}
	}
}

// array parses the remainder after '['.
func (d *decoder) array() (*Value, error) {
	arr := NewArray()
	if err := d.skipSpace(); err != nil {
		return nil, unexpected(err)
	}
	b, err := d.s.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}
	if b == ']' {
		return arr, nil
	}
	d.s.UnreadByte(b)

	for {
		elem, err := d.value()
		if err != nil {
			return nil, err
		}
		arr.Append(elem)

		if err := d.skipSpace(); err != nil {
			return nil, unexpected(err)
		}
		b, err := d.s.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		switch b {
		case ',':
		case ']':
			return arr, nil
		default:
			return nil, fmt.Errorf("json: expected ',' or ']', got %q", b)
		}
	}
}

func (d *decoder) expect(want byte) error {
	if err := d.skipSpace(); err != nil {
		return unexpected(err)
	}
	b, err := d.s.ReadByte()
	if err != nil {
		return unexpected(err)
	}
	if b != want {
		return fmt.Errorf("json: expected %q, got %q", want, b)
	}
	return nil
}

// string parses the remainder after an opening quote.
func (d *decoder) string() (string, error) {
	var sb strings.Builder
	for {
		b, err := d.s.ReadByte()
		if err != nil {
			return "", unexpected(err)
		}
		switch {
		case b == '"':
			return sb.String(), nil
		case b == '\\':
			if err := d.escape(&sb); err != nil {
				return "", err
			}
		case b <= 0x1F:
			// Raw control bytes are never valid inside a string
			return "", fmt.Errorf("json: control byte 0x%02X in string", b)
		default:
			sb.WriteByte(b)
		}
	}
}

// escape parses the remainder after a backslash.
func (d *decoder) escape(sb *strings.Builder) error {
	b, err := d.s.ReadByte()
	if err != nil {
		return unexpected(err)
	}
	switch b {
	case '"', '\\', '/':
		sb.WriteByte(b)
	case 'b':
		sb.WriteByte('\b')
	case 't':
		sb.WriteByte('\t')
	case 'n':
		sb.WriteByte('\n')
	case 'f':
		sb.WriteByte('\f')
	case 'r':
		sb.WriteByte('\r')
	case 'u':
		return d.unicodeEscape(sb)
	default:
		return fmt.Errorf("json: invalid escape \\%c", b)
	}
	return nil
}

// unicodeEscape parses the remainder after "\u". A high surrogate must
// be immediately followed by a "\u"-escaped low surrogate; the pair
// decodes to a 20-bit scalar plus 0x10000. A \u0000 escape is silently
// dropped to keep embedded NULs out of stored strings.
func (d *decoder) unicodeEscape(sb *strings.Builder) error {
	cp, err := d.hex4()
	if err != nil {
		return err
	}
	if cp == 0 {
		return nil
	}
	if cp >= 0xD800 && cp <= 0xDBFF {
		for _, want := range []byte{'\\', 'u'} {
			b, err := d.s.ReadByte()
			if err != nil {
				return unexpected(err)
			}
			if b != want {
				return fmt.Errorf("json: unpaired surrogate")
			}
		}
		low, err := d.hex4()
		if err != nil {
			return err
		}
		if low < 0xDC00 || low > 0xDFFF {
			return fmt.Errorf("json: invalid low surrogate")
		}
		cp = ((cp-0xD800)<<10 | (low - 0xDC00)) + 0x10000
	} else if cp >= 0xDC00 && cp <= 0xDFFF {
		return fmt.Errorf("json: unpaired surrogate")
	}
	var buf [4]byte
	n := utf8.EncodeRune(buf[:], rune(cp))
	sb.Write(buf[:n])
	return nil
}

func (d *decoder) hex4() (uint32, error) {
	var cp uint32
	for i := 0; i < 4; i++ {
		b, err := d.s.ReadByte()
		if err != nil {
			return 0, unexpected(err)
		}
		var digit uint32
		switch {
		case b >= '0' && b <= '9':
			digit = uint32(b - '0')
		case b >= 'a' && b <= 'f':
			digit = uint32(b-'a') + 10
		case b >= 'A' && b <= 'F':
			digit = uint32(b-'A') + 10
		default:
			return 0, fmt.Errorf("json: invalid \\u escape")
		}
		cp = cp<<4 | digit
	}
	return cp, nil
}

// number parses an optional '-', an integer portion, and an optional
// single '.' with more digits. Exponent syntax is not accepted.
func (d *decoder) number() (*Value, error) {
	var sb strings.Builder

	b, err := d.s.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}
	if b == '-' {
		sb.WriteByte(b)
		b, err = d.s.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
	}
	if b < '0' || b > '9' {
		return nil, fmt.Errorf("json: invalid number")
	}
	for b >= '0' && b <= '9' {
		sb.WriteByte(b)
		b, err = d.s.ReadByte()
		if err == io.EOF {
			return integerValue(sb.String())
		}
		if err != nil {
			return nil, err
		}
	}

	if b != '.' {
		d.s.UnreadByte(b)
		return integerValue(sb.String())
	}
	sb.WriteByte('.')

	b, err = d.s.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}
	if b < '0' || b > '9' {
		return nil, fmt.Errorf("json: invalid number")
	}
	for b >= '0' && b <= '9' {
		sb.WriteByte(b)
		b, err = d.s.ReadByte()
		if err == io.EOF {
			return floatValue(sb.String())
		}
		if err != nil {
			return nil, err
		}
	}
	d.s.UnreadByte(b)
	return floatValue(sb.String())
}

func integerValue(text string) (*Value, error) {
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("json: integer out of range")
	}
	return Integer(i), nil
}

func floatValue(text string) (*Value, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("json: invalid float")
	}
	return Float(f), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return fmt.Errorf("json: unexpected end of input")
	}
	return err
}
