package json

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Mode selects the output form of the encoder.
type Mode int

const (
	// ModeCompact emits the default single-line form.
	ModeCompact Mode = iota
	// ModePretty emits newlines and 2-space indentation per level.
	ModePretty
	// ModeCanonical emits the compact form with object keys sorted,
	// for payloads that feed signature computation.
	ModeCanonical
)

// Encode writes the value to w in the given mode.
func Encode(w io.Writer, v *Value, mode Mode) error {
	e := &encoder{w: w, mode: mode}
	if err := e.value(v, 0); err != nil {
		return err
	}
	if mode == ModePretty {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

// EncodeString renders the value to a string.
func EncodeString(v *Value, mode Mode) string {
	var sb strings.Builder
	Encode(&sb, v, mode)
	return sb.String()
}

type encoder struct {
	w    io.Writer
	mode Mode
}

func (e *encoder) str(s string) error {
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *encoder) indent(depth int) error {
	if e.mode != ModePretty {
		return nil
	}
	if err := e.str("\n"); err != nil {
		return err
	}
	return e.str(strings.Repeat("  ", depth))
}

func (e *encoder) value(v *Value, depth int) error {
	switch v.Kind() {
	case KindNull:
		return e.str("null")
	case KindBoolean:
		if v.Bool() {
			return e.str("true")
		}
		return e.str("false")
	case KindInteger:
		return e.str(strconv.FormatInt(v.Int(), 10))
	case KindFloat:
		return e.float(v.Float64())
	case KindString:
		return e.quoted(v.Str())
	case KindArray:
		return e.array(v.Array(), depth)
	case KindObject:
		return e.object(v.Object(), depth)
	}
	return fmt.Errorf("json: cannot encode kind %v", v.Kind())
}

// float emits plain decimal notation; the decoder has no exponent
// support, so the encoder never produces one.
func (e *encoder) float(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("json: cannot encode %v", f)
	}
	return e.str(strconv.FormatFloat(f, 'f', -1, 64))
}

func (e *encoder) array(elems []*Value, depth int) error {
	if err := e.str("["); err != nil {
		return err
	}
	for i, elem := range elems {
		if i > 0 {
			if err := e.str(","); err != nil {
				return err
			}
		}
		if err := e.indent(depth + 1); err != nil {
			return err
		}
		if err := e.value(elem, depth+1); err != nil {
			return err
		}
	}
	if len(elems) > 0 {
		if err := e.indent(depth); err != nil {
			return err
		}
	}
	return e.str("]")
}

func (e *encoder) object(obj *Object, depth int) error {
	if err := e.str("{"); err != nil {
		return err
	}
	keys := obj.Keys()
	if e.mode == ModeCanonical {
		keys = obj.SortedKeys()
	}
	for i, k := range keys {
		if i > 0 {
			if err := e.str(","); err != nil {
				return err
			}
		}
		if err := e.indent(depth + 1); err != nil {
			return err
		}
		if err := e.quoted(k); err != nil {
			return err
		}
		sep := ":"
		if e.mode == ModePretty {
			sep = ": "
		}
		if err := e.str(sep); err != nil {
			return err
		}
		if err := e.value(obj.Get(k), depth+1); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		if err := e.indent(depth); err != nil {
			return err
		}
	}
	return e.str("}")
}

// quoted emits a string literal with the escapes the decoder accepts.
func (e *encoder) quoted(s string) error {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\t':
			sb.WriteString(`\t`)
		case '\n':
			sb.WriteString(`\n`)
		case '\f':
			sb.WriteString(`\f`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			if b <= 0x1F {
				fmt.Fprintf(&sb, `\u%04x`, b)
			} else {
				sb.WriteByte(b)
			}
		}
	}
	sb.WriteByte('"')
	return e.str(sb.String())
}
