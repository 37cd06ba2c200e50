// Package pktype defines the datatype tag and tagged value variant that
// cross every partition-key boundary in partitioncache. Partition-key
// values are never passed around as untyped strings: every operation that
// accepts a value set also accepts the Datatype it was declared with, and
// backends reject values that do not match.
package pktype

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Datatype tags the value-domain of a partition key.
type Datatype int

const (
	DatatypeUnknown Datatype = iota
	Int32
	Int64
	Float
	Text
	Timestamp
)

func (d Datatype) String() string {
	switch d {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float:
		return "float"
	case Text:
		return "text"
	case Timestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ParseDatatype maps a configuration or CLI string onto a Datatype.
func ParseDatatype(s string) (Datatype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int32", "integer", "int":
		return Int32, nil
	case "int64", "bigint", "long":
		return Int64, nil
	case "float", "double", "real", "numeric":
		return Float, nil
	case "text", "string", "varchar":
		return Text, nil
	case "timestamp", "datetime":
		return Timestamp, nil
	default:
		return DatatypeUnknown, fmt.Errorf("%w: %q", ErrUnknownDatatype, s)
	}
}

// IsNumeric reports whether the datatype participates in ordered, bit- or
// roaring-backed set representations.
func (d Datatype) IsNumeric() bool {
	return d == Int32 || d == Int64 || d == Float
}

// Value is a tagged partition-key value. Exactly one of the typed fields is
// meaningful, selected by Type.
type Value struct {
	Type Datatype
	I    int64
	F    float64
	S    string
	T    time.Time
}

func IntValue(t Datatype, v int64) Value   { return Value{Type: t, I: v} }
func FloatValue(v float64) Value           { return Value{Type: Float, F: v} }
func TextValue(v string) Value             { return Value{Type: Text, S: v} }
func TimestampValue(v time.Time) Value     { return Value{Type: Timestamp, T: v.UTC()} }

// String renders the value the way it must appear inside a SQL IN(...)
// list: numbers bare, text single-quoted and escaped, timestamps as ISO-8601
// literals.
func (v Value) String() string {
	switch v.Type {
	case Int32, Int64:
		return strconv.FormatInt(v.I, 10)
	case Float:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case Text:
		return "'" + strings.ReplaceAll(v.S, "'", "''") + "'"
	case Timestamp:
		return "'" + v.T.Format(time.RFC3339Nano) + "'"
	default:
		return ""
	}
}

// Key returns a value usable as a Go map key, collapsing the tagged union
// into a single comparable representation.
func (v Value) Key() any {
	switch v.Type {
	case Int32, Int64:
		return v.I
	case Float:
		return v.F
	case Text:
		return v.S
	case Timestamp:
		return v.T.UnixNano()
	default:
		return nil
	}
}
