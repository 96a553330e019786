package crm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValueKind is the tag of the closed Value variant.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInteger
	KindDecimal
	KindBoolean
	KindDateTime
	KindGuid
)

// String returns the kind name
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindString:
		return "String"
	case KindInteger:
		return "Integer"
	case KindDecimal:
		return "Decimal"
	case KindBoolean:
		return "Boolean"
	case KindDateTime:
		return "DateTime"
	case KindGuid:
		return "Guid"
	default:
		return "Unknown"
	}
}

// Value is a single field value of a Record or local entity. The zero Value is Null.
type Value struct {
	kind ValueKind
	str  string
	num  int64
	dec  decimal.Decimal
	flag bool
	at   time.Time
	guid uuid.UUID
}

// NullValue returns the Null value.
func NullValue() Value { return Value{} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntegerValue wraps an int64.
func IntegerValue(n int64) Value { return Value{kind: KindInteger, num: n} }

// DecimalValue wraps a decimal.
func DecimalValue(d decimal.Decimal) Value { return Value{kind: KindDecimal, dec: d} }

// BooleanValue wraps a bool.
func BooleanValue(b bool) Value { return Value{kind: KindBoolean, flag: b} }

// DateTimeValue wraps a time, normalized to UTC.
func DateTimeValue(t time.Time) Value { return Value{kind: KindDateTime, at: t.UTC()} }

// GuidValue wraps a UUID.
func GuidValue(g uuid.UUID) Value { return Value{kind: KindGuid, guid: g} }

// Kind returns the variant tag
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is Null
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string payload
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsInteger returns the integer payload
func (v Value) AsInteger() (int64, bool) { return v.num, v.kind == KindInteger }

// AsDecimal returns the decimal payload. Integers widen to decimals.
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	switch v.kind {
	case KindDecimal:
		return v.dec, true
	case KindInteger:
		return decimal.NewFromInt(v.num), true
	}
	return decimal.Zero, false
}

// AsBool returns the boolean payload
func (v Value) AsBool() (bool, bool) { return v.flag, v.kind == KindBoolean }

// AsTime returns the date-time payload
func (v Value) AsTime() (time.Time, bool) { return v.at, v.kind == KindDateTime }

// AsGuid returns the GUID payload
func (v Value) AsGuid() (uuid.UUID, bool) { return v.guid, v.kind == KindGuid }

// Text returns the canonical text form. Null renders as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInteger:
		return strconv.FormatInt(v.num, 10)
	case KindDecimal:
		return v.dec.String()
	case KindBoolean:
		return strconv.FormatBool(v.flag)
	case KindDateTime:
		return v.at.Format(time.RFC3339Nano)
	case KindGuid:
		return v.guid.String()
	default:
		return ""
	}
}

// String implements fmt.Stringer
func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.Text()
}

// IsEmpty reports whether v is Null or a blank string.
func (v Value) IsEmpty() bool {
	return v.kind == KindNull || (v.kind == KindString && strings.TrimSpace(v.str) == "")
}

// Equal compares kind and payload. Decimals compare numerically.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindInteger:
		return v.num == o.num
	case KindDecimal:
		return v.dec.Equal(o.dec)
	case KindBoolean:
		return v.flag == o.flag
	case KindDateTime:
		return v.at.Equal(o.at)
	case KindGuid:
		return v.guid == o.guid
	}
	return false
}

// Interface returns a JSON-ready representation.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInteger:
		return v.num
	case KindDecimal:
		return json.Number(v.dec.String())
	case KindBoolean:
		return v.flag
	case KindDateTime:
		return v.at.Format(time.RFC3339)
	case KindGuid:
		return v.guid.String()
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// FieldType is the schema type of a remote attribute.
type FieldType string

const (
	FieldTypeString   FieldType = "String"
	FieldTypeInteger  FieldType = "Integer"
	FieldTypeDecimal  FieldType = "Decimal"
	FieldTypeBoolean  FieldType = "Boolean"
	FieldTypeDateTime FieldType = "DateTime"
	FieldTypeGuid     FieldType = "Guid"
	FieldTypeLookup   FieldType = "Lookup"
	FieldTypeOther    FieldType = "Other"
)

// dateLayouts are accepted when parsing date-time text.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CoerceValue converts a decoded JSON value into the variant dictated by the schema type.
func CoerceValue(raw any, t FieldType) (Value, error) {
	if raw == nil {
		return NullValue(), nil
	}

	switch t {
	case FieldTypeString, FieldTypeOther:
		switch x := raw.(type) {
		case string:
			return StringValue(x), nil
		default:
			return StringValue(fmt.Sprint(x)), nil
		}
	case FieldTypeInteger:
		switch x := raw.(type) {
		case json.Number:
			n, err := x.Int64()
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not an integer", ErrLocalFieldType, x)
			}
			return IntegerValue(n), nil
		case float64:
			return IntegerValue(int64(x)), nil
		case int64:
			return IntegerValue(x), nil
		case int:
			return IntegerValue(int64(x)), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not an integer", ErrLocalFieldType, x)
			}
			return IntegerValue(n), nil
		}
	case FieldTypeDecimal:
		switch x := raw.(type) {
		case json.Number:
			d, err := decimal.NewFromString(x.String())
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a decimal", ErrLocalFieldType, x)
			}
			return DecimalValue(d), nil
		case float64:
			return DecimalValue(decimal.NewFromFloat(x)), nil
		case string:
			d, err := decimal.NewFromString(x)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a decimal", ErrLocalFieldType, x)
			}
			return DecimalValue(d), nil
		}
	case FieldTypeBoolean:
		switch x := raw.(type) {
		case bool:
			return BooleanValue(x), nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a boolean", ErrLocalFieldType, x)
			}
			return BooleanValue(b), nil
		}
	case FieldTypeDateTime:
		if s, ok := raw.(string); ok {
			if at, ok := parseDateTime(s); ok {
				return DateTimeValue(at), nil
			}
			return Value{}, fmt.Errorf("%w: %q is not a date-time", ErrLocalFieldType, s)
		}
	case FieldTypeGuid, FieldTypeLookup:
		if s, ok := raw.(string); ok {
			g, err := uuid.Parse(s)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a GUID", ErrLocalFieldType, s)
			}
			return GuidValue(g), nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot convert %T to %s", ErrLocalFieldType, raw, t)
}

// InferValue converts a decoded JSON value without schema information.
// Numbers without a fraction become Integer, other numbers Decimal, canonical
// GUID text becomes Guid, RFC 3339 text becomes DateTime, everything else String.
func InferValue(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return NullValue()
	case bool:
		return BooleanValue(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return IntegerValue(n)
		}
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return DecimalValue(d)
		}
		return StringValue(x.String())
	case float64:
		if x == float64(int64(x)) {
			return IntegerValue(int64(x))
		}
		return DecimalValue(decimal.NewFromFloat(x))
	case string:
		if len(x) == 36 {
			if g, err := uuid.Parse(x); err == nil {
				return GuidValue(g)
			}
		}
		if len(x) >= 20 && strings.Contains(x, "T") {
			if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return DateTimeValue(t)
			}
		}
		return StringValue(x)
	default:
		return StringValue(fmt.Sprint(x))
	}
}
