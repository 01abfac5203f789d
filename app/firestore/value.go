// Package firestore maps records onto Firestore's typed field values and
// talks to the v1 REST document API through the generated Google client.
package firestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	firestorev1 "google.golang.org/api/firestore/v1"
)

// TimestampLayout matches the millisecond ISO strings the web client writes.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindDouble
	KindBoolean
	KindTimestamp
	KindArray
	KindMap
)

// Value is a single typed field value.
type Value struct {
	Kind      Kind
	String    string
	Integer   int64
	Double    float64
	Boolean   bool
	Timestamp time.Time
	Array     []Value
	Map       Fields
}

// Fields is the field map of a document or of a mapValue.
type Fields map[string]Value

func Null() Value                 { return Value{Kind: KindNull} }
func String(s string) Value       { return Value{Kind: KindString, String: s} }
func Integer(n int64) Value       { return Value{Kind: KindInteger, Integer: n} }
func Double(f float64) Value      { return Value{Kind: KindDouble, Double: f} }
func Boolean(b bool) Value        { return Value{Kind: KindBoolean, Boolean: b} }
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Timestamp: t.UTC()} }
func Array(values ...Value) Value { return Value{Kind: KindArray, Array: values} }
func Map(fields Fields) Value     { return Value{Kind: KindMap, Map: fields} }

// OptionalTimestamp encodes nil as a null value.
func OptionalTimestamp(t *time.Time) Value {
	if t == nil {
		return Null()
	}
	return Timestamp(*t)
}

// OptionalString encodes the empty string as a null value.
func OptionalString(s string) Value {
	if s == "" {
		return Null()
	}
	return String(s)
}

// toAPI converts v into the generated REST type. Zero scalars are listed in
// ForceSendFields so they are not dropped by omitempty.
func (v Value) toAPI() (*firestorev1.Value, error) {
	switch v.Kind {
	case KindNull:
		return &firestorev1.Value{NullValue: "NULL_VALUE"}, nil
	case KindString:
		return &firestorev1.Value{StringValue: v.String, ForceSendFields: []string{"StringValue"}}, nil
	case KindInteger:
		return &firestorev1.Value{IntegerValue: v.Integer, ForceSendFields: []string{"IntegerValue"}}, nil
	case KindDouble:
		return &firestorev1.Value{DoubleValue: v.Double, ForceSendFields: []string{"DoubleValue"}}, nil
	case KindBoolean:
		return &firestorev1.Value{BooleanValue: v.Boolean, ForceSendFields: []string{"BooleanValue"}}, nil
	case KindTimestamp:
		return &firestorev1.Value{TimestampValue: v.Timestamp.UTC().Format(TimestampLayout)}, nil
	case KindArray:
		values := make([]*firestorev1.Value, 0, len(v.Array))
		for _, item := range v.Array {
			av, err := item.toAPI()
			if err != nil {
				return nil, err
			}
			values = append(values, av)
		}
		return &firestorev1.Value{ArrayValue: &firestorev1.ArrayValue{Values: values}}, nil
	case KindMap:
		fields, err := v.Map.toAPI()
		if err != nil {
			return nil, err
		}
		return &firestorev1.Value{MapValue: &firestorev1.MapValue{Fields: fields}}, nil
	default:
		return nil, fmt.Errorf("firestore: unknown value kind %d", v.Kind)
	}
}

func (f Fields) toAPI() (map[string]firestorev1.Value, error) {
	if len(f) == 0 {
		return nil, nil
	}
	out := make(map[string]firestorev1.Value, len(f))
	for k, v := range f {
		av, err := v.toAPI()
		if err != nil {
			return nil, fmt.Errorf("firestore: field %q: %w", k, err)
		}
		out[k] = *av
	}
	return out, nil
}

// fromAPI converts a generated REST value. The wire cannot tell a zero
// scalar apart from null once decoded, so those come back as null; the
// typed accessors return the same zero either way.
func fromAPI(av *firestorev1.Value) (Value, error) {
	switch {
	case av == nil:
		return Null(), nil
	case av.MapValue != nil:
		fields, err := fieldsFromAPI(av.MapValue.Fields)
		if err != nil {
			return Value{}, err
		}
		if fields == nil {
			fields = Fields{}
		}
		return Map(fields), nil
	case av.ArrayValue != nil:
		var values []Value
		for _, item := range av.ArrayValue.Values {
			v, err := fromAPI(item)
			if err != nil {
				return Value{}, err
			}
			values = append(values, v)
		}
		return Array(values...), nil
	case av.TimestampValue != "":
		t, err := time.Parse(time.RFC3339Nano, av.TimestampValue)
		if err != nil {
			return Value{}, fmt.Errorf("firestore: timestampValue: %w", err)
		}
		return Timestamp(t), nil
	case av.StringValue != "":
		return String(av.StringValue), nil
	case av.IntegerValue != 0:
		return Integer(av.IntegerValue), nil
	case av.DoubleValue != 0:
		return Double(av.DoubleValue), nil
	case av.BooleanValue:
		return Boolean(true), nil
	case av.GeoPointValue != nil || av.BytesValue != "" || av.ReferenceValue != "":
		return Value{}, errors.New("firestore: unsupported value type")
	}
	return Null(), nil
}

func fieldsFromAPI(in map[string]firestorev1.Value) (Fields, error) {
	if in == nil {
		return nil, nil
	}
	out := make(Fields, len(in))
	for k := range in {
		av := in[k]
		v, err := fromAPI(&av)
		if err != nil {
			return nil, fmt.Errorf("firestore: field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	av, err := v.toAPI()
	if err != nil {
		return nil, err
	}
	return json.Marshal(av)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var av firestorev1.Value
	if err := json.Unmarshal(data, &av); err != nil {
		return err
	}
	decoded, err := fromAPI(&av)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// Lookup resolves a dotted field path such as "subscription.tier".
func (f Fields) Lookup(path string) (Value, bool) {
	parts := strings.Split(path, ".")
	current := f
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.Kind != KindMap {
			return Value{}, false
		}
		current = v.Map
	}
	return Value{}, false
}

// Set stores v at a dotted field path, creating intermediate maps.
func (f Fields) Set(path string, v Value) {
	parts := strings.Split(path, ".")
	current := f
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok || next.Kind != KindMap || next.Map == nil {
			next = Map(Fields{})
			current[part] = next
		}
		current = next.Map
	}
	current[parts[len(parts)-1]] = v
}

// Delete removes the value at a dotted field path if present.
func (f Fields) Delete(path string) {
	parts := strings.Split(path, ".")
	current := f
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok || next.Kind != KindMap {
			return
		}
		current = next.Map
	}
	delete(current, parts[len(parts)-1])
}

// StringAt returns the string at path, or "" when missing or not a string.
func (f Fields) StringAt(path string) string {
	v, ok := f.Lookup(path)
	if !ok || v.Kind != KindString {
		return ""
	}
	return v.String
}

// IntegerAt returns the integer at path, or 0.
func (f Fields) IntegerAt(path string) int64 {
	v, ok := f.Lookup(path)
	if !ok {
		return 0
	}
	switch v.Kind {
	case KindInteger:
		return v.Integer
	case KindDouble:
		return int64(v.Double)
	}
	return 0
}

// BooleanAt returns the boolean at path, or false.
func (f Fields) BooleanAt(path string) bool {
	v, ok := f.Lookup(path)
	return ok && v.Kind == KindBoolean && v.Boolean
}

// TimestampAt returns the timestamp at path, or nil for missing and null values.
func (f Fields) TimestampAt(path string) *time.Time {
	v, ok := f.Lookup(path)
	if !ok || v.Kind != KindTimestamp {
		return nil
	}
	t := v.Timestamp
	return &t
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.Kind {
	case KindArray:
		arr := make([]Value, len(v.Array))
		for i, item := range v.Array {
			arr[i] = item.clone()
		}
		v.Array = arr
	case KindMap:
		v.Map = v.Map.Clone()
	}
	return v
}

// ApplyMask merges the masked paths of patch into base the way a PATCH with
// updateMask.fieldPaths does: paths present in patch are written, paths
// missing from patch are removed. An empty mask replaces the whole document.
func ApplyMask(base, patch Fields, mask []string) Fields {
	if len(mask) == 0 {
		return patch.Clone()
	}
	out := base.Clone()
	if out == nil {
		out = Fields{}
	}
	for _, path := range mask {
		if v, ok := patch.Lookup(path); ok {
			out.Set(path, v.clone())
		} else {
			out.Delete(path)
		}
	}
	return out
}
