package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// StandardValueTypes returns the value types every spell can rely on.
func StandardValueTypes() []ValueType {
	return []ValueType{
		{Name: FlowValueType, Default: func() any { return nil }, Deserialize: func(any) (any, error) { return nil, nil }},
		{Name: "string", Default: func() any { return "" }, Deserialize: toString},
		{Name: "float", Default: func() any { return 0.0 }, Deserialize: toFloat},
		{Name: "integer", Default: func() any { return int64(0) }, Deserialize: toInteger},
		{Name: "boolean", Default: func() any { return false }, Deserialize: toBool},
		{Name: "object", Default: func() any { return map[string]any{} }, Deserialize: toObject},
		{Name: "array", Default: func() any { return []any{} }, Deserialize: toArray},
		{Name: "any", Default: func() any { return nil }, Deserialize: func(v any) (any, error) { return v, nil }},
	}
}

func toString(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprint(t), nil
	}
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return 0.0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
}

func toInteger(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return int64(0), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toBool(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func toObject(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to object", v)
	}
}

func toArray(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to array", v)
	}
}

// DecodeConfig decodes a raw node configuration into a typed struct using
// `config` struct tags. Strings are weakly converted to numbers and
// booleans. Durations accept strings ("2s") or numbers of milliseconds.
func DecodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "config",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			millisecondsToDurationHook,
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decoding node config: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// millisecondsToDurationHook reads a number decoded into a time.Duration as
// milliseconds, the unit spell editors store.
func millisecondsToDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	v := reflect.ValueOf(data)
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(v.Int()) * time.Millisecond, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(v.Uint()) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(v.Float() * float64(time.Millisecond)), nil
	}
	return data, nil
}

// ReadString reads an input socket as a string.
func ReadString(nc NodeContext, socket string) string {
	v, _ := toString(nc.Read(socket))
	s, _ := v.(string)
	return s
}

// ReadBool reads an input socket as a boolean; unconvertible values are false.
func ReadBool(nc NodeContext, socket string) bool {
	v, err := toBool(nc.Read(socket))
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ReadObject reads an input socket as an object; other values yield nil.
func ReadObject(nc NodeContext, socket string) map[string]any {
	m, _ := nc.Read(socket).(map[string]any)
	return m
}

// Dependency resolves a typed dependency from a node context.
func Dependency[T any](nc NodeContext, key string) (T, bool) {
	var zero T
	v, ok := nc.Dependency(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
