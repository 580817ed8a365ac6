package lopata

import (
	"log/slog"
	"reflect"
	"sync"
)

// rpcWarned deduplicates serializability warnings per concrete type.
var rpcWarned sync.Map

// ValidateRPCValue checks that a value passed across a binding boundary
// could survive real serialization. Locally everything is passed by
// reference, so violations only warn; the warning fires once per type.
func ValidateRPCValue(log *slog.Logger, v any) error {
	if v == nil {
		return nil
	}
	t := reflect.TypeOf(v)
	if serializableKind(t, map[reflect.Type]bool{}) {
		return nil
	}
	if _, seen := rpcWarned.LoadOrStore(t.String(), struct{}{}); !seen && log != nil {
		log.Warn("value would not survive serialization on the real platform",
			"type", t.String())
	}
	return nil
}

func serializableKind(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return true
	}
	seen[t] = true
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return serializableKind(t.Elem(), seen)
	case reflect.Map:
		return serializableKind(t.Key(), seen) && serializableKind(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				return false
			}
			if !serializableKind(f.Type, seen) {
				return false
			}
		}
		return true
	case reflect.Interface:
		// Resolved per concrete value at call time; allow here.
		return true
	default:
		// Chan, Func, UnsafePointer and friends never serialize.
		return false
	}
}
