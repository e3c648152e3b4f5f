package testutil

import (
	"bytes"
	"fmt"
	"reflect"
)

var bytesType = reflect.TypeOf([]byte(nil))

func mismatch(v1, v2 reflect.Value) string {
	if v1.Type() == bytesType {
		return fmt.Sprintf("%q != %q\n", v1.Bytes(), v2.Bytes())
	}
	return fmt.Sprintf("%#v != %#v\n", v1, v2)
}

func deepValueEqual(v1, v2 reflect.Value) (bool, string) {
	if !v1.IsValid() || !v2.IsValid() {
		return v1.IsValid() == v2.IsValid(), ""
	}
	if v1.Type() != v2.Type() {
		return false, fmt.Sprintf("%s != %s\n", v1.Type(), v2.Type())
	}

	switch v1.Kind() {
	case reflect.Array:
		for i := 0; i < v1.Len(); i++ {
			if ok, s := deepValueEqual(v1.Index(i), v2.Index(i)); !ok {
				return false, fmt.Sprintf("%s[%d]: %s", v1.Type(), i, s)
			}
		}
		return true, ""
	case reflect.Slice:
		if v1.IsNil() != v2.IsNil() || v1.Len() != v2.Len() {
			return false, mismatch(v1, v2)
		}
		if v1.Type() == bytesType {
			if !bytes.Equal(v1.Bytes(), v2.Bytes()) {
				return false, mismatch(v1, v2)
			}
			return true, ""
		}
		if v1.Pointer() == v2.Pointer() {
			return true, ""
		}
		for i := 0; i < v1.Len(); i++ {
			if ok, s := deepValueEqual(v1.Index(i), v2.Index(i)); !ok {
				return false, fmt.Sprintf("%s[%d]: %s", v1.Type(), i, s)
			}
		}
		return true, ""
	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			return v1.IsNil() == v2.IsNil(), ""
		}
		return deepValueEqual(v1.Elem(), v2.Elem())
	case reflect.Ptr:
		if v1.Pointer() == v2.Pointer() {
			return true, ""
		}
		return deepValueEqual(v1.Elem(), v2.Elem())
	case reflect.Struct:
		for i, n := 0, v1.NumField(); i < n; i++ {
			if ok, s := deepValueEqual(v1.Field(i), v2.Field(i)); !ok {
				return false, fmt.Sprintf("%s.%s: %s", v1.Type(), v1.Type().Field(i).Name, s)
			}
		}
		return true, ""
	case reflect.Map:
		if v1.IsNil() != v2.IsNil() || v1.Len() != v2.Len() {
			return false, mismatch(v1, v2)
		}
		if v1.Pointer() == v2.Pointer() {
			return true, ""
		}
		for _, k := range v1.MapKeys() {
			val2 := v2.MapIndex(k)
			if !val2.IsValid() {
				return false, fmt.Sprintf("missing key %v: %s", k, mismatch(v1, v2))
			}
			if ok, s := deepValueEqual(v1.MapIndex(k), val2); !ok {
				return false, fmt.Sprintf("[%v]: %s", k, s)
			}
		}
		return true, ""
	case reflect.Func:
		if v1.IsNil() && v2.IsNil() {
			return true, ""
		}
		return false, mismatch(v1, v2)
	case reflect.Bool:
		if v1.Bool() != v2.Bool() {
			return false, mismatch(v1, v2)
		}
		return true, ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v1.Int() != v2.Int() {
			return false, mismatch(v1, v2)
		}
		return true, ""
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr:
		if v1.Uint() != v2.Uint() {
			return false, mismatch(v1, v2)
		}
		return true, ""
	case reflect.Float32, reflect.Float64:
		if v1.Float() != v2.Float() {
			return false, mismatch(v1, v2)
		}
		return true, ""
	case reflect.String:
		if v1.String() != v2.String() {
			return false, fmt.Sprintf("%q != %q\n", v1.String(), v2.String())
		}
		return true, ""
	case reflect.Complex64, reflect.Complex128:
		if v1.Complex() != v2.Complex() {
			return false, mismatch(v1, v2)
		}
		return true, ""
	default:
		if v1.Pointer() != v2.Pointer() {
			return false, mismatch(v1, v2)
		}
		return true, ""
	}
}

// DeepEqual is reflect.DeepEqual that compares unexported fields and, when trc is given,
// describes where x and y first differ.
func DeepEqual(x, y interface{}, trc ...*string) bool {
	if len(trc) > 1 {
		panic("testutil.DeepEqual: more than one optional argument")
	}

	var eq bool
	var s string
	if x == nil || y == nil {
		eq = x == y
		if !eq {
			s = fmt.Sprintf("%#v != %#v\n", x, y)
		}
	} else {
		eq, s = deepValueEqual(reflect.ValueOf(x), reflect.ValueOf(y))
	}

	if len(trc) == 1 && trc[0] != nil {
		*trc[0] = s
	}
	return eq
}
