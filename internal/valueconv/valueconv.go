// Package valueconv implements the type guards and value converter
// (component 4.A): classification of runtime values into the kinds the
// bridge understands, and conversion between the plain-value world and
// the CRDT-value world. It is a pure-function package; it never touches
// the CRDT document or logs anything itself.
package valueconv

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"time"

	"github.com/ruvnet/crdtbridge/internal/bridgeerrors"
	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
)

// Absent is the absent-value marker - the Go stand-in for JavaScript's
// undefined. It is distinct from nil: a map value holding nil is a valid
// primitive, a map value holding Absent{} is rejected.
type Absent struct{}

// Kind is the result of Classify.
type Kind int

const (
	KindMapNode Kind = iota
	KindListNode
	KindLeafOpaque
	KindLeafPrimitive
	KindPlainObject
	KindPlainArray
	KindPrimitive
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindMapNode:
		return "map-node"
	case KindListNode:
		return "list-node"
	case KindLeafOpaque:
		return "leaf-opaque"
	case KindLeafPrimitive:
		return "leaf-primitive"
	case KindPlainObject:
		return "plain-object"
	case KindPlainArray:
		return "plain-array"
	case KindPrimitive:
		return "primitive"
	default:
		return "unsupported"
	}
}

// ProxyIdentity is the subset of synccontext.Context the converter needs:
// whether a reactive proxy is known, and which CRDT node it mirrors. It is
// expressed as an interface here (rather than importing synccontext
// directly) so valueconv has no dependency on the synchronization layer's
// concrete type.
type ProxyIdentity interface {
	// MirroredNode returns the CRDT node a known proxy mirrors, and
	// whether the proxy is known to this context at all.
	MirroredNode(p reactiveiface.Node) (crdtiface.Node, bool)
}

// Classify identifies which of the eight value kinds v belongs to. It does
// not substitute special objects or validate primitives; call substitute
// first if v might be a Date/regexp/URL analogue.
func Classify(v any, identity ProxyIdentity) Kind {
	if v == nil {
		return KindPrimitive
	}

	switch val := v.(type) {
	case crdtiface.MapNode:
		return KindMapNode
	case crdtiface.ListNode:
		return KindListNode
	case crdtiface.Leaf:
		return KindLeafOpaque
	case bool, string:
		return KindPrimitive
	}

	if isNumeric(v) {
		return KindPrimitive
	}

	if node, ok := v.(crdtiface.Node); ok {
		if node.Kind() == crdtiface.KindPrimitive {
			return KindLeafPrimitive
		}
	}

	if p, ok := v.(reactiveiface.Node); ok && identity != nil {
		if _, known := identity.MirroredNode(p); known {
			if p.Shape() == reactiveiface.ShapeArray {
				return KindListNode
			}
			return KindMapNode
		}
	}

	switch v.(type) {
	case map[string]any:
		return KindPlainObject
	case []any:
		return KindPlainArray
	}

	return classifyByReflection(v)
}

func classifyByReflection(v any) Kind {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return KindPlainObject
		}
	case reflect.Slice, reflect.Array:
		return KindPlainArray
	}
	return KindUnsupported
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// toFloat64 widens any supported numeric type to float64. Callers must
// have already confirmed isNumeric(v).
func toFloat64(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// Substitute applies the special-object substitutions (spec §4.A): Date
// analogues become RFC3339 strings, regular expressions become their
// pattern string, URLs become their canonical string form. Any other
// struct or pointer value that isn't already a recognized primitive,
// container, or CRDT node fails with an UnsupportedValue error naming its
// Go type.
func Substitute(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case *regexp.Regexp:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	case *url.URL:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	}

	if v == nil {
		return nil, nil
	}

	switch v.(type) {
	case bool, string, Absent,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		map[string]any, []any,
		crdtiface.MapNode, crdtiface.ListNode, crdtiface.Leaf, reactiveiface.Node:
		return v, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return v, nil
	}

	return nil, bridgeerrors.Newf(bridgeerrors.UnsupportedValue,
		"unsupported value of type %T", v).WithDetail(typeName(v))
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	return t.String()
}

// ValidatePrimitive rejects Go's non-finite floats and the Absent marker
// when found as a leaf value (as opposed to an object key, which is
// covered by DeepValidate and reports AbsentValueInObject instead).
func ValidatePrimitive(v any) error {
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return bridgeerrors.New(bridgeerrors.UnsupportedValue, "non-finite number is not supported")
		}
	}
	if f, ok := v.(float32); ok {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return bridgeerrors.New(bridgeerrors.UnsupportedValue, "non-finite number is not supported")
		}
	}
	if _, ok := v.(Absent); ok {
		return bridgeerrors.New(bridgeerrors.UnsupportedValue, "absent-value marker is not a valid leaf value")
	}
	return nil
}

// DeepValidate walks a plain value tree (as Substitute would leave it) and
// returns the first error found without mutating anything, so that an
// outbound batch either applies fully or not at all. It recognizes the
// Absent marker inside plain objects as AbsentValueInObject rather than
// UnsupportedValue, per the taxonomy.
func DeepValidate(v any) error {
	switch val := v.(type) {
	case nil, bool, string:
		return nil
	case Absent:
		// Only invalid as an object value; bare Absent at the root or in
		// a list is treated as unsupported.
		return bridgeerrors.New(bridgeerrors.UnsupportedValue, "absent-value marker is not a valid value here")
	case map[string]any:
		for k, vv := range val {
			if _, isAbsent := vv.(Absent); isAbsent {
				return bridgeerrors.Newf(bridgeerrors.AbsentValueInObject, "key %q holds the absent-value marker", k)
			}
			if err := DeepValidate(vv); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, vv := range val {
			if err := DeepValidate(vv); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case crdtiface.MapNode, crdtiface.ListNode, crdtiface.Leaf, reactiveiface.Node:
		return nil
	}

	if isNumeric(val) {
		return ValidatePrimitive(toFloat64(val))
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return bridgeerrors.Newf(bridgeerrors.UnsupportedValue, "map keys must be strings, got %s", rv.Type().Key())
		}
		for _, key := range rv.MapKeys() {
			elem := rv.MapIndex(key).Interface()
			if _, isAbsent := elem.(Absent); isAbsent {
				return bridgeerrors.Newf(bridgeerrors.AbsentValueInObject, "key %q holds the absent-value marker", key.String())
			}
			if err := DeepValidate(elem); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := DeepValidate(rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	}

	return bridgeerrors.Newf(bridgeerrors.UnsupportedValue, "unsupported value of type %T", val).WithDetail(typeName(val))
}
