package es

import (
	"encoding"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/esrt/core/reflector"
)

var (
	baseAggregateType = reflect.TypeFor[BaseAggregate]()
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// SchemaHasher computes a structural fingerprint of an aggregate type and the
// events it handles. Any change to the shape of the persisted state or of a
// handled event yields a different hash.
type SchemaHasher struct{}

func NewSchemaHasher() *SchemaHasher { return &SchemaHasher{} }

func (h *SchemaHasher) Hash(aggType reflect.Type, events []reflect.Type, declaredVersion int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "v%d;", declaredVersion)
	sb.WriteString(reflector.TypeInfoForType(aggType).Name)
	sb.WriteByte('=')
	describeType(&sb, aggType, map[reflect.Type]bool{})

	names := make([]string, 0, len(events))
	shapes := map[string]string{}
	for _, et := range events {
		var shape strings.Builder
		describeType(&shape, et, map[reflect.Type]bool{})
		name := reflector.TypeInfoForType(et).Name
		names = append(names, name)
		shapes[name] = shape.String()
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&sb, ";%s=%s", name, shapes[name])
	}

	sum := blake2b.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func describeType(sb *strings.Builder, t reflect.Type, seen map[reflect.Type]bool) {
	if t.Name() != "" && t.Kind() != reflect.Pointer {
		name := reflector.TypeInfoForType(t).Name
		if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) ||
			reflect.PointerTo(t).Implements(jsonMarshalerType) {
			// opaque to us, the name is all we can rely on
			sb.WriteString(name)
			return
		}
		if t.Kind() != reflect.Struct {
			fmt.Fprintf(sb, "%s(%s)", name, t.Kind())
			return
		}
		if seen[t] {
			sb.WriteString(name)
			return
		}
		seen[t] = true
	}

	switch t.Kind() {
	case reflect.Pointer:
		sb.WriteByte('*')
		describeType(sb, t.Elem(), seen)
	case reflect.Slice:
		sb.WriteString("[]")
		describeType(sb, t.Elem(), seen)
	case reflect.Array:
		fmt.Fprintf(sb, "[%d]", t.Len())
		describeType(sb, t.Elem(), seen)
	case reflect.Map:
		sb.WriteString("map[")
		describeType(sb, t.Key(), seen)
		sb.WriteByte(']')
		describeType(sb, t.Elem(), seen)
	case reflect.Struct:
		sb.WriteString("struct{")
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() || f.Type == baseAggregateType {
				continue
			}
			tag := f.Tag.Get("json")
			if tag == "-" {
				continue
			}
			fmt.Fprintf(sb, "%s %q ", f.Name, tag)
			describeType(sb, f.Type, seen)
			sb.WriteByte(';')
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(t.Kind().String())
	}
}
