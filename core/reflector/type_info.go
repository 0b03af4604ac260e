// Package reflector resolves and caches the names the runtime uses to identify
// aggregate and event types.
package reflector

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> TypeInfo

// TypeInfo describes a named Go type with pointers unwrapped.
type TypeInfo struct {
	// Name is the qualified name "pkg/path.TypeName".
	Name string
	// ShortName is the bare type name.
	ShortName string
	PkgPath   string
	Type      reflect.Type
}

func (ti TypeInfo) IsZero() bool { return ti.Type == nil }

// New returns a pointer to a fresh zero value of the type.
func (ti TypeInfo) New() any { return reflect.New(ti.Type).Interface() }

func TypeInfoOf(x any) TypeInfo { return TypeInfoForType(reflect.TypeOf(x)) }

func TypeInfoFor[T any]() TypeInfo { return TypeInfoForType(reflect.TypeFor[T]()) }

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if ti, ok := cache.Load(t); ok {
		return ti.(TypeInfo)
	}
	ti := TypeInfo{
		Name:      t.PkgPath() + "." + t.Name(),
		ShortName: t.Name(),
		PkgPath:   t.PkgPath(),
		Type:      t,
	}
	actual, _ := cache.LoadOrStore(t, ti)
	return actual.(TypeInfo)
}
