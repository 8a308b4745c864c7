package scoped

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Identity is the stable key of a manageable component: its type plus any
// qualifying discriminators. Identities are comparable and immutable.
type Identity struct {
	typ        reflect.Type
	qualifiers string
}

var typeStringCache sync.Map

// NewIdentity creates the identity of t with the given qualifiers. The order of
// qualifiers is irrelevant.
func NewIdentity(t reflect.Type, qualifiers ...string) Identity {
	q := make([]string, 0, len(qualifiers))
	for _, qualifier := range qualifiers {
		if qualifier = strings.TrimSpace(qualifier); qualifier != "" {
			q = append(q, qualifier)
		}
	}
	sort.Strings(q)
	return Identity{typ: t, qualifiers: strings.Join(q, ",")}
}

// IdentityOf returns the identity of T with the given qualifiers.
func IdentityOf[T any](qualifiers ...string) Identity {
	return NewIdentity(reflect.TypeOf((*T)(nil)).Elem(), qualifiers...)
}

// Type returns the component type.
func (id Identity) Type() reflect.Type {
	return id.typ
}

// Qualifiers returns the sorted qualifiers.
func (id Identity) Qualifiers() []string {
	if id.qualifiers == "" {
		return nil
	}
	return strings.Split(id.qualifiers, ",")
}

// IsZero reports whether id was never initialized.
func (id Identity) IsZero() bool {
	return id.typ == nil
}

func (id Identity) String() string {
	if id.typ == nil {
		return "<none>"
	}
	name := typeName(id.typ)
	if id.qualifiers == "" {
		return name
	}
	return name + "[" + id.qualifiers + "]"
}

func typeName(t reflect.Type) string {
	if cached, ok := typeStringCache.Load(t); ok {
		return cached.(string)
	}
	name := t.String()
	typeStringCache.Store(t, name)
	return name
}
