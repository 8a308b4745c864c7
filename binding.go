package scoped

import (
	"fmt"
	"reflect"
)

// Phase is the lifecycle phase an interceptor binding applies to.
type Phase int

const (
	PhaseAroundInvoke Phase = iota
	PhasePostConstruct
	PhasePreDestroy
	PhaseAroundTimeout
)

func (p Phase) String() string {
	switch p {
	case PhaseAroundInvoke:
		return "around-invoke"
	case PhasePostConstruct:
		return "post-construct"
	case PhasePreDestroy:
		return "pre-destroy"
	case PhaseAroundTimeout:
		return "around-timeout"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// IsLifecycle reports whether p is a lifecycle-callback phase.
func (p Phase) IsLifecycle() bool {
	return p == PhasePostConstruct || p == PhasePreDestroy
}

// InterceptorBinding is one resolved callback in an invocation chain. Callbacks
// are bound once when the binding is built; the executor never inspects types.
type InterceptorBinding struct {
	Name  string
	Phase Phase
	// Interceptor is the separate interceptor instance, nil when the callback
	// lives on the target itself.
	Interceptor any

	around   func(receiver any, ic *InvocationChain) (any, error)
	callback func(target any) error
}

// AroundInvoke binds an around-invoke callback declared on the target itself.
func AroundInvoke(name string, fn func(target any, ic *InvocationChain) (any, error)) InterceptorBinding {
	return InterceptorBinding{Name: name, Phase: PhaseAroundInvoke, around: fn}
}

// AroundTimeout binds an around-timeout callback declared on the target itself.
func AroundTimeout(name string, fn func(target any, ic *InvocationChain) (any, error)) InterceptorBinding {
	return InterceptorBinding{Name: name, Phase: PhaseAroundTimeout, around: fn}
}

// InterceptorAround binds an around-invoke callback on a separate interceptor.
func InterceptorAround[I any](name string, interceptor I, fn func(interceptor I, ic *InvocationChain) (any, error)) InterceptorBinding {
	return Intercept(PhaseAroundInvoke, name, interceptor, fn)
}

// Intercept binds a callback of any phase on a separate interceptor. The callback
// must call Proceed to continue the chain.
func Intercept[I any](phase Phase, name string, interceptor I, fn func(interceptor I, ic *InvocationChain) (any, error)) InterceptorBinding {
	return InterceptorBinding{
		Name:        name,
		Phase:       phase,
		Interceptor: interceptor,
		around: func(_ any, ic *InvocationChain) (any, error) {
			return fn(interceptor, ic)
		},
	}
}

// LifecycleCallback binds a post-construct or pre-destroy callback declared on the
// target itself. It takes no chain argument; the executor continues the chain
// after it returns.
func LifecycleCallback(phase Phase, name string, fn func(target any) error) InterceptorBinding {
	return InterceptorBinding{Name: name, Phase: phase, callback: fn}
}

// PostConstruct is LifecycleCallback for PhasePostConstruct.
func PostConstruct(name string, fn func(target any) error) InterceptorBinding {
	return LifecycleCallback(PhasePostConstruct, name, fn)
}

// PreDestroy is LifecycleCallback for PhasePreDestroy.
func PreDestroy(name string, fn func(target any) error) InterceptorBinding {
	return LifecycleCallback(PhasePreDestroy, name, fn)
}

func (b InterceptorBinding) sameClassLifecycle() bool {
	return b.Interceptor == nil && b.callback != nil
}

func (b InterceptorBinding) invoke(receiver any, ic *InvocationChain) (any, error) {
	switch {
	case b.around != nil:
		return b.around(receiver, ic)
	case b.callback != nil:
		return nil, b.callback(receiver)
	default:
		return nil, fmt.Errorf("interceptor binding %q has no callback", b.Name)
	}
}

func filterBindings(bindings []InterceptorBinding, phase Phase) []InterceptorBinding {
	var out []InterceptorBinding
	for _, b := range bindings {
		if b.Phase == phase {
			out = append(out, b)
		}
	}
	return out
}

// Method is a target method reachable through an invocation chain.
type Method struct {
	name   string
	params []reflect.Type
	invoke func(target any, args []any) (any, error)
}

// NewMethod creates a method. params declares the parameter types checked by
// SetParameters; leave it empty to only check arity.
func NewMethod(name string, invoke func(target any, args []any) (any, error), params ...reflect.Type) *Method {
	return &Method{name: name, params: params, invoke: invoke}
}

// MethodOf creates a method whose target must be a T.
func MethodOf[T any](name string, fn func(target T, args []any) (any, error), params ...reflect.Type) *Method {
	return NewMethod(name, func(target any, args []any) (any, error) {
		typed, ok := target.(T)
		if !ok {
			return nil, &TypeMismatchError{
				Expected: reflect.TypeOf((*T)(nil)).Elem().String(),
				Got:      fmt.Sprintf("%T", target),
			}
		}
		return fn(typed, args)
	}, params...)
}

// ParamType returns the reflect.Type of T for use as a declared parameter type.
func ParamType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (m *Method) Name() string {
	return m.name
}

// Params returns the declared parameter types.
func (m *Method) Params() []reflect.Type {
	out := make([]reflect.Type, len(m.params))
	copy(out, m.params)
	return out
}
