package scoped

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"
)

// InvalidationPolicy decides when a failed Proceed clears the chain's target.
type InvalidationPolicy int

const (
	// InvalidateOnAnyFailure clears the target after any failure, including
	// failures raised by interceptors.
	InvalidateOnAnyFailure InvalidationPolicy = iota
	// InvalidateOnTargetFailure clears the target only when the target method or
	// one of the target's own lifecycle callbacks failed.
	InvalidateOnTargetFailure
)

func (p InvalidationPolicy) String() string {
	switch p {
	case InvalidateOnAnyFailure:
		return "any"
	case InvalidateOnTargetFailure:
		return "target"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseInvalidationPolicy parses "any" or "target".
func ParseInvalidationPolicy(s string) (InvalidationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return InvalidateOnAnyFailure, nil
	case "target":
		return InvalidateOnTargetFailure, nil
	default:
		return 0, fmt.Errorf("unknown invalidation policy %q", s)
	}
}

// InvocationChain drives one call through its interceptor bindings and then the
// target method. A chain belongs to one execution unit and is not safe for
// concurrent use.
type InvocationChain struct {
	method   *Method
	args     []any
	bindings []InterceptorBinding
	phase    Phase
	cursor   int

	target   any
	resolver func() (any, error)
	policy   InvalidationPolicy

	data  map[string]any
	timer any

	depth        int
	targetFailed bool

	logger  *zap.Logger
	metrics *Metrics
}

// ChainOption configures an InvocationChain.
type ChainOption func(*InvocationChain)

// WithTarget supplies an already materialized target.
func WithTarget(target any) ChainOption {
	return func(ic *InvocationChain) {
		ic.target = target
	}
}

// WithTargetResolver supplies the lookup used when the target is not yet
// materialized or was invalidated.
func WithTargetResolver(resolve func() (any, error)) ChainOption {
	return func(ic *InvocationChain) {
		ic.resolver = resolve
	}
}

// WithChainInvalidationPolicy sets the target invalidation policy.
func WithChainInvalidationPolicy(p InvalidationPolicy) ChainOption {
	return func(ic *InvocationChain) {
		ic.policy = p
	}
}

// WithTimer attaches the timer of an around-timeout invocation.
func WithTimer(timer any) ChainOption {
	return func(ic *InvocationChain) {
		ic.timer = timer
	}
}

// WithChainLogger sets the logger.
func WithChainLogger(logger *zap.Logger) ChainOption {
	return func(ic *InvocationChain) {
		if logger != nil {
			ic.logger = logger
		}
	}
}

// WithChainMetrics sets the metrics collector.
func WithChainMetrics(m *Metrics) ChainOption {
	return func(ic *InvocationChain) {
		ic.metrics = m
	}
}

// NewInvocationChain creates a chain over bindings for the given phase. method may
// be nil for lifecycle phases.
func NewInvocationChain(method *Method, args []any, bindings []InterceptorBinding, phase Phase, opts ...ChainOption) *InvocationChain {
	ic := &InvocationChain{
		method:   method,
		args:     append([]any(nil), args...),
		bindings: append([]InterceptorBinding(nil), bindings...),
		phase:    phase,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

// Proceed runs the next binding, or the target method once every binding has
// run. The result of the deepest successful step is returned unchanged.
func (ic *InvocationChain) Proceed() (any, error) {
	outermost := ic.depth == 0
	var start time.Time
	if outermost {
		start = time.Now()
		ic.targetFailed = false
	}

	ic.depth++
	var result any
	var err error
	if ic.phase.IsLifecycle() {
		result, err = ic.proceedLifecycle()
	} else {
		result, err = ic.proceedAround()
	}
	ic.depth--

	if err != nil {
		if ic.policy == InvalidateOnAnyFailure || ic.targetFailed {
			ic.target = nil
		}
		result = nil
	}

	if outermost {
		ic.metrics.invocation(ic.phase, time.Since(start), err)
		if err != nil {
			ic.logger.Debug("invocation failed",
				zap.Stringer("phase", ic.phase),
				zap.String("method", ic.methodName()),
				zap.Error(err),
			)
		}
	}
	return result, err
}

func (ic *InvocationChain) proceedAround() (any, error) {
	if ic.cursor < len(ic.bindings) {
		b := ic.bindings[ic.cursor]
		ic.cursor++

		receiver := b.Interceptor
		if receiver == nil {
			target, err := ic.resolveTarget()
			if err != nil {
				return nil, err
			}
			receiver = target
		}
		return guard(b.Name, func() (any, error) {
			return b.invoke(receiver, ic)
		})
	}
	return ic.invokeTarget()
}

// proceedLifecycle runs callbacks declared on the target one after another
// without their cooperation. A separate interceptor takes over continuation by
// calling Proceed itself.
func (ic *InvocationChain) proceedLifecycle() (any, error) {
	var result any
	for ic.cursor < len(ic.bindings) {
		b := ic.bindings[ic.cursor]
		ic.cursor++

		if !b.sameClassLifecycle() {
			receiver := b.Interceptor
			if receiver == nil {
				target, err := ic.resolveTarget()
				if err != nil {
					return nil, err
				}
				receiver = target
			}
			return guard(b.Name, func() (any, error) {
				return b.invoke(receiver, ic)
			})
		}

		target, err := ic.resolveTarget()
		if err != nil {
			return nil, err
		}
		r, err := guard(b.Name, func() (any, error) {
			return b.invoke(target, nil)
		})
		if err != nil {
			ic.targetFailed = true
			return nil, err
		}
		result = r
	}
	return result, nil
}

func (ic *InvocationChain) invokeTarget() (any, error) {
	if ic.method == nil {
		return nil, nil
	}
	target, err := ic.resolveTarget()
	if err != nil {
		return nil, err
	}
	result, err := guard(ic.method.name, func() (any, error) {
		return ic.method.invoke(target, ic.args)
	})
	if err != nil {
		ic.targetFailed = true
	}
	return result, err
}

func (ic *InvocationChain) resolveTarget() (any, error) {
	if ic.target != nil {
		return ic.target, nil
	}
	if ic.resolver == nil {
		return nil, ErrTargetUnavailable
	}
	target, err := ic.resolver()
	if err != nil {
		return nil, err
	}
	ic.target = target
	return target, nil
}

// guard recovers a panic in fn. A panic carrying an error surfaces as that
// error; any other value is wrapped in a TargetInvocationError. Errors returned
// by fn pass through untouched.
func guard(name string, fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if cause, ok := r.(error); ok {
				err = cause
				return
			}
			err = &TargetInvocationError{Method: name, Cause: fmt.Errorf("panic: %v", r), Panic: r}
		}
	}()
	return fn()
}

func (ic *InvocationChain) methodName() string {
	if ic.method == nil {
		return ""
	}
	return ic.method.name
}

// Target returns the materialized target, or nil when it is unresolved.
func (ic *InvocationChain) Target() any {
	return ic.target
}

// Method returns the invoked method, nil for lifecycle chains.
func (ic *InvocationChain) Method() *Method {
	return ic.method
}

// Phase returns the phase the chain runs.
func (ic *InvocationChain) Phase() Phase {
	return ic.phase
}

// Cursor returns the index of the next binding to run.
func (ic *InvocationChain) Cursor() int {
	return ic.cursor
}

// Timer returns the timer of an around-timeout invocation.
func (ic *InvocationChain) Timer() any {
	return ic.timer
}

// ContextData returns the map shared by every binding of this chain.
func (ic *InvocationChain) ContextData() map[string]any {
	if ic.data == nil {
		ic.data = make(map[string]any)
	}
	return ic.data
}

// Parameters returns a copy of the current argument list.
func (ic *InvocationChain) Parameters() []any {
	return append([]any(nil), ic.args...)
}

// SetParameters replaces the argument list. The replacement must have the same
// length as the current list and, when the method declares parameter types,
// each value must be assignable to its parameter.
func (ic *InvocationChain) SetParameters(args []any) error {
	if len(args) != len(ic.args) {
		return &ArgumentContractError{
			Method: ic.methodName(),
			Reason: fmt.Sprintf("expected %d arguments, got %d", len(ic.args), len(args)),
		}
	}
	if ic.method != nil && len(ic.method.params) == len(args) {
		for i, param := range ic.method.params {
			if !assignable(args[i], param) {
				return &ArgumentContractError{
					Method:   ic.methodName(),
					Index:    i,
					Expected: param.String(),
					Got:      fmt.Sprintf("%T", args[i]),
				}
			}
		}
	}
	ic.args = append(ic.args[:0], args...)
	return nil
}

func assignable(v any, t reflect.Type) bool {
	if v == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return true
		default:
			return false
		}
	}
	return reflect.TypeOf(v).AssignableTo(t)
}
