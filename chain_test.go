package scoped_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/centraunit/scoped"
	"github.com/centraunit/scoped/mock"
	"github.com/stretchr/testify/suite"
)

type ChainTestSuite struct {
	suite.Suite
	rec    *mock.Recorder
	target *echoTarget
}

type echoTarget struct {
	rec  *mock.Recorder
	fail error
}

func (t *echoTarget) Echo(arg string) (string, error) {
	t.rec.Add("target:" + arg)
	if t.fail != nil {
		return "", t.fail
	}
	return arg, nil
}

var echo = scoped.MethodOf[*echoTarget]("Echo", func(t *echoTarget, args []any) (any, error) {
	return t.Echo(args[0].(string))
}, scoped.ParamType[string]())

func (s *ChainTestSuite) SetupTest() {
	s.rec = &mock.Recorder{}
	s.target = &echoTarget{rec: s.rec}
}

func (s *ChainTestSuite) interceptor(name string) scoped.InterceptorBinding {
	return (&mock.RecordingInterceptor{Name: name, Recorder: s.rec}).Binding()
}

func (s *ChainTestSuite) TestInterceptorsRunInOrder() {
	chain := scoped.NewInvocationChain(echo, []any{"hi"},
		[]scoped.InterceptorBinding{s.interceptor("A"), s.interceptor("B")},
		scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	result, err := chain.Proceed()
	s.Require().NoError(err)
	s.Equal("hi", result)
	s.Equal([]string{"A:before", "B:before", "target:hi", "B:after", "A:after"}, s.rec.Events())
	s.Equal(2, chain.Cursor())
}

func (s *ChainTestSuite) TestNoBindingsCallsTargetDirectly() {
	chain := scoped.NewInvocationChain(echo, []any{"direct"}, nil, scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))
	result, err := chain.Proceed()
	s.NoError(err)
	s.Equal("direct", result)
}

func (s *ChainTestSuite) TestTargetErrorPropagatesUnchanged() {
	boom := errors.New("E")
	s.target.fail = boom
	chain := scoped.NewInvocationChain(echo, []any{"x"},
		[]scoped.InterceptorBinding{s.interceptor("A"), s.interceptor("B")},
		scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	result, err := chain.Proceed()
	s.Nil(result)
	s.Same(boom, err)
	s.Nil(chain.Target())
	s.Equal([]string{"A:before", "B:before", "target:x", "B:error", "A:error"}, s.rec.Events())
}

func (s *ChainTestSuite) TestPanicWithErrorIsUnwrapped() {
	boom := errors.New("panicked with error")
	method := scoped.MethodOf[*echoTarget]("Panic", func(t *echoTarget, args []any) (any, error) {
		panic(boom)
	})
	chain := scoped.NewInvocationChain(method, nil, nil, scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	s.Same(boom, err)
}

func (s *ChainTestSuite) TestPanicWithValueKeepsWrapper() {
	method := scoped.MethodOf[*echoTarget]("Panic", func(t *echoTarget, args []any) (any, error) {
		panic("plain value")
	})
	chain := scoped.NewInvocationChain(method, nil, nil, scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	var invocation *scoped.TargetInvocationError
	s.Require().ErrorAs(err, &invocation)
	s.Equal("plain value", invocation.Panic)
	s.Equal("Panic", invocation.Method)
}

// observing returns a binding that records the error it sees from Proceed.
func observing(name string, seen map[string]error) scoped.InterceptorBinding {
	return scoped.InterceptorAround(name, name, func(key string, ic *scoped.InvocationChain) (any, error) {
		result, err := ic.Proceed()
		seen[key] = err
		return result, err
	})
}

func (s *ChainTestSuite) TestEveryLevelSeesTheSameError() {
	returned := &scoped.TargetInvocationError{Method: "Echo", Cause: errors.New("X")}
	panicked := &scoped.TargetInvocationError{Method: "Echo", Cause: errors.New("Y")}

	returning := scoped.MethodOf[*echoTarget]("Echo", func(*echoTarget, []any) (any, error) {
		return nil, returned
	})
	panicking := scoped.MethodOf[*echoTarget]("Echo", func(*echoTarget, []any) (any, error) {
		panic(panicked)
	})

	for _, tc := range []struct {
		name   string
		method *scoped.Method
		want   error
	}{
		{"returned", returning, returned},
		{"panicked", panicking, panicked},
	} {
		for _, names := range [][]string{nil, {"A"}, {"A", "B"}} {
			s.Run(fmt.Sprintf("%s/%d", tc.name, len(names)), func() {
				seen := make(map[string]error)
				var bindings []scoped.InterceptorBinding
				for _, name := range names {
					bindings = append(bindings, observing(name, seen))
				}
				chain := scoped.NewInvocationChain(tc.method, nil, bindings, scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

				_, err := chain.Proceed()
				s.Same(tc.want, err)
				s.Len(seen, len(names))
				for _, name := range names {
					s.Same(tc.want, seen[name], name)
				}
			})
		}
	}
}

func (s *ChainTestSuite) TestInterceptorErrorPassesThrough() {
	wrapped := &scoped.TargetInvocationError{Method: "audit", Cause: errors.New("denied")}
	seen := make(map[string]error)
	rejecting := scoped.InterceptorAround("inner", 0, func(int, *scoped.InvocationChain) (any, error) {
		return nil, wrapped
	})
	chain := scoped.NewInvocationChain(echo, []any{"x"},
		[]scoped.InterceptorBinding{observing("outer", seen), rejecting},
		scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	s.Same(wrapped, err)
	s.Same(wrapped, seen["outer"])
}

func (s *ChainTestSuite) TestInterceptorCanShortCircuit() {
	cached := scoped.InterceptorAround("cache", "cache", func(_ string, ic *scoped.InvocationChain) (any, error) {
		return "cached", nil
	})
	chain := scoped.NewInvocationChain(echo, []any{"x"}, []scoped.InterceptorBinding{cached},
		scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	result, err := chain.Proceed()
	s.NoError(err)
	s.Equal("cached", result)
	s.Empty(s.rec.Events())
}

func (s *ChainTestSuite) TestSetParametersRewritesArguments() {
	upper := scoped.InterceptorAround("upper", struct{}{}, func(_ struct{}, ic *scoped.InvocationChain) (any, error) {
		params := ic.Parameters()
		if err := ic.SetParameters([]any{fmt.Sprintf("%s!", params[0])}); err != nil {
			return nil, err
		}
		return ic.Proceed()
	})
	chain := scoped.NewInvocationChain(echo, []any{"hey"}, []scoped.InterceptorBinding{upper},
		scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	result, err := chain.Proceed()
	s.NoError(err)
	s.Equal("hey!", result)
}

func (s *ChainTestSuite) TestSetParametersContract() {
	chain := scoped.NewInvocationChain(echo, []any{"a"}, nil, scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	var contract *scoped.ArgumentContractError
	err := chain.SetParameters([]any{"a", "b"})
	s.Require().ErrorAs(err, &contract)
	s.Equal("Echo", contract.Method)

	err = chain.SetParameters([]any{42})
	s.Require().ErrorAs(err, &contract)
	s.Equal(0, contract.Index)
	s.Equal("string", contract.Expected)
	s.Equal("int", contract.Got)

	err = chain.SetParameters([]any{nil})
	s.ErrorAs(err, &contract)

	s.Equal([]any{"a"}, chain.Parameters())
}

func (s *ChainTestSuite) TestContextDataIsShared() {
	writer := scoped.InterceptorAround("writer", 1, func(_ int, ic *scoped.InvocationChain) (any, error) {
		ic.ContextData()["user"] = "alice"
		return ic.Proceed()
	})
	var seen any
	reader := scoped.InterceptorAround("reader", 2, func(_ int, ic *scoped.InvocationChain) (any, error) {
		seen = ic.ContextData()["user"]
		return ic.Proceed()
	})
	chain := scoped.NewInvocationChain(echo, []any{"x"}, []scoped.InterceptorBinding{writer, reader},
		scoped.PhaseAroundInvoke, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	s.NoError(err)
	s.Equal("alice", seen)
}

func (s *ChainTestSuite) TestLifecycleCallbacksAutoAdvance() {
	var order []string
	bindings := []scoped.InterceptorBinding{
		scoped.PostConstruct("init1", func(target any) error {
			order = append(order, "init1")
			return nil
		}),
		scoped.PostConstruct("init2", func(target any) error {
			order = append(order, "init2")
			return nil
		}),
	}
	chain := scoped.NewInvocationChain(nil, nil, bindings, scoped.PhasePostConstruct, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	s.NoError(err)
	s.Equal([]string{"init1", "init2"}, order)
	s.Equal(2, chain.Cursor())
}

func (s *ChainTestSuite) TestLifecycleInterceptorProceedsExplicitly() {
	var order []string
	bindings := []scoped.InterceptorBinding{
		scoped.Intercept(scoped.PhasePostConstruct, "audit", "audit", func(_ string, ic *scoped.InvocationChain) (any, error) {
			order = append(order, "audit:before")
			result, err := ic.Proceed()
			order = append(order, "audit:after")
			return result, err
		}),
		scoped.PostConstruct("init", func(target any) error {
			order = append(order, "init")
			return nil
		}),
	}
	chain := scoped.NewInvocationChain(nil, nil, bindings, scoped.PhasePostConstruct, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	s.NoError(err)
	s.Equal([]string{"audit:before", "init", "audit:after"}, order)
}

func (s *ChainTestSuite) TestLifecycleFailureStopsChain() {
	var ran bool
	bindings := []scoped.InterceptorBinding{
		scoped.PreDestroy("close", func(target any) error { return errors.New("close failed") }),
		scoped.PreDestroy("flush", func(target any) error {
			ran = true
			return nil
		}),
	}
	chain := scoped.NewInvocationChain(nil, nil, bindings, scoped.PhasePreDestroy, scoped.WithTarget(s.target))

	_, err := chain.Proceed()
	s.EqualError(err, "close failed")
	s.False(ran)
}

func (s *ChainTestSuite) TestTargetOnlyPolicyKeepsTargetOnInterceptorFailure() {
	rejecting := scoped.InterceptorAround("auth", 0, func(_ int, ic *scoped.InvocationChain) (any, error) {
		return nil, errors.New("denied")
	})
	chain := scoped.NewInvocationChain(echo, []any{"x"}, []scoped.InterceptorBinding{rejecting},
		scoped.PhaseAroundInvoke,
		scoped.WithTarget(s.target),
		scoped.WithChainInvalidationPolicy(scoped.InvalidateOnTargetFailure))

	_, err := chain.Proceed()
	s.EqualError(err, "denied")
	s.Same(s.target, chain.Target())

	s.target.fail = errors.New("broken")
	chain = scoped.NewInvocationChain(echo, []any{"x"}, nil,
		scoped.PhaseAroundInvoke,
		scoped.WithTarget(s.target),
		scoped.WithChainInvalidationPolicy(scoped.InvalidateOnTargetFailure))
	_, err = chain.Proceed()
	s.Error(err)
	s.Nil(chain.Target())
}

func (s *ChainTestSuite) TestTargetResolvedLazily() {
	resolved := 0
	chain := scoped.NewInvocationChain(echo, []any{"lazy"}, nil, scoped.PhaseAroundInvoke,
		scoped.WithTargetResolver(func() (any, error) {
			resolved++
			return s.target, nil
		}))
	s.Nil(chain.Target())

	result, err := chain.Proceed()
	s.NoError(err)
	s.Equal("lazy", result)
	s.Equal(1, resolved)
	s.Same(s.target, chain.Target())
}

func (s *ChainTestSuite) TestMissingTarget() {
	chain := scoped.NewInvocationChain(echo, []any{"x"}, nil, scoped.PhaseAroundInvoke)
	_, err := chain.Proceed()
	s.ErrorIs(err, scoped.ErrTargetUnavailable)
}

func (s *ChainTestSuite) TestAroundTimeoutExposesTimer() {
	var timer any
	binding := scoped.AroundTimeout("timeout", func(target any, ic *scoped.InvocationChain) (any, error) {
		timer = ic.Timer()
		return ic.Proceed()
	})
	chain := scoped.NewInvocationChain(echo, []any{"tick"}, []scoped.InterceptorBinding{binding},
		scoped.PhaseAroundTimeout, scoped.WithTarget(s.target), scoped.WithTimer("every-minute"))

	result, err := chain.Proceed()
	s.NoError(err)
	s.Equal("tick", result)
	s.Equal("every-minute", timer)
	s.Equal(scoped.PhaseAroundTimeout, chain.Phase())
}

func (s *ChainTestSuite) TestParseInvalidationPolicy() {
	p, err := scoped.ParseInvalidationPolicy("target")
	s.NoError(err)
	s.Equal(scoped.InvalidateOnTargetFailure, p)

	p, err = scoped.ParseInvalidationPolicy("")
	s.NoError(err)
	s.Equal(scoped.InvalidateOnAnyFailure, p)

	_, err = scoped.ParseInvalidationPolicy("never")
	s.Error(err)
}

func TestChainSuite(t *testing.T) {
	suite.Run(t, new(ChainTestSuite))
}
