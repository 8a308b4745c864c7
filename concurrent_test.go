package scoped_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/centraunit/scoped"
	"github.com/centraunit/scoped/mock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type ConcurrentTestSuite struct {
	suite.Suite
	c *scoped.Container
}

func (s *ConcurrentTestSuite) SetupTest() {
	s.c = scoped.New(scoped.WithContainerToken(uuid.NewString()))
}

func (s *ConcurrentTestSuite) TestConcurrentRequests() {
	counter := &mock.Counter{}
	_, err := scoped.Register[*mock.Tracked](s.c, scoped.ScopeRequest, mock.NewTracked(counter))
	s.Require().NoError(err)

	const requests = 16
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := s.c.BeginRequest(context.Background(), "")
			if err != nil {
				errs <- err
				return
			}
			a, err := scoped.Resolve[*mock.Tracked](s.c, u)
			if err != nil {
				errs <- err
				return
			}
			b, err := scoped.Resolve[*mock.Tracked](s.c, u)
			if err != nil {
				errs <- err
				return
			}
			if a != b {
				errs <- fmt.Errorf("request resolved two instances")
			}
			errs <- s.c.EndRequest(u)
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(requests), counter.Created.Load())
	s.Equal(int32(requests), counter.Shutdown.Load())
}

func (s *ConcurrentTestSuite) TestConcurrentSessionsShareInstance() {
	counter := &mock.Counter{}
	_, err := scoped.Register[*mock.Tracked](s.c, scoped.ScopeSession, mock.NewTracked(counter))
	s.Require().NoError(err)

	const requests = 16
	seen := make([]*mock.Tracked, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("session-%d", i%2)
			u, err := s.c.BeginRequest(context.Background(), session)
			if err != nil {
				return
			}
			defer s.c.EndRequest(u)
			seen[i], _ = scoped.Resolve[*mock.Tracked](s.c, u)
		}(i)
	}
	wg.Wait()

	s.Equal(int32(2), counter.Created.Load())
	for i := range seen {
		s.Same(seen[i%2], seen[i])
	}
	s.ElementsMatch([]string{"session-0", "session-1"}, s.c.Registry().Sessions())
}

func (s *ConcurrentTestSuite) TestConcurrentDestroyIsIdempotent() {
	counter := &mock.Counter{}
	sc := scoped.NewScopeContext(scoped.ScopeApplication)
	sc.SetActive(true)
	for i := 0; i < 8; i++ {
		_, err := sc.GetOrCreate(scoped.IdentityOf[*mock.Tracked](fmt.Sprint(i)), func() (any, *scoped.CreationalState, error) {
			t, err := mock.NewTracked(counter)(nil, nil)
			return t, nil, err
		})
		s.Require().NoError(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(sc.Destroy())
		}()
	}
	wg.Wait()
	s.Equal(int32(8), counter.Shutdown.Load())
}

func TestConcurrentSuite(t *testing.T) {
	suite.Run(t, new(ConcurrentTestSuite))
}
