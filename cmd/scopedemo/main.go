package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/centraunit/scoped"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Greeter is shared by the whole application.
type Greeter struct {
	prefix string
}

func (g *Greeter) Greet(name string) string {
	return g.prefix + ", " + name
}

// Cart lives as long as the session that owns it.
type Cart struct {
	items []string
}

func (c *Cart) Add(item string) int {
	c.items = append(c.items, item)
	return len(c.items)
}

// RequestLog is created per request and flushed when the request ends.
type RequestLog struct {
	logger  *zap.Logger
	id      int64
	entries []string
}

func (r *RequestLog) Record(entry string) {
	r.entries = append(r.entries, entry)
}

func (r *RequestLog) OnShutdown() error {
	r.logger.Info("request finished", zap.Int64("request", r.id), zap.Strings("entries", r.entries))
	return nil
}

var addItem = scoped.MethodOf[*Cart]("Add", func(c *Cart, args []any) (any, error) {
	item := args[0].(string)
	if item == "" {
		return nil, errors.New("empty item")
	}
	return c.Add(item), nil
}, scoped.ParamType[string]())

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	configPath := flag.String("config", "", "optional YAML configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address serving /metrics, disabled when empty")
	requests := flag.Int("requests", 6, "number of simulated requests")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	cfg, err := scoped.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.MetricsEnabled = true
	}

	c, err := scoped.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("create container: %v", err)
	}
	logger := c.Logger()
	defer logger.Sync() //nolint:errcheck

	if err := register(c, logger); err != nil {
		logger.Fatal("failed to register components", zap.Error(err))
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, c.Metrics(), logger)
	}

	root := scoped.NewUnitContext(context.Background())
	c.Boot(root)

	sessions := []string{"alice", "bob"}
	for i := 0; i < *requests; i++ {
		session := sessions[i%len(sessions)]
		if err := handle(c, session, fmt.Sprintf("item-%d", i)); err != nil {
			logger.Warn("request failed", zap.String("session", session), zap.Error(err))
		}
	}

	if err := c.Shutdown(root); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

func register(c *scoped.Container, logger *zap.Logger) error {
	if _, err := scoped.Register[*Greeter](c, scoped.ScopeApplication, func(u *scoped.UnitContext, cs *scoped.CreationalState) (*Greeter, error) {
		return &Greeter{prefix: "Hello"}, nil
	}); err != nil {
		return err
	}

	var requestIDs atomic.Int64
	if _, err := scoped.Register[*RequestLog](c, scoped.ScopeRequest, func(u *scoped.UnitContext, cs *scoped.CreationalState) (*RequestLog, error) {
		return &RequestLog{logger: logger, id: requestIDs.Add(1)}, nil
	}); err != nil {
		return err
	}

	timing := scoped.InterceptorAround("timing", logger, func(l *zap.Logger, ic *scoped.InvocationChain) (any, error) {
		start := time.Now()
		result, err := ic.Proceed()
		l.Debug("cart call", zap.String("method", ic.Method().Name()), zap.Duration("took", time.Since(start)), zap.Error(err))
		return result, err
	})
	normalize := scoped.InterceptorAround("normalize", struct{}{}, func(_ struct{}, ic *scoped.InvocationChain) (any, error) {
		params := ic.Parameters()
		if err := ic.SetParameters([]any{strings.ToLower(strings.TrimSpace(params[0].(string)))}); err != nil {
			return nil, err
		}
		return ic.Proceed()
	})
	_, err := scoped.Register[*Cart](c, scoped.ScopeSession, func(u *scoped.UnitContext, cs *scoped.CreationalState) (*Cart, error) {
		return &Cart{}, nil
	},
		scoped.WithInterceptors(timing, normalize),
		scoped.WithInterceptors(scoped.PreDestroy("report", func(target any) error {
			logger.Info("session ended", zap.Strings("cart", target.(*Cart).items))
			return nil
		})),
	)
	return err
}

func handle(c *scoped.Container, session, item string) (err error) {
	u, err := c.BeginRequest(context.Background(), session)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := c.EndRequest(u); endErr != nil && err == nil {
			err = endErr
		}
	}()

	greeter, err := scoped.Resolve[*Greeter](c, u)
	if err != nil {
		return err
	}
	reqLog, err := scoped.Resolve[*RequestLog](c, u)
	if err != nil {
		return err
	}
	reqLog.Record(greeter.Greet(session))

	count, err := c.Invoke(u, scoped.IdentityOf[*Cart](), addItem, strings.ToUpper(item))
	if err != nil {
		return err
	}
	reqLog.Record(fmt.Sprintf("cart holds %d items", count))
	return nil
}

func serveMetrics(addr string, m *scoped.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
