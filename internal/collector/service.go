package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chainpulse/chainpulse/internal/comet"
	"github.com/chainpulse/chainpulse/internal/pkg/transport/ws"
)

var (
	// ErrServiceAlreadyStarted is returned by Start on a running service.
	ErrServiceAlreadyStarted = errors.New("service already started")

	// ErrShutdownTimeout is returned by Close when workers do not drain
	// within the grace period.
	ErrShutdownTimeout = errors.New("workers did not stop within the grace period")
)

// shutdownGracePeriod bounds how long Close waits for workers to finish
// their in-flight block before giving up on them.
const shutdownGracePeriod = 10 * time.Second

// Chain identifies one node to monitor.
type Chain struct {
	ID      string
	URL     string
	Version comet.Version
}

// Service supervises one worker per configured chain.
type Service interface {
	// Start spawns the workers. It returns immediately; the workers run
	// until the given context is canceled or Close is called.
	Start(ctx context.Context) error

	// Close stops all workers, waiting up to a bounded grace period.
	Close() error
}

type closeFunc func() error

type service struct {
	mu        sync.Mutex
	isStarted bool
	closeFunc closeFunc

	chains   []Chain
	analyzer Analyzer
	metrics  Metrics

	dial Dialer
}

var _ Service = (*service)(nil)

func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return ErrServiceAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, chain := range s.chains {
		w := &worker{
			chainID:  chain.ID,
			url:      chain.URL,
			version:  chain.Version,
			dial:     s.dial,
			analyzer: s.analyzer,
			metrics:  s.metrics,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	s.metrics.SetChains(len(s.chains))

	s.closeFunc = func() error {
		cancel()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-time.After(shutdownGracePeriod):
			return ErrShutdownTimeout
		}
	}

	s.isStarted = true
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.closeFunc != nil {
		err = s.closeFunc()
	}
	s.isStarted = false
	s.closeFunc = nil

	return err
}

type config struct {
	dial        Dialer
	readTimeout time.Duration
}

// Option configures the Service.
type Option func(*config)

// WithDialer overrides how workers open their RPC sessions.
func WithDialer(d Dialer) Option {
	return func(c *config) {
		c.dial = d
	}
}

// WithReadTimeout overrides the per-frame WebSocket read timeout applied by
// the default dialer.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readTimeout = d
	}
}

// New builds a Service supervising the given chains.
func New(chains []Chain, analyzer Analyzer, metrics Metrics, opts ...Option) *service {
	cfg := config{
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.dial == nil {
		cfg.dial = func(ctx context.Context, url string, version comet.Version) (comet.Client, error) {
			return comet.Dial(ctx, url, version, ws.WithReadTimeout(cfg.readTimeout))
		}
	}

	return &service{
		chains:   chains,
		analyzer: analyzer,
		metrics:  metrics,
		dial:     cfg.dial,
	}
}
