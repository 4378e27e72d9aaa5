package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"lattice/internal/config"
	"lattice/internal/graph"
	"lattice/internal/logging"
	"lattice/internal/scheduler"
	"lattice/internal/store"
)

// Coordinator owns the API server and sweeper for one data directory.
type Coordinator struct {
	cfg       *config.Config
	store     *store.Store
	logger    *slog.Logger
	matcher   *scheduler.Matcher
	lifecycle *scheduler.Lifecycle
	sweeper   *scheduler.Sweeper

	lockPath string
	lock     *flock.Flock

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New wires the scheduler components over st. catalog supplies element
// versions for payload bundle manifests.
func New(cfg *config.Config, st *store.Store, catalog graph.Catalog, logger *slog.Logger) (*Coordinator, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("coordinator requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lifecycle := scheduler.NewLifecycle(st, cfg.Coordinator, logger)
	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		logger:    logging.NewComponentLogger(logger, "coordinator"),
		matcher:   scheduler.NewMatcher(st, catalog, scheduler.PolicyFromConfig(cfg.Coordinator), logger),
		lifecycle: lifecycle,
		sweeper:   scheduler.NewSweeper(lifecycle, time.Duration(cfg.Coordinator.SweepInterval)*time.Second, logger),
		lockPath:  cfg.CoordinatorLockPath(),
		lock:      flock.New(cfg.CoordinatorLockPath()),
	}
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return c, nil
}

// Start acquires the coordinator lock, begins listening, and launches the
// sweeper. It returns once the listener is bound.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Load() {
		return errors.New("coordinator already running")
	}
	ok, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another coordinator holds %s", c.lockPath)
	}

	bind := strings.TrimSpace(c.cfg.Coordinator.Bind)
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		_ = c.lock.Unlock()
		return fmt.Errorf("api listen: %w", err)
	}
	c.listener = listener

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)

	go func() {
		defer close(c.done)
		c.sweeper.Run(runCtx)
	}()
	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("api server error", logging.Error(err))
		}
	}()

	c.logger.Info("coordinator listening",
		logging.String("address", listener.Addr().String()),
		logging.String("database", c.store.Path()),
		logging.String("lock", c.lockPath),
		logging.String(logging.FieldEventType, "coordinator_started"),
	)
	return nil
}

// Addr reports the bound listener address, or "" before Start.
func (c *Coordinator) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the server down, waits for the sweeper, and releases the lock.
func (c *Coordinator) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("api server shutdown incomplete", logging.Error(err))
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	if err := c.lock.Unlock(); err != nil {
		c.logger.Warn("failed to release coordinator lock", logging.Error(err))
	}
	c.logger.Info("coordinator stopped", logging.String(logging.FieldEventType, "coordinator_stopped"))
}

// Run starts the coordinator and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}
