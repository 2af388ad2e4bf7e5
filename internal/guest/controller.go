// Package guest stops and starts Proxmox guests around backup windows.
package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/pve"
	"github.com/tis24dev/proxsync/internal/types"
)

var errStillRunning = errors.New("guest still running")

// GuestError reports a failed shutdown or start request.
type GuestError struct {
	Guest  types.Guest
	Action string
	Err    error
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Action, e.Guest, e.Err)
}

func (e *GuestError) Unwrap() error {
	return e.Err
}

// Options configures a Controller.
type Options struct {
	DryRun       bool
	PollInterval time.Duration
	Clock        retry.Clock // defaults to the wall clock
}

// Controller wraps a Hypervisor with blocking stop semantics and dry-run handling.
type Controller struct {
	hv           pve.Hypervisor
	logger       *logging.Logger
	dryRun       bool
	pollInterval time.Duration
	clock        retry.Clock

	// simulated holds the states dry-run actions would have produced.
	mu        sync.Mutex
	simulated map[int]types.GuestState
}

// NewController creates a Controller.
func NewController(hv pve.Hypervisor, logger *logging.Logger, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Controller{
		hv:           hv,
		logger:       logger,
		dryRun:       opts.DryRun,
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
		simulated:    make(map[int]types.GuestState),
	}
}

func (c *Controller) simulate(g types.Guest, state types.GuestState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simulated[g.ID] = state
}

// Status returns the current state. A failed query counts as stopped.
// In dry-run a guest the controller pretended to stop or start reports
// that state.
func (c *Controller) Status(ctx context.Context, g types.Guest) types.GuestState {
	if c.dryRun {
		c.mu.Lock()
		state, ok := c.simulated[g.ID]
		c.mu.Unlock()
		if ok {
			return state
		}
	}
	state, err := c.hv.Status(ctx, g)
	if err != nil {
		c.logger.Debug("Status query for %s failed, treating as stopped: %v", g, err)
		return types.StateStopped
	}
	return state
}

// Stop requests a graceful shutdown and blocks until the guest reports
// stopped. There is no timeout: the only way out besides success is ctx.
func (c *Controller) Stop(ctx context.Context, g types.Guest) error {
	if c.dryRun {
		c.logger.DryRun("Would shut down %s and wait until it reports stopped", g)
		c.simulate(g, types.StateStopped)
		return nil
	}

	c.logger.Step("Shutting down %s", g)
	if err := c.hv.Shutdown(ctx, g); err != nil {
		return &GuestError{Guest: g, Action: "shutdown", Err: err}
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if c.Status(ctx, g) != types.StateStopped {
				return errStillRunning
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Debug("%s not stopped yet (poll %d), checking again in %s", g, attempt, c.pollInterval)
		},
		Attempts: -1,
		Delay:    c.pollInterval,
		Clock:    c.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return &GuestError{Guest: g, Action: "wait for shutdown", Err: fmt.Errorf("%w (last: %v)", ctx.Err(), retry.LastError(err))}
	}

	c.logger.Info("%s is stopped", g)
	return nil
}

// Start requests a guest start. It does not wait for the guest to boot.
func (c *Controller) Start(ctx context.Context, g types.Guest) error {
	if c.dryRun {
		c.logger.DryRun("Would start %s", g)
		c.simulate(g, types.StateRunning)
		return nil
	}

	c.logger.Step("Starting %s", g)
	if err := c.hv.Start(ctx, g); err != nil {
		return &GuestError{Guest: g, Action: "start", Err: err}
	}
	return nil
}

// StopIfRunning stops g only when it is currently running.
func (c *Controller) StopIfRunning(ctx context.Context, g types.Guest) (bool, error) {
	if c.Status(ctx, g) != types.StateRunning {
		c.logger.Skip("%s already stopped", g)
		return false, nil
	}
	return true, c.Stop(ctx, g)
}

// EnsureRunning starts g when it is not running.
func (c *Controller) EnsureRunning(ctx context.Context, g types.Guest) (bool, error) {
	if c.Status(ctx, g) == types.StateRunning {
		c.logger.Debug("%s already running", g)
		return false, nil
	}
	return true, c.Start(ctx, g)
}
