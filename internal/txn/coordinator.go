package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallfactory/sf/internal/gitvc"
	"github.com/smallfactory/sf/internal/sferr"
)

// Op is one mutation's pure logic. It writes the working tree and
// describes what it touched; it never stages, commits, or pushes.
type Op func() (*Mutation, error)

// Options tune the coordinator's remote behavior.
type Options struct {
	// PullTTL is the freshness window: a mutation skips the pre-pull
	// when the last reconcile attempt is younger than this.
	PullTTL time.Duration

	// RemoteTimeout bounds each individual fetch/pull/push round trip.
	RemoteTimeout time.Duration

	// PushDelay is the coalescing window: commits landing within it are
	// flushed by a single push.
	PushDelay time.Duration

	// PushAttempts bounds push retries per flush. Exhausted attempts
	// are logged and retried on the next push opportunity.
	PushAttempts int

	// NoAutocommit applies mutations to the working tree without
	// staging, committing, or pushing them.
	NoAutocommit bool
}

func (o Options) withDefaults() Options {
	if o.PullTTL <= 0 {
		o.PullTTL = 30 * time.Second
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 10 * time.Second
	}
	if o.PushDelay <= 0 {
		o.PushDelay = 250 * time.Millisecond
	}
	if o.PushAttempts <= 0 {
		o.PushAttempts = 5
	}
	return o
}

// Coordinator serializes every write to the working tree: one mutation at
// a time, bracketed by an optional fast-forward pull before and an
// asynchronous, coalesced push after. Reads never go through it.
type Coordinator struct {
	vcs  gitvc.Client
	log  *zap.Logger
	opts Options

	mu       sync.Mutex
	lastPull time.Time

	pushMu      sync.Mutex
	pushPending bool
	pushTimer   *time.Timer
	wg          sync.WaitGroup
}

// NewCoordinator returns a Coordinator over the given version-control
// client. A nil logger disables logging.
func NewCoordinator(vcs gitvc.Client, log *zap.Logger, opts Options) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{vcs: vcs, log: log, opts: opts.withDefaults()}
}

// Run executes one mutation under the process-wide lock: reconcile with
// the remote, run op, stage and commit exactly the paths it touched, then
// schedule a push. It returns the commit hash, or "" when op reported
// nothing to commit.
//
// Pull conflicts abort the mutation before op runs. Push failures never
// fail the mutation: the commit already landed locally.
func (c *Coordinator) Run(ctx context.Context, op Op) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Without autocommit the tree is expected to stay dirty, so the
	// reconcile's clean-tree precondition does not apply either.
	if c.opts.NoAutocommit {
		mut, err := op()
		if err != nil {
			return "", err
		}
		if mut != nil {
			c.log.Debug("autocommit disabled, mutation left unstaged",
				zap.String("summary", mut.Summary))
		}
		return "", nil
	}

	if err := c.reconcile(ctx); err != nil {
		return "", err
	}

	mut, err := op()
	if err != nil {
		return "", err
	}
	if mut == nil || len(mut.Paths) == 0 {
		return "", nil
	}

	if err := c.vcs.Stage(mut.Paths); err != nil {
		return "", fmt.Errorf("stage mutation: %w", err)
	}
	hash, err := c.vcs.Commit(mut.CommitMessage())
	if err != nil {
		return "", fmt.Errorf("commit mutation: %w", err)
	}
	c.log.Debug("committed mutation",
		zap.String("commit", hash),
		zap.String("summary", mut.Summary),
		zap.Strings("entities", mut.Entities))

	if c.vcs.HasRemote() {
		c.schedulePush()
	}
	return hash, nil
}

// reconcile fast-forwards from the remote when the freshness window has
// lapsed. Unexpected tracked modifications abort the pending mutation;
// network failures are logged and the mutation proceeds on local state.
func (c *Coordinator) reconcile(ctx context.Context) error {
	if !c.vcs.HasRemote() || time.Since(c.lastPull) < c.opts.PullTTL {
		return nil
	}
	dirty, err := c.vcs.Dirty()
	if err != nil {
		return err
	}
	if dirty {
		return sferr.New(sferr.CodeConcurrencyAbort,
			"working tree has unexpected local modifications, aborting mutation")
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.RemoteTimeout)
	defer cancel()
	err = c.vcs.Pull(pctx)
	c.lastPull = time.Now()
	if sferr.IsConcurrencyAbort(err) {
		return err
	}
	if err != nil {
		c.log.Warn("pull failed, continuing on local state", zap.Error(err))
	}
	return nil
}

// schedulePush arms the coalescing timer. Commits arriving while it is
// armed ride the same flush.
func (c *Coordinator) schedulePush() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.pushPending = true
	if c.pushTimer != nil {
		return
	}
	c.wg.Add(1)
	c.pushTimer = time.AfterFunc(c.opts.PushDelay, func() {
		defer c.wg.Done()
		c.flushPush()
	})
}

// flushPush pushes pending commits with bounded retries. Exhausting the
// attempts leaves the commits local; the next mutation schedules another
// flush.
func (c *Coordinator) flushPush() {
	c.pushMu.Lock()
	if !c.pushPending {
		c.pushMu.Unlock()
		return
	}
	c.pushPending = false
	c.pushTimer = nil
	c.pushMu.Unlock()

	for attempt := 1; attempt <= c.opts.PushAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RemoteTimeout)
		err := c.vcs.Push(ctx)
		cancel()
		if err == nil {
			c.log.Debug("pushed", zap.Int("attempt", attempt))
			return
		}
		c.log.Warn("push failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.PushAttempts),
			zap.Error(err))
		if attempt < c.opts.PushAttempts {
			time.Sleep(c.opts.PushDelay << (attempt - 1))
		}
	}
	c.log.Error("push attempts exhausted, commits remain local")
}

// Flush pushes any pending commits synchronously and waits for background
// flushes to finish. Call before process exit.
func (c *Coordinator) Flush() {
	c.pushMu.Lock()
	t := c.pushTimer
	c.pushMu.Unlock()
	if t != nil && t.Stop() {
		c.wg.Done()
	}
	c.flushPush()
	c.wg.Wait()
}
