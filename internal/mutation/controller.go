package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mirror"
	"github.com/wesm/mailmirror/internal/remote"
)

// State is where a mutation ended up.
type State string

const (
	// StateApplied: local change made, remote call still running.
	StateApplied State = "applied"
	// StateSynced: provider confirmed, item marked synced.
	StateSynced State = "synced"
	// StateRolledBack: provider refused or failed, snapshot restored.
	StateRolledBack State = "rolled_back"
	// StateLocalOnly: item has no provider id, no remote call was made.
	StateLocalOnly State = "local_only"
	// StateSuperseded: the item changed again before the provider answered,
	// so the newer write was left in place.
	StateSuperseded State = "superseded"
)

// Result describes a finished (or locally finished) mutation.
type Result struct {
	Op       remote.Operation
	ItemID   string
	State    State
	Applied  mail.Item  // the optimistic local version
	Snapshot *mail.Item // the pre-mutation item, set when rolled back
	Err      error      // classified provider error, if any
}

// Synced reports whether the provider accepted the change.
func (r Result) Synced() bool { return r.State == StateSynced }

// RolledBackTo returns the restored snapshot, or nil.
func (r Result) RolledBackTo() *mail.Item { return r.Snapshot }

// Pending is a mutation whose remote call may still be running.
type Pending struct {
	done   chan struct{}
	result Result
}

// Done is closed when the mutation has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func settled(r Result) *Pending {
	p := &Pending{done: make(chan struct{}), result: r}
	close(p.done)
	return p
}

// SyncedHook runs after a mutation is confirmed, e.g. to persist the
// collection.
type SyncedHook func(ctx context.Context, m *mirror.Mirror)

// Controller runs optimistic mutations against one provider.
type Controller struct {
	provider remote.Provider
	logger   *slog.Logger
	now      func() time.Time
	onSynced SyncedHook
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewController creates a controller that reconciles through provider.
func NewController(provider remote.Provider) *Controller {
	return &Controller{
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		timeout:  30 * time.Second,
	}
}

// WithLogger sets the logger for the controller.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	c.logger = logger
	return c
}

// WithSyncedHook registers a hook run after each confirmed mutation.
func (c *Controller) WithSyncedHook(h SyncedHook) *Controller {
	c.onSynced = h
	return c
}

// WithTimeout bounds each provider call.
func (c *Controller) WithTimeout(d time.Duration) *Controller {
	c.timeout = d
	return c
}

// Apply performs op on item id in m. The local change, recategorization and
// memo invalidation are complete when Apply returns; the provider call runs
// in the background and its outcome is delivered through the Pending.
//
// A missing item yields an error of kind remote.KindNotFound and no change.
func (c *Controller) Apply(ctx context.Context, m *mirror.Mirror, id string, op remote.Operation) (*Pending, error) {
	if !slices.Contains(remote.Operations, op) {
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
	cur, ok := m.Get(id)
	if !ok {
		c.logger.Warn("mutation target not found", "account", m.Account(), "id", id, "op", op)
		return nil, remote.NewError(remote.KindNotFound, string(op), fmt.Errorf("item %s", id))
	}

	track := cur.MessageID != ""
	snapshot, applied, err := m.Apply(id, track, func(it mail.Item) mail.Item {
		next, _ := ApplyOperation(it, op, c.now())
		return next
	})
	if errors.Is(err, mirror.ErrNotFound) {
		c.logger.Warn("mutation target not found", "account", m.Account(), "id", id, "op", op)
		return nil, remote.NewError(remote.KindNotFound, string(op), err)
	}
	if err != nil {
		return nil, err
	}

	if !track {
		c.logger.Debug("item has no provider id, keeping change local", "id", id, "op", op)
		return settled(Result{Op: op, ItemID: id, State: StateLocalOnly, Applied: applied}), nil
	}

	p := &Pending{done: make(chan struct{})}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(p.done)
		p.result = c.reconcile(context.WithoutCancel(ctx), m, op, snapshot, applied)
	}()
	return p, nil
}

// reconcile calls the provider and settles the item.
func (c *Controller) reconcile(ctx context.Context, m *mirror.Mirror, op remote.Operation, snapshot, applied mail.Item) Result {
	res := Result{Op: op, ItemID: applied.ID, Applied: applied}
	log := c.logger.With("account", m.Account(), "id", applied.ID, "op", op)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	accepted, err := c.provider.Mutate(callCtx, applied.MessageID, op)
	cancel()

	if err == nil && accepted {
		_, ok, rerr := m.Resolve(applied.ID, applied.Version, func(it mail.Item) mail.Item {
			it.SyncStatus = mail.StatusSynced
			return it
		})
		if rerr != nil || !ok {
			res.State = StateSuperseded
			log.Debug("item changed before confirmation, leaving newer state")
			return res
		}
		res.State = StateSynced
		if c.onSynced != nil {
			c.onSynced(ctx, m)
		}
		return res
	}

	if err != nil {
		res.Err = remote.Classify(string(op), err)
		log.Warn("remote mutation failed, rolling back", "error", res.Err)
		log.Debug("remote mutation failure trace", "trace", remote.TraceOf(res.Err))
	} else {
		res.Err = remote.NewError(remote.KindTransient, string(op), errors.New("provider declined change"))
		log.Warn("remote mutation declined, rolling back")
	}

	_, ok, rerr := m.Resolve(applied.ID, applied.Version, func(mail.Item) mail.Item {
		return snapshot.Clone()
	})
	if rerr != nil || !ok {
		res.State = StateSuperseded
		log.Debug("item changed before rollback, leaving newer state")
		return res
	}
	snap := snapshot.Clone()
	res.State = StateRolledBack
	res.Snapshot = &snap
	return res
}

// Wait blocks until every in-flight remote call has settled.
func (c *Controller) Wait() {
	c.wg.Wait()
}
