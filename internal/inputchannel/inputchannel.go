// Package inputchannel implements the consumer-side LocalInputChannel /
// RemoteInputChannel: subpartition-view acquisition with backoff, and the
// dedup gate applied to replayed buffers during recovery (§4.4).
package inputchannel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/tevino/abool"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/metrics"
)

// ErrPartitionNotFound is returned by SubpartitionProvider when the
// upstream partition is not yet registered (§7 PartitionNotFound:
// transient, triggers backoff + retrigger).
var ErrPartitionNotFound = errors.New("inputchannel: partition not found")

// ErrReleased is returned by GetNextBuffer once the channel has been
// released (§5 "concurrent get_next_buffer must observe the flag and
// return empty").
var ErrReleased = errors.New("inputchannel: released")

// SubpartitionView is the minimal view a channel polls for buffers,
// implemented by subpartition.Subpartition on the producer side of a
// local shortcut (or by a remote transport adapter).
type SubpartitionView interface {
	PollNext() (buffer.AndBacklog, bool)
	ReleaseView()
}

// SubpartitionProvider resolves (partitionID, subpartitionIndex) to a
// view, mirroring ResultPartitionManager.create_subpartition_view (§6).
type SubpartitionProvider func(ctx context.Context, subpartitionIndex int) (SubpartitionView, error)

// BackoffConfig bounds request_subpartition's retry schedule (§4.6
// suspension points, §8 scenario S5).
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// Channel is a LocalInputChannel (or, once converted via ToNewRemote, a
// RemoteInputChannel wearing the same interface).
type Channel struct {
	requestMu sync.Mutex // guards lazy establishment of view, per §5
	view      SubpartitionView
	provider  SubpartitionProvider
	backoff   BackoffConfig
	index     int
	taskID    string // metrics label only, set via SetTaskID by the owning task

	released abool.AtomicBool

	dedupMu          sync.Mutex
	deduplicating    abool.AtomicBool
	numToDeduplicate int
	numBuffersRemoved int
}

// New creates a channel bound to subpartitionIndex, resolved lazily via
// provider on first GetNextBuffer/checkAndWaitForSubpartitionView.
func New(subpartitionIndex int, provider SubpartitionProvider, backoff BackoffConfig) *Channel {
	if backoff.Initial <= 0 {
		backoff.Initial = 10 * time.Millisecond
	}
	if backoff.Max <= 0 {
		backoff.Max = 40 * time.Millisecond
	}
	return &Channel{index: subpartitionIndex, provider: provider, backoff: backoff}
}

// RequestSubpartition resolves the view, retrying on
// ErrPartitionNotFound with exponential backoff bounded by
// backoff.Max, surfacing ErrPartitionNotFound once that bound is
// exceeded (§8 scenario S5).
func (c *Channel) RequestSubpartition(ctx context.Context) error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if c.view != nil {
		return nil
	}

	wait := c.backoff.Initial
	for {
		view, err := c.provider(ctx, c.index)
		if err == nil {
			c.view = view
			return nil
		}
		if !errors.Is(err, ErrPartitionNotFound) {
			return err
		}
		if wait > c.backoff.Max {
			log.GetLogger().Warnf("inputchannel: partition not found for subpartition %d after max backoff", c.index)
			return ErrPartitionNotFound
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if wait == c.backoff.Max {
			log.GetLogger().Warnf("inputchannel: partition not found for subpartition %d after max backoff", c.index)
			return ErrPartitionNotFound
		}
		wait *= 2
		if wait > c.backoff.Max {
			wait = c.backoff.Max
		}
	}
}

// checkAndWaitForSubpartitionView blocks until RequestSubpartition has
// completed or the channel is released (§4.6 suspension points).
func (c *Channel) checkAndWaitForSubpartitionView(ctx context.Context) (SubpartitionView, error) {
	if err := c.RequestSubpartition(ctx); err != nil {
		return nil, err
	}
	if c.released.IsSet() {
		return nil, ErrReleased
	}
	return c.view, nil
}

// GetNextBuffer polls the underlying view and applies the dedup gate:
// while deduplicating, it silently drops buffers and decrements the
// counter until it reaches zero, then clears the flag and resumes normal
// delivery (§4.4). Returns ErrReleased once released.
func (c *Channel) GetNextBuffer(ctx context.Context) (buffer.AndBacklog, error) {
	for {
		if c.released.IsSet() {
			return buffer.AndBacklog{}, ErrReleased
		}

		view, err := c.checkAndWaitForSubpartitionView(ctx)
		if err != nil {
			return buffer.AndBacklog{}, err
		}

		res, ok := view.PollNext()
		if !ok {
			return buffer.AndBacklog{}, nil
		}

		if c.dropIfDeduplicating() {
			continue
		}

		c.dedupMu.Lock()
		c.numBuffersRemoved++
		c.dedupMu.Unlock()
		return res, nil
	}
}

// dropIfDeduplicating reports whether the caller should silently discard
// the buffer just polled (§4.4).
func (c *Channel) dropIfDeduplicating() bool {
	if !c.deduplicating.IsSet() {
		return false
	}
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	if c.numToDeduplicate <= 0 {
		c.deduplicating.UnSet()
		return false
	}
	c.numToDeduplicate--
	if c.numToDeduplicate == 0 {
		c.deduplicating.UnSet()
	}
	metrics.InputChannelDedupDropped.WithLabelValues(c.taskID, strconv.Itoa(c.index)).Inc()
	return true
}

// SetNumberBuffersDeduplicate arms the drop count; SetDeduplicating turns
// dropping on. Called together by the recovery manager when attaching a
// replacement channel (§4.4).
func (c *Channel) SetNumberBuffersDeduplicate(n int) {
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	c.numToDeduplicate = n
}

// SetDeduplicating turns the drop gate on.
func (c *Channel) SetDeduplicating() { c.deduplicating.Set() }

// SetTaskID attaches the owning task's ID, used only to label the
// streamrt_inputchannel_dedup_dropped_total metric.
func (c *Channel) SetTaskID(taskID string) { c.taskID = taskID }

// IsDeduplicating reports whether the drop gate is currently active.
func (c *Channel) IsDeduplicating() bool { return c.deduplicating.IsSet() }

// GetResetNumberBuffersRemoved returns numBuffersRemoved and zeroes it,
// used by upstream to bound its in-flight log truncation request (§4.4).
func (c *Channel) GetResetNumberBuffersRemoved() int {
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	n := c.numBuffersRemoved
	c.numBuffersRemoved = 0
	return n
}

// SendTaskEvent is a placeholder hook for publishing task events upstream
// through the channel; wired to protocol.Dispatcher by the owning task.
func (c *Channel) SendTaskEvent(publish func() error) error {
	return publish()
}

// ReleaseAllResources is idempotent: it marks released before releasing
// the underlying view, so a concurrent GetNextBuffer observes the flag
// and returns empty rather than racing the teardown (§5).
func (c *Channel) ReleaseAllResources() {
	if !c.released.IsSet() {
		c.released.Set()
	} else {
		return
	}

	c.requestMu.Lock()
	view := c.view
	c.view = nil
	c.requestMu.Unlock()

	if view != nil {
		view.ReleaseView()
	}
}

// ToNewLocal releases this channel and returns a fresh one at the same
// index backed by a local provider, preserving dedup state (§4.4
// "channels support mutation of identity").
func (c *Channel) ToNewLocal(provider SubpartitionProvider) *Channel {
	return c.toNew(provider)
}

// ToNewRemote releases this channel and returns a fresh one at the same
// index backed by a remote provider; credit-based gates on the caller's
// side must reassign exclusive buffer segments independently (§4.4) —
// this package only guarantees the channel-identity swap and dedup-state
// carryover.
func (c *Channel) ToNewRemote(provider SubpartitionProvider) *Channel {
	return c.toNew(provider)
}

func (c *Channel) toNew(provider SubpartitionProvider) *Channel {
	c.dedupMu.Lock()
	toDedup, deduplicating := c.numToDeduplicate, c.deduplicating.IsSet()
	c.dedupMu.Unlock()

	c.ReleaseAllResources()

	next := New(c.index, provider, c.backoff)
	next.SetTaskID(c.taskID)
	next.SetNumberBuffersDeduplicate(toDedup)
	if deduplicating {
		next.SetDeduplicating()
	}
	return next
}
