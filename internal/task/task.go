// Package task implements task lifecycle management: the strict
// multi-phase assembly of one Task's operator, epoch tracker, causal log,
// subpartitions, input channels and RecoveryManager, and the Start/Stop
// surface the daemon drives (ported from the teacher's
// TaskManager.Create assembly pattern, §3/§4 wiring).
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/causallog"
	"firestige.xyz/streamrt/internal/config"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/inputchannel"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/metrics"
	"firestige.xyz/streamrt/internal/partitiontable"
	"firestige.xyz/streamrt/internal/protocol"
	"firestige.xyz/streamrt/internal/recovery"
	"firestige.xyz/streamrt/internal/subpartition"
	"firestige.xyz/streamrt/pkg/operator"
)

// Status is a point-in-time snapshot of a Task for status/dump commands.
type Status struct {
	ID            string
	State         string
	Epoch         epoch.ID
	RecoveryState recovery.State
	OutputBacklog int
}

// PartitionLookup resolves a peer's output subpartition table, used to
// build local SubpartitionProviders for inputs that live in this same
// process. A nil return with ok==false means the partition is not known
// locally; the input channel's provider then reports
// inputchannel.ErrPartitionNotFound, as no remote transport is consulted.
type PartitionLookup func(partitionID string) (*partitiontable.Table, bool)

// Task is one assembled causal-recovery task: one operator instance
// reading from a fixed set of input channels, logging determinants and
// in-flight buffers, and writing to its own output subpartition.
type Task struct {
	cfg config.JobConfig

	vertexUUID  uuid.UUID
	partitionID uuid.UUID

	op operator.Operator

	tracker  *epoch.Tracker
	causal   *causallog.VertexLog
	outTable *partitiontable.Table
	output   *subpartition.Subpartition
	inputs   []*inputchannel.Channel
	recovery *recovery.Manager

	mu     sync.Mutex
	state  string
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	stateCreated = "created"
	stateRunning = "running"
	stateStopped = "stopped"
)

// New assembles a Task from cfg, following the same fail-fast ordering
// the teacher uses: validate the config, resolve the operator factory,
// construct the empty instances, wire shared resources, then hand back
// an unstarted Task (§3 "the operator layer").
func New(cfg config.JobConfig, lookup PartitionLookup, broadcaster recovery.PeerBroadcaster) (*Task, error) {
	// Phase 1: validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: validate: %w", cfg.ID, err)
	}

	// Phase 2: resolve + construct the operator.
	op, err := operator.Get(cfg.Operator.Name, cfg.Operator.Params)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.ID, err)
	}

	// Phase 3: construct epoch tracker, causal log, output subpartition,
	// partition table.
	vertexUUID := uuid.NewV4()
	partitionID := uuid.NewV4()
	tracker := epoch.NewTracker()

	t := &Task{
		cfg:         cfg,
		vertexUUID:  vertexUUID,
		partitionID: partitionID,
		op:          op,
		tracker:     tracker,
		causal:      causallog.NewVertexLog(causallog.NewID(vertexUUID, 0, 0, partitionID)),
		outTable:    partitiontable.New(cfg.Peers),
		state:       stateCreated,
	}
	t.output = subpartition.New(t.onFailConsumer)
	t.outTable.Register(partitiontable.Key{PartitionID: partitionID, SubpartitionIndex: 0}, t.output)

	// Phase 4: wire the RecoveryManager, replaying determinants by
	// feeding them back through IncRecordCount so SetRecordCountTarget
	// in recovery.Manager can detect catch-up (§4.5).
	replay := func(ctx context.Context, ds []causallog.Determinant) (uint32, error) {
		for range ds {
			tracker.IncRecordCount()
		}
		return uint32(len(ds)), nil
	}
	t.recovery = recovery.New(cfg.VertexID, t.outTable, tracker, broadcaster, replay)

	// Phase 5: wire input channels, one per configured upstream
	// subpartition, each resolved lazily via lookup (local) — remote
	// peers are out of scope for the in-process lookup and surface
	// inputchannel.ErrPartitionNotFound until a transport adapter is
	// attached.
	for _, in := range cfg.Inputs {
		idx := in.SubpartitionIndex
		partID := in.PartitionID
		upstreamUUID, parseErr := uuid.FromString(partID)
		if parseErr != nil {
			return nil, fmt.Errorf("task %s: input partition id %q: %w", cfg.ID, partID, parseErr)
		}
		provider := func(ctx context.Context, subpartitionIndex int) (inputchannel.SubpartitionView, error) {
			tbl, ok := lookup(partID)
			if !ok {
				return nil, inputchannel.ErrPartitionNotFound
			}
			key := partitiontable.Key{PartitionID: upstreamUUID, SubpartitionIndex: uint32(subpartitionIndex)}
			sp, ok := tbl.Get(key)
			if !ok {
				return nil, inputchannel.ErrPartitionNotFound
			}
			return newLocalView(sp, tracker), nil
		}
		backoff := inputchannel.BackoffConfig{Initial: cfg.Backoff.Initial, Max: cfg.Backoff.Max}
		ch := inputchannel.New(int(idx), provider, backoff)
		ch.SetTaskID(cfg.ID)
		t.inputs = append(t.inputs, ch)
	}

	return t, nil
}

func (t *Task) onFailConsumer(cause error) {
	log.GetLogger().WithError(cause).Warnf("task %s: downstream failed, propagating fail-consumer trigger", t.cfg.ID)
}

// Start begins replaying/waiting for recovery (if any peers are
// configured) and launches the per-input-channel pump goroutines. It
// returns once the task is in the Running state or recovery fails.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state == stateRunning {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state = stateRunning
	t.mu.Unlock()

	t.tracker.StartNewEpoch(0)

	reachable := func(peer string) bool { return true }
	t.recovery.NotifyStartRecovery(reachable)
	if len(t.cfg.Peers) > 0 {
		if err := t.recovery.NotifyAllChannelsReady(runCtx); err != nil {
			return fmt.Errorf("task %s: recovery: %w", t.cfg.ID, err)
		}
	}

	var wg sync.WaitGroup
	for i, ch := range t.inputs {
		wg.Add(1)
		go t.pump(runCtx, &wg, uint8(i), ch)
	}

	go func() {
		wg.Wait()
		close(t.done)
	}()

	return nil
}

// pump is one input channel's read -> operator.Process -> append-to-
// output loop, run until the channel surfaces a terminal error or the
// context is cancelled. channelIndex identifies which input channel this
// goroutine drains, recorded into the causal log as the order
// determinant's ChannelIndex (§4.1, §4.6) whenever this loop is the one
// that decides which input to read from next.
func (t *Task) pump(ctx context.Context, wg *sync.WaitGroup, channelIndex uint8, ch *inputchannel.Channel) {
	defer wg.Done()
	logger := log.GetLogger().WithField("task", t.cfg.ID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := ch.GetNextBuffer(ctx)
		if err != nil {
			logger.WithError(err).Warn("input channel terminated")
			return
		}
		if res.Buffer == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		outBufs, err := t.op.Process(ctx, res.Buffer)
		res.Buffer.Release()
		if err != nil {
			logger.WithError(err).Error("operator process failed")
			continue
		}

		t.recordDeterminant(channelIndex)
		t.tracker.IncRecordCount()

		for _, ob := range outBufs {
			consumer := newFinishedConsumer(ob)
			t.output.Add(t.tracker.CurrentEpoch(), consumer, true)
		}
	}
}

// recordDeterminant appends an order determinant for the record just
// processed from channelIndex, so a recovering replica can replay the
// same interleaving choice instead of re-deciding it (§4.1, §4.5
// responder half), and reports the appended bytes to the
// streamrt_determinant_bytes_logged_total counter.
func (t *Task) recordDeterminant(channelIndex uint8) {
	d := causallog.Order(channelIndex)
	before := t.causal.ReadableBytes()
	t.causal.Append(t.tracker.CurrentEpoch(), d)
	after := t.causal.ReadableBytes()
	metrics.DeterminantBytesLogged.WithLabelValues(t.cfg.ID, d.Kind.String()).Add(float64(after - before))
}

// BuildDeterminantResponse answers req with this task's own causal log,
// wrapped as a single Fragment (§4.6). The causal log here is not
// segmented per downstream channel, so a peer requesting determinants for
// any failed vertex gets this task's whole retained log, and the
// recovering side parses and replays every determinant in the merged
// fragments it receives.
func (t *Task) BuildDeterminantResponse(req protocol.DeterminantRequestEvent) protocol.DeterminantResponseEvent {
	payload := t.causal.Bytes()
	resp := protocol.DeterminantResponseEvent{
		VertexID:      req.FailedVertexID,
		CorrelationID: int64(req.UpstreamCorrelationID),
	}
	if len(payload) == 0 {
		return resp
	}
	resp.Found = true
	resp.Fragments = []protocol.Fragment{{ID: t.causal.ID(), Payload: buffer.NewDataBuffer(payload)}}
	return resp
}

// Stop cancels the pump goroutines, waits for them to exit, and releases
// the output subpartition and input channels.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.state != stateRunning {
		t.mu.Unlock()
		return
	}
	t.state = stateStopped
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	for _, ch := range t.inputs {
		ch.ReleaseAllResources()
	}
	t.output.Release()
	t.op.Close()
}

// NotifyDownstreamCheckpointComplete truncates the output subpartition's
// in-flight log up to n acknowledged buffers (§4.2), forwarded from a
// downstream checkpoint-complete command.
func (t *Task) NotifyDownstreamCheckpointComplete(n uint32) {
	t.output.InFlightLog().NotifyDownstreamCheckpointComplete(int(n))
}

// ForceFailConsumer marks the output subpartition as downstream-failed,
// exercised by the force-fail-consumer control command for recovery
// testing/drills.
func (t *Task) ForceFailConsumer(cause error) {
	t.output.SendFailConsumerTrigger(t.tracker.CurrentEpoch(), cause)
}

// Status snapshots the task's current lifecycle/recovery/backlog state.
func (t *Task) Status() Status {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	return Status{
		ID:            t.cfg.ID,
		State:         state,
		Epoch:         t.tracker.CurrentEpoch(),
		RecoveryState: t.recovery.State(),
		OutputBacklog: t.output.Backlog(),
	}
}

// RecoveryManager exposes the task's RecoveryManager for command-layer
// FSM state dumps and in-flight-log-request wiring.
func (t *Task) RecoveryManager() *recovery.Manager { return t.recovery }

// ID satisfies pipeline.Reportable.
func (t *Task) ID() string { return t.cfg.ID }

// EpochValue satisfies pipeline.Reportable.
func (t *Task) EpochValue() int64 { return int64(t.tracker.CurrentEpoch()) }

// RecoveryStateValue satisfies pipeline.Reportable, translating
// recovery.State to the numeric form internal/metrics gauges record.
func (t *Task) RecoveryStateValue() int {
	switch t.recovery.State() {
	case recovery.Standby:
		return metrics.RecoveryStateStandby
	case recovery.WaitingConnections:
		return metrics.RecoveryStateWaitingConnections
	case recovery.WaitingDeterminants:
		return metrics.RecoveryStateWaitingDeterminants
	case recovery.ReplayingDeterminants:
		return metrics.RecoveryStateReplayingDeterminants
	default:
		return metrics.RecoveryStateRunning
	}
}

// OutputBacklog satisfies pipeline.Reportable.
func (t *Task) OutputBacklog() int { return t.output.Backlog() }

// VertexID returns the wire vertex ID used to address this task's
// DeterminantRequestEvent traffic.
func (t *Task) VertexID() uint16 { return t.cfg.VertexID }
