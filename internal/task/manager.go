package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/streamrt/internal/config"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/partitiontable"
	"firestige.xyz/streamrt/internal/recovery"
)

// Manager owns every Task in this process and is the local
// PartitionLookup every Task's input channels resolve same-process
// upstreams through (§3 subpartition_table, generalized from the
// teacher's single-task-per-process TaskManager to a small registry).
type Manager struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	broadcaster recovery.PeerBroadcaster
}

// NewManager creates an empty Manager. broadcaster is shared by every
// task's RecoveryManager to reach peers outside this process (typically
// backed by internal/eventbus or internal/protocol/kafkabus).
func NewManager(broadcaster recovery.PeerBroadcaster) *Manager {
	return &Manager{tasks: make(map[string]*Task), broadcaster: broadcaster}
}

// Create assembles and starts a new task from cfg. Mirrors the teacher's
// TaskManager.Create fail-fast phase ordering: validate, resolve,
// construct, wire, then start.
func (m *Manager) Create(cfg config.JobConfig) error {
	m.mu.Lock()
	if _, exists := m.tasks[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("task %q already exists", cfg.ID)
	}
	m.mu.Unlock()

	log.GetLogger().Infof("creating task %q", cfg.ID)

	t, err := New(cfg, m.lookupPartition, m.broadcaster)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.tasks[cfg.ID] = t
	m.mu.Unlock()

	return t.Start(context.Background())
}

// Delete stops and removes the named task.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	t, exists := m.tasks[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("task %q not found", id)
	}
	delete(m.tasks, id)
	m.mu.Unlock()

	t.Stop()
	return nil
}

// Get returns the named task.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	return t, nil
}

// List returns every task ID, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns every task's current Status, keyed by ID.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.tasks))
	for id, t := range m.tasks {
		out[id] = t.Status()
	}
	return out
}

// StopAll stops every task, used by daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	for _, t := range tasks {
		t.Stop()
	}
}

// lookupPartition resolves partitionID to the owning task's output
// partition table, if that task lives in this process.
func (m *Manager) lookupPartition(partitionID string) (*partitiontable.Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.partitionID.String() == partitionID {
			return t.outTable, true
		}
	}
	return nil, false
}
