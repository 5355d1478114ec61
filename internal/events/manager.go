package events

import (
	"log/slog"
	"sync"

	"github.com/sudocode-ai/sudocode/internal/normalize"
)

// TransportManager sits between the execution runner and the transports.
// Adapters are connected at run start and disconnected at run end; every
// emit is mirrored into the replay buffer and fanned out to each registered
// transport.
type TransportManager struct {
	mu         sync.Mutex
	transports []Transport
	buffer     *BufferStore
	adapters   map[string]*Adapter
	logger     *slog.Logger
}

// NewTransportManager wires the buffer the transports replay from.
func NewTransportManager(buffer *BufferStore, logger *slog.Logger) *TransportManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TransportManager{
		buffer:   buffer,
		adapters: make(map[string]*Adapter),
		logger:   logger,
	}
}

// Register adds a transport to the fan-out set.
func (m *TransportManager) Register(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = append(m.transports, t)
}

// Buffer exposes the replay buffer for transports and handlers.
func (m *TransportManager) Buffer() *BufferStore { return m.buffer }

// Connect creates (or returns) the adapter for runID.
func (m *TransportManager) Connect(runID string) *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[runID]; ok {
		return a
	}
	a := &Adapter{runID: runID, manager: m}
	m.adapters[runID] = a
	return a
}

// Disconnect detaches the adapter for runID. Events emitted through a
// disconnected adapter are dropped.
func (m *TransportManager) Disconnect(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[runID]; ok {
		a.detach()
		delete(m.adapters, runID)
	}
}

// Emit records ev in the buffer (assigning its sequence number) and
// broadcasts it to every transport. Best effort: transport failures are
// contained per client.
func (m *TransportManager) Emit(runID string, ev AgUiEvent) AgUiEvent {
	if m.buffer != nil {
		ev = m.buffer.Add(runID, ev)
	}
	m.mu.Lock()
	transports := make([]Transport, len(m.transports))
	copy(transports, m.transports)
	m.mu.Unlock()
	for _, t := range transports {
		t.BroadcastToRun(runID, ev)
	}
	return ev
}

// Shutdown closes all transports. Idempotent per transport.
func (m *TransportManager) Shutdown() {
	m.mu.Lock()
	transports := make([]Transport, len(m.transports))
	copy(transports, m.transports)
	m.mu.Unlock()
	for _, t := range transports {
		t.Shutdown()
	}
}

// Adapter lifts one execution's lifecycle and normalized entries into
// AG-UI events. Emit calls after Disconnect are silently dropped.
type Adapter struct {
	mu       sync.Mutex
	runID    string
	manager  *TransportManager
	detached bool
}

func (a *Adapter) detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = true
}

func (a *Adapter) emit(ev AgUiEvent) {
	a.mu.Lock()
	detached := a.detached
	a.mu.Unlock()
	if detached {
		return
	}
	a.manager.Emit(a.runID, ev)
}

// RunID identifies the execution this adapter serves.
func (a *Adapter) RunID() string { return a.runID }

// RunStarted emits the lifecycle start marker.
func (a *Adapter) RunStarted() {
	a.emit(NewEvent(EventRunStarted, a.runID, nil))
}

// StateSnapshot emits the current execution state for late joiners.
func (a *Adapter) StateSnapshot(state map[string]any) {
	a.emit(NewEvent(EventStateSnapshot, a.runID, state))
}

// StepStarted and StepFinished bracket workflow step execution.
func (a *Adapter) StepStarted(stepID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["stepId"] = stepID
	a.emit(NewEvent(EventStepStarted, a.runID, data))
}

func (a *Adapter) StepFinished(stepID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["stepId"] = stepID
	a.emit(NewEvent(EventStepFinished, a.runID, data))
}

// RunFinished marks successful completion. Exactly one of RunFinished or
// RunError terminates a run's event stream.
func (a *Adapter) RunFinished() {
	a.emit(NewEvent(EventRunFinished, a.runID, nil))
}

// RunError marks failure with the captured message.
func (a *Adapter) RunError(message string) {
	a.emit(NewEvent(EventRunError, a.runID, map[string]any{"message": message}))
}

// Entry forwards one normalized entry as its AG-UI event.
func (a *Adapter) Entry(e normalize.Entry) {
	a.emit(FromEntry(a.runID, e))
}
