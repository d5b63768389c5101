package batchsync

import "sync"

// State is the interface that all run states must implement
type State interface {
	Name() string
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	mu    sync.Mutex
	paths map[string][]string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{paths: make(map[string][]string)}
}

func (r *StateRecorder) Record(runKey string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[runKey] = append(r.paths[runKey], state.Name())
}

// Path returns the recorded state names for one run
func (r *StateRecorder) Path(runKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.paths[runKey]))
	copy(out, r.paths[runKey])
	return out
}

// Paths returns every recorded run path
func (r *StateRecorder) Paths() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, 0, len(r.paths))
	for _, p := range r.paths {
		cp := make([]string, len(p))
		copy(cp, p)
		out = append(out, cp)
	}
	return out
}

// IdleState - run object created, entry point not yet invoked
type IdleState struct{}

func (s *IdleState) Name() string { return "idle" }
func (s *IdleState) ToStarting() *StartingState {
	return &StartingState{}
}

// StartingState - resolving the item set
type StartingState struct{}

func (s *StartingState) Name() string { return "starting" }
func (s *StartingState) ToDispatched() *DispatchedState {
	return &DispatchedState{}
}
func (s *StartingState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *StartingState) ToFailedToStart() *FailedToStartState {
	return &FailedToStartState{}
}

// DispatchedState - batches handed to the worker pool
type DispatchedState struct{}

func (s *DispatchedState) Name() string { return "dispatched" }
func (s *DispatchedState) ToAggregating() *AggregatingState {
	return &AggregatingState{}
}

// AggregatingState - every batch reported, reducing results
type AggregatingState struct{}

func (s *AggregatingState) Name() string { return "aggregating" }
func (s *AggregatingState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *AggregatingState) ToFailedDuringRun() *FailedDuringRunState {
	return &FailedDuringRunState{}
}

// Terminal States

// CompletedState - run finished, possibly with failed items
type CompletedState struct{}

func (s *CompletedState) Name() string { return "completed" }

// FailedToStartState - nothing was dispatched
type FailedToStartState struct{}

func (s *FailedToStartState) Name() string { return "failed_to_start" }

// FailedDuringRunState - aggregation or finalization failed
type FailedDuringRunState struct{}

func (s *FailedDuringRunState) Name() string { return "failed_during_run" }
