package agent

// FileDelta is a set of file writes produced by one tool invocation. Handlers
// return deltas instead of mutating shared state; the loop applies them,
// which keeps the "last write wins" merge explicit and single-writer.
type FileDelta map[string]string

// State is the mutable agent state for one run: the completion summary (empty
// until the task finishes) and the file map the run has produced so far.
// Owned exclusively by one loop invocation; never shared across runs.
type State struct {
	Summary string            `json:"summary"`
	Files   map[string]string `json:"files"`
}

// NewState seeds agent state from the latest known files of prior turns.
// The seed map is copied: the caller's map is never aliased.
func NewState(seedFiles map[string]string) *State {
	files := make(map[string]string, len(seedFiles))
	for p, c := range seedFiles {
		files[p] = c
	}
	return &State{Files: files}
}

// Apply folds a file delta into the state. Later writes win on path collision;
// files are only ever added or overwritten, never deleted.
func (s *State) Apply(delta FileDelta) {
	for p, c := range delta {
		s.Files[p] = c
	}
}

// Done reports whether the loop has received a completion signal.
func (s *State) Done() bool {
	return s.Summary != ""
}
