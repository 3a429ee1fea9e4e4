package autocycle

import (
	"time"

	"github.com/fyrsmithlabs/continuity/internal/fslock"
)

// State persists scheduler progress across restarts.
type State struct {
	LastFingerprint         string    `json:"lastFingerprint"`
	LastSnapshotFingerprint string    `json:"lastSnapshotFingerprint"`
	LastSnapshotAt          time.Time `json:"lastSnapshotAt"`
	LastTickAt              time.Time `json:"lastTickAt"`
	LastCommitID            string    `json:"lastCommitId,omitempty"`
	Ticks                   int64     `json:"ticks"`
}

// LoadState reads the state file; a missing file yields the zero State.
func LoadState(path string) (State, error) {
	var s State
	_, err := fslock.ReadJSON(path, &s)
	return s, err
}

func saveState(path string, s State) error {
	return fslock.WriteJSON(path, s)
}
