package contextver

import (
	"time"

	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

// DefaultRef is the ref a fresh store points at.
const DefaultRef = "main"

// Commit is an immutable point-in-time capture of memory.
type Commit struct {
	ID            string    `json:"id"`
	ParentID      string    `json:"parentId,omitempty"`
	MergeParentID string    `json:"mergeParentId,omitempty"`
	Ref           string    `json:"ref"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	SnapshotRef   string    `json:"snapshotRef"`
}

// commitBody is the hashed part of a Commit.
type commitBody struct {
	ParentID      string    `json:"parentId"`
	MergeParentID string    `json:"mergeParentId"`
	Ref           string    `json:"ref"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	SnapshotRef   string    `json:"snapshotRef"`
}

// Snapshot is the content a commit points at.
type Snapshot struct {
	TipSeq     int64             `json:"tipSeq"`
	TipHash    string            `json:"tipHash"`
	EventCount int               `json:"eventCount"`
	Signals    []typedmem.Signal `json:"signals"`
	// Artifacts maps note names to content hashes.
	Artifacts map[string]string `json:"artifacts"`
}

// RefTable is context/refs.json.
type RefTable struct {
	Current string            `json:"current"`
	Refs    map[string]string `json:"refs"`
}

// Status reports the active ref and whether events exist beyond its head.
type Status struct {
	CurrentRef string `json:"currentRef"`
	Head       string `json:"head,omitempty"`
	Dirty      bool   `json:"dirty"`
	TipSeq     int64  `json:"tipSeq"`
	HeadTipSeq int64  `json:"headTipSeq"`
	// Pending counts content events past the head snapshot.
	Pending int `json:"pending"`
}

// Resolution settles decision conflicts during Merge.
type Resolution string

const (
	ResolveNone   Resolution = ""
	ResolveOurs   Resolution = "ours"
	ResolveTheirs Resolution = "theirs"
	ResolveUnion  Resolution = "union"
)

// MergeResult describes a merge.
type MergeResult struct {
	Commit    *Commit  `json:"commit,omitempty"`
	NoOp      bool     `json:"noOp"`
	Reason    string   `json:"reason,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Signals   int      `json:"signals"`
}
