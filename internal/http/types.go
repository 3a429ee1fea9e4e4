package http

import (
	"time"

	"github.com/fyrsmithlabs/continuity/internal/contextver"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status     string             `json:"status"`
	Version    string             `json:"version,omitempty"`
	RepoID     string             `json:"repo_id"`
	MemoryRoot string             `json:"memory_root"`
	Chain      ChainStatus        `json:"chain"`
	Context    *contextver.Status `json:"context,omitempty"`
	LastTick   *TickStatus        `json:"last_tick,omitempty"`
}

// ChainStatus summarizes a non-strict verify of the event log.
type ChainStatus struct {
	OK            bool   `json:"ok"`
	Events        int    `json:"events"`
	TipSeq        int64  `json:"tip_seq"`
	ToleratedGaps int    `json:"tolerated_gaps"`
	BreakSeq      int64  `json:"break_seq,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// TickStatus is the outcome of the most recent scheduler tick.
type TickStatus struct {
	Result   string    `json:"result"`
	CommitID string    `json:"commit_id,omitempty"`
	Coverage float64   `json:"coverage"`
	EvalPass bool      `json:"eval_pass"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string   `json:"content"`
	FindingsCount int      `json:"findings_count"`
	Rules         []string `json:"rules,omitempty"`
}
