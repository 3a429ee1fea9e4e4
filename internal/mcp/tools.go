package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/continuity/internal/eventstore"
)

// instrument wraps a tool body with invocation metrics.
func (s *Server) instrument(ctx context.Context, tool string, fn func() error) error {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	err := fn()
	s.metrics.DecrementActive(ctx, tool)
	s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	return err
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

type captureInput struct {
	Summary        string   `json:"summary" jsonschema:"What happened, one line"`
	Kind           string   `json:"kind,omitempty" jsonschema:"Event kind such as edit, test, decision or risk (default: note)"`
	Status         string   `json:"status,omitempty" jsonschema:"success, failure, warning or info (default: info)"`
	Path           string   `json:"path,omitempty" jsonschema:"Primary file path involved"`
	Paths          []string `json:"paths,omitempty" jsonschema:"Additional file paths"`
	Task           string   `json:"task,omitempty" jsonschema:"Task the event belongs to"`
	Commands       []string `json:"commands,omitempty" jsonschema:"Commands that were run"`
	IdempotencyKey string   `json:"idempotency_key,omitempty" jsonschema:"Key that makes retries append at most once"`
}

type captureOutput struct {
	Seq  int64  `json:"seq" jsonschema:"Sequence number of the stored event"`
	ID   string `json:"id" jsonschema:"Event ID"`
	Hash string `json:"hash" jsonschema:"Chain hash of the stored event"`
}

type rehydrateInput struct {
	Query        string `json:"query,omitempty" jsonschema:"Focus for relevance scoring"`
	BudgetTokens int    `json:"budget_tokens,omitempty" jsonschema:"Token budget (default from config)"`
}

type rehydrateOutput struct {
	Markdown   string   `json:"markdown" jsonschema:"The rehydrated context package"`
	TokensUsed int      `json:"tokens_used" jsonschema:"Tokens used by the package"`
	Budget     int      `json:"budget_tokens" jsonschema:"Budget the package was built for"`
	Coverage   float64  `json:"coverage" jsonschema:"Fraction of required signal types present"`
	Pass       bool     `json:"pass" jsonschema:"Whether the package passed evaluation"`
	Missing    []string `json:"missing_types,omitempty" jsonschema:"Required signal types not covered"`
}

type statusInput struct{}

type statusOutput struct {
	RepoID     string `json:"repo_id" jsonschema:"Repository identity"`
	MemoryRoot string `json:"memory_root" jsonschema:"Memory directory"`
	Events     int    `json:"events" jsonschema:"Number of events in the log"`
	TipSeq     int64  `json:"tip_seq" jsonschema:"Sequence number of the last event"`
	ChainOK    bool   `json:"chain_ok" jsonschema:"Whether the hash chain verifies"`
	CurrentRef string `json:"current_ref" jsonschema:"Active context ref"`
	Head       string `json:"head,omitempty" jsonschema:"Head commit of the active ref"`
	Dirty      bool   `json:"dirty" jsonschema:"Whether events exist beyond the head snapshot"`
}

type commitInput struct {
	Message string `json:"message,omitempty" jsonschema:"Commit message"`
}

type commitOutput struct {
	ID       string `json:"id" jsonschema:"Commit ID"`
	Ref      string `json:"ref" jsonschema:"Ref the commit advanced"`
	ParentID string `json:"parent_id,omitempty" jsonschema:"Previous head"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_capture",
		Description: "Append an event to the repository's hash-chained memory log",
	}, s.capture)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_rehydrate",
		Description: "Build a budgeted context package from repository memory and evaluate it",
	}, s.rehydrate)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_status",
		Description: "Report event log health and context ref status",
	}, s.status)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_commit",
		Description: "Snapshot current memory onto the active context ref",
	}, s.commit)
}

func (s *Server) capture(ctx context.Context, _ *mcp.CallToolRequest, in captureInput) (*mcp.CallToolResult, captureOutput, error) {
	var out captureOutput
	err := s.instrument(ctx, "memory_capture", func() error {
		if in.Summary == "" {
			return fmt.Errorf("summary is required")
		}
		ev, err := s.registry.Events().Append(ctx, eventstore.Fields{
			Kind:           in.Kind,
			Status:         in.Status,
			Summary:        in.Summary,
			Path:           in.Path,
			Paths:          in.Paths,
			Task:           in.Task,
			Commands:       in.Commands,
			IdempotencyKey: in.IdempotencyKey,
			Source:         s.source,
		})
		if err != nil {
			return err
		}
		out = captureOutput{Seq: ev.Seq, ID: ev.ID, Hash: ev.Hash}
		return nil
	})
	if err != nil {
		return nil, captureOutput{}, err
	}
	return textResult("Captured event %d (%s)", out.Seq, out.ID), out, nil
}

func (s *Server) rehydrate(ctx context.Context, _ *mcp.CallToolRequest, in rehydrateInput) (*mcp.CallToolResult, rehydrateOutput, error) {
	var out rehydrateOutput
	err := s.instrument(ctx, "memory_rehydrate", func() error {
		budget := in.BudgetTokens
		if budget <= 0 {
			budget = s.registry.Config().Rehydrate.DefaultBudget
		}
		res, err := s.registry.Refresher().Refresh(ctx, in.Query, budget)
		if err != nil {
			return err
		}
		out = rehydrateOutput{
			Markdown:   res.Package.Markdown,
			TokensUsed: res.Trace.TotalTokensUsed,
			Budget:     budget,
			Coverage:   res.Report.Coverage,
			Pass:       res.Report.Pass,
			Missing:    res.Report.MissingTypes,
		}
		return nil
	})
	if err != nil {
		return nil, rehydrateOutput{}, err
	}
	return textResult("%s", out.Markdown), out, nil
}

func (s *Server) status(ctx context.Context, _ *mcp.CallToolRequest, _ statusInput) (*mcp.CallToolResult, statusOutput, error) {
	var out statusOutput
	err := s.instrument(ctx, "memory_status", func() error {
		report, verr := s.registry.Events().Verify(ctx, false)
		if verr != nil && report.BreakSeq < 0 {
			return verr
		}
		st, err := s.registry.Context().Status(ctx)
		if err != nil {
			return err
		}
		out = statusOutput{
			RepoID:     s.registry.Identity().ID,
			MemoryRoot: s.registry.Layout().Root,
			Events:     report.Events,
			TipSeq:     report.TipSeq,
			ChainOK:    report.OK,
			CurrentRef: st.CurrentRef,
			Head:       st.Head,
			Dirty:      st.Dirty,
		}
		return nil
	})
	if err != nil {
		return nil, statusOutput{}, err
	}
	return textResult("%d events, chain ok=%t, ref %s dirty=%t", out.Events, out.ChainOK, out.CurrentRef, out.Dirty), out, nil
}

func (s *Server) commit(ctx context.Context, _ *mcp.CallToolRequest, in commitInput) (*mcp.CallToolResult, commitOutput, error) {
	var out commitOutput
	err := s.instrument(ctx, "memory_commit", func() error {
		c, err := s.registry.Context().Commit(ctx, in.Message)
		if err != nil {
			return err
		}
		out = commitOutput{ID: c.ID, Ref: c.Ref, ParentID: c.ParentID}
		return nil
	})
	if err != nil {
		return nil, commitOutput{}, err
	}
	return textResult("Committed %s on %s", out.ID, out.Ref), out, nil
}
