package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/repoid"
	"github.com/fyrsmithlabs/continuity/internal/session"
)

func TestNewRegistry(t *testing.T) {
	var _ Registry = (*registry)(nil)

	reg := NewRegistry(Options{})
	assert.Nil(t, reg.Events())
	assert.Nil(t, reg.Context())
	assert.Nil(t, reg.Scrubber())
	assert.Nil(t, reg.Metrics())
}

func openTest(t *testing.T, mutate func(*config.Config)) Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.Home = t.TempDir()
	cfg.Secrets.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	work := t.TempDir()
	id := repoid.Identity{WorkRoot: work, IdentityRoot: work, ID: "demo--0123456789"}
	reg, err := Open(cfg, id, OpenOptions{Metrics: metrics.New(), Source: "test"})
	require.NoError(t, err)
	return reg
}

func TestOpen_EndToEnd(t *testing.T) {
	reg := openTest(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	res, err := Init(ctx, reg, now)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Created)
	assert.Equal(t, filepath.Join(reg.Config().Memory.Home, "demo--0123456789"), reg.Layout().Root)
	assert.FileExists(t, reg.Layout().RefsFile())

	_, err = reg.Events().Append(ctx, eventstore.Fields{
		Kind: "decision", Summary: "decided to wire everything through services", Task: "wiring", Source: "test",
	})
	require.NoError(t, err)

	tick, err := reg.Cycle().Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "committed", tick.Result)

	st, err := reg.Context().Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Dirty)

	m, created, err := reg.Sessions().Ensure(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "session/sess-1", m.Ref)

	refs, err := reg.Context().Refs(ctx)
	require.NoError(t, err)
	assert.Contains(t, refs.Refs, "session/sess-1")

	again, err := Init(ctx, reg, now)
	require.NoError(t, err)
	assert.Empty(t, again.Created, "init is idempotent")
}

func TestAllocatorSelection(t *testing.T) {
	reg := openTest(t, func(c *config.Config) { c.Session.Allocator = "git" })
	_, err := Init(context.Background(), reg, time.Now())
	require.NoError(t, err)

	// Not a git checkout, so the directory allocator is used.
	m, _, err := reg.Sessions().Ensure(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, "dir", m.Allocator)
	info, err := os.Stat(m.Workspace)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	var _ session.Allocator = &session.GitAllocator{}
}

func TestMemoryHome(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.Home = "/var/lib/ctxd"
	home, err := MemoryHome(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ctxd", home)
}
