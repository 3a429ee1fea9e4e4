package services

import (
	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/contextver"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/refresh"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
	"github.com/fyrsmithlabs/continuity/internal/repoid"
	"github.com/fyrsmithlabs/continuity/internal/secrets"
	"github.com/fyrsmithlabs/continuity/internal/session"
)

// Registry provides access to the components of one memory root.
type Registry interface {
	Config() *config.Config
	Identity() repoid.Identity
	Layout() layout.Layout
	Events() *eventstore.Store
	Compiler() *rehydrate.Compiler
	Refresher() *refresh.Refresher
	Context() *contextver.Store
	Sessions() *session.Registry
	Cycle() *autocycle.Cycle
	Scrubber() secrets.Scrubber
	Metrics() *metrics.Metrics
}

// Options configures the registry with component instances.
type Options struct {
	Config    *config.Config
	Identity  repoid.Identity
	Layout    layout.Layout
	Events    *eventstore.Store
	Compiler  *rehydrate.Compiler
	Refresher *refresh.Refresher
	Context   *contextver.Store
	Sessions  *session.Registry
	Cycle     *autocycle.Cycle
	Scrubber  secrets.Scrubber
	Metrics   *metrics.Metrics
}

// registry is the concrete implementation of Registry.
type registry struct {
	config    *config.Config
	identity  repoid.Identity
	layout    layout.Layout
	events    *eventstore.Store
	compiler  *rehydrate.Compiler
	refresher *refresh.Refresher
	context   *contextver.Store
	sessions  *session.Registry
	cycle     *autocycle.Cycle
	scrubber  secrets.Scrubber
	metrics   *metrics.Metrics
}

// NewRegistry creates a new registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		config:    opts.Config,
		identity:  opts.Identity,
		layout:    opts.Layout,
		events:    opts.Events,
		compiler:  opts.Compiler,
		refresher: opts.Refresher,
		context:   opts.Context,
		sessions:  opts.Sessions,
		cycle:     opts.Cycle,
		scrubber:  opts.Scrubber,
		metrics:   opts.Metrics,
	}
}

func (r *registry) Config() *config.Config        { return r.config }
func (r *registry) Identity() repoid.Identity     { return r.identity }
func (r *registry) Layout() layout.Layout         { return r.layout }
func (r *registry) Events() *eventstore.Store     { return r.events }
func (r *registry) Compiler() *rehydrate.Compiler { return r.compiler }
func (r *registry) Refresher() *refresh.Refresher { return r.refresher }
func (r *registry) Context() *contextver.Store    { return r.context }
func (r *registry) Sessions() *session.Registry   { return r.sessions }
func (r *registry) Cycle() *autocycle.Cycle       { return r.cycle }
func (r *registry) Scrubber() secrets.Scrubber    { return r.scrubber }
func (r *registry) Metrics() *metrics.Metrics     { return r.metrics }
