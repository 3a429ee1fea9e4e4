// Package services wires the memory engine for one repository.
//
// Open resolves the memory root from the config and repository identity,
// then builds the event store, refresher, context store, session registry
// and auto-cycle scheduler on top of it. Callers reach each component
// through the Registry accessors.
package services
