// Package mcp exposes memory capture, rehydration, status and commit as
// Model Context Protocol tools over stdio.
package mcp
