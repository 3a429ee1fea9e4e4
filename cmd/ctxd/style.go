package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// styles colors human output. Writers that are not terminals get plain text.
type styles struct {
	good lipgloss.Style
	bad  lipgloss.Style
	dim  lipgloss.Style
}

func stylesFor(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		good: r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		bad:  r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		dim:  r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}
