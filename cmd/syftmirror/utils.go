package main

import (
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/mirror"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	// https://github.com/fidian/ansi
	greenStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyanStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	grayStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray     = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("242")).Padding(0, 1)
	selectedStyle = greenStyle.Bold(true)
)

// describe renders a fingerprint as "12 kB, 3 minutes ago".
func describe(fp *mirror.Fingerprint) string {
	if fp == nil {
		return "missing"
	}
	return humanize.Bytes(uint64(fp.Size)) + ", modified " + humanize.RelTime(fp.ModTime, time.Now(), "ago", "from now")
}
