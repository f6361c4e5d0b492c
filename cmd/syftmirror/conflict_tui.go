package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/openmined/syftmirror/internal/mirror"
)

type choice struct {
	resolution mirror.Resolution
	label      string
	hint       string
}

var choices = []choice{
	{mirror.ResolveKeepLocal, "Keep local", "upload the local file over the remote one"},
	{mirror.ResolveKeepRemote, "Keep remote", "download the remote file over the local one"},
	{mirror.ResolveKeepBoth, "Keep both", "move the local file aside as a .conflict copy"},
	{mirror.ResolveSkip, "Skip", "leave both sides alone, ask again next run"},
}

type conflictKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Choose key.Binding
	Skip   key.Binding
	Quit   key.Binding
}

func (k conflictKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Choose, k.Skip, k.Quit}
}

func (k conflictKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var conflictKeys = conflictKeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Choose: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "choose")),
	Skip:   key.NewBinding(key.WithKeys("s", "esc"), key.WithHelp("s/esc", "skip")),
	Quit:   key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "skip all")),
}

type conflictModel struct {
	conflict *mirror.Conflict
	cursor   int
	help     help.Model
	chosen   mirror.Resolution
	quit     bool
}

func newConflictModel(c *mirror.Conflict) conflictModel {
	return conflictModel{conflict: c, help: help.New()}
}

func (m conflictModel) Init() tea.Cmd {
	return nil
}

func (m conflictModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, conflictKeys.Quit):
			m.quit = true
			return m, tea.Quit
		case key.Matches(msg, conflictKeys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, conflictKeys.Down):
			if m.cursor < len(choices)-1 {
				m.cursor++
			}
		case key.Matches(msg, conflictKeys.Skip):
			m.chosen = mirror.ResolveSkip
			return m, tea.Quit
		case key.Matches(msg, conflictKeys.Choose):
			m.chosen = choices[m.cursor].resolution
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
	}
	return m, nil
}

func (m conflictModel) View() string {
	if m.chosen != mirror.ResolveNone || m.quit {
		return ""
	}

	var b strings.Builder
	c := m.conflict
	header := fmt.Sprintf("%s %s\n%s %s\n%s %s",
		yellowStyle.Render(string(c.Class)), cyanStyle.Render(c.Key.String()),
		grayStyle.Render("local  "), lightGray.Render(describe(c.Local)),
		grayStyle.Render("remote "), lightGray.Render(describe(c.Remote)),
	)
	b.WriteString(boxStyle.Render(header))
	b.WriteString("\n\n")

	for i, ch := range choices {
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + ch.label))
			b.WriteString("  " + grayStyle.Render(ch.hint))
		} else {
			b.WriteString("  " + ch.label)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(conflictKeys))
	b.WriteString("\n")
	return b.String()
}

// promptStrategy asks on the terminal for every conflict. Once the user
// hits ctrl+c the remaining conflicts are skipped.
type promptStrategy struct {
	mu      sync.Mutex
	skipAll bool
}

func newPromptStrategy() *promptStrategy {
	return &promptStrategy{}
}

func (p *promptStrategy) Decide(ctx context.Context, c *mirror.Conflict) (mirror.Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.skipAll {
		return mirror.ResolveSkip, nil
	}

	final, err := tea.NewProgram(newConflictModel(c), tea.WithContext(ctx), tea.WithOutput(os.Stderr)).Run()
	if err != nil {
		return mirror.ResolveNone, fmt.Errorf("conflict prompt: %w", err)
	}

	m, ok := final.(conflictModel)
	if !ok || m.quit {
		p.skipAll = true
		return mirror.ResolveSkip, nil
	}
	return m.chosen, nil
}
