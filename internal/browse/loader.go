package browse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var errCancelled = errors.New("cancelled")

type loadDoneMsg struct {
	preview Preview
	err     error
}

type loaderModel struct {
	label   string
	load    func(ctx context.Context) (Preview, error)
	spinner spinner.Model
	result  Preview
	err     error
	done    bool
}

func newLoader(label string, load func(ctx context.Context) (Preview, error)) loaderModel {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	return loaderModel{label: label, load: load, spinner: s}
}

func (m loaderModel) Init() tea.Cmd {
	return tea.Batch(m.doLoad(), m.spinner.Tick)
}

func (m loaderModel) doLoad() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		p, err := load(ctx)
		return loadDoneMsg{preview: p, err: err}
	}
}

func (m loaderModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadDoneMsg:
		m.result = msg.preview
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.done = true
			m.err = errCancelled
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m loaderModel) View() string {
	if m.done {
		return ""
	}
	return fmt.Sprintf("%s Scraping %s...\n", m.spinner.View(), m.label)
}

// RunLoader shows a spinner while load runs. It renders inline (no alt screen).
func RunLoader(label string, load func(ctx context.Context) (Preview, error)) (Preview, error) {
	result, err := tea.NewProgram(newLoader(label, load)).Run()
	if err != nil {
		return Preview{}, err
	}
	final := result.(loaderModel)
	return final.result, final.err
}
