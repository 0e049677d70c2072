package browse

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amishk599/gigradar/internal/model"
)

// Lines per job item in the list view (title + subtitle + blank separator).
const jobItemHeight = 3

type viewState int

const (
	viewList viewState = iota
	viewDetail
)

const (
	paneListing = 0
	paneFresh   = 1
)

var (
	activeBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("39"))

	inactiveBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	activeHeaderStyle   = headerStyle.Foreground(lipgloss.Color("39"))
	inactiveHeaderStyle = headerStyle.Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236"))

	jobTitleStyle    = lipgloss.NewStyle().Bold(true)
	jobSubtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	selectedJobTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("24"))

	selectedJobSubtitleStyle = lipgloss.NewStyle().
					Foreground(lipgloss.Color("252")).
					Background(lipgloss.Color("24"))

	detailLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				Width(16)

	detailTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				MarginBottom(1)

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// detailFetchedMsg is sent when an async detail fetch completes.
type detailFetchedMsg struct {
	job model.Job
	err error
}

type previewModel struct {
	preview       Preview
	detailer      Detailer
	leftViewport  viewport.Model
	rightViewport viewport.Model
	activePane    int
	cursors       [2]int
	width         int
	height        int
	ready         bool

	view           viewState
	detailJob      model.Job
	detailLoading  bool
	detailError    string
	detailViewport viewport.Model

	wantQuit bool
}

// Detailer loads a job's own page; it fills the hiring rate.
type Detailer interface {
	Detail(ctx context.Context, job model.Job) (model.Job, error)
}

func newPreviewModel(p Preview, d Detailer) previewModel {
	return previewModel{preview: p, detailer: d}
}

func (m previewModel) Init() tea.Cmd {
	return nil
}

func (m previewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalcLayout()
		if m.view == viewDetail {
			m.detailViewport.Width = m.width - 4
			m.detailViewport.Height = m.height - 4
			m.detailViewport.SetContent(m.renderDetail())
		}
		return m, nil

	case detailFetchedMsg:
		m.detailLoading = false
		if msg.err != nil {
			m.detailError = fmt.Sprintf("failed to load job page: %v", msg.err)
		} else {
			m.detailError = ""
			m.detailJob = msg.job
			m.updateJob(msg.job)
		}
		m.detailViewport.SetContent(m.renderDetail())
		return m, nil

	case tea.KeyMsg:
		if m.view == viewDetail {
			return m.updateDetailView(msg)
		}
		return m.updateListView(msg)
	}
	return m, nil
}

func (m previewModel) updateListView(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.wantQuit = true
		return m, tea.Quit
	case "esc", "b":
		return m, tea.Quit
	case "tab", "left", "right":
		m.activePane = 1 - m.activePane
		m.recalcContent()
		return m, nil
	case "up", "k":
		m.moveCursor(-1)
		return m, nil
	case "down", "j":
		m.moveCursor(1)
		return m, nil
	case "enter":
		return m.openDetailView()
	}

	var cmd tea.Cmd
	if m.activePane == paneListing {
		m.leftViewport, cmd = m.leftViewport.Update(msg)
	} else {
		m.rightViewport, cmd = m.rightViewport.Update(msg)
	}
	return m, cmd
}

func (m previewModel) updateDetailView(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.wantQuit = true
		return m, tea.Quit
	case "esc", "backspace":
		m.view = viewList
		return m, nil
	case "o":
		openURL(m.detailJob.URL)
		return m, nil
	}

	var cmd tea.Cmd
	m.detailViewport, cmd = m.detailViewport.Update(msg)
	return m, cmd
}

func (m previewModel) activeJobs() []model.Job {
	if m.activePane == paneListing {
		return m.preview.Listing
	}
	return m.preview.Fresh
}

func (m *previewModel) moveCursor(delta int) {
	n := len(m.activeJobs())
	m.cursors[m.activePane] = clamp(m.cursors[m.activePane]+delta, 0, max(n-1, 0))
	m.recalcContent()
	m.ensureCursorVisible()
}

func (m *previewModel) ensureCursorVisible() {
	vp := &m.leftViewport
	if m.activePane == paneFresh {
		vp = &m.rightViewport
	}
	top := m.cursors[m.activePane] * jobItemHeight
	bottom := top + jobItemHeight - 1
	if top < vp.YOffset {
		vp.SetYOffset(top)
	} else if bottom >= vp.YOffset+vp.Height {
		vp.SetYOffset(bottom - vp.Height + 1)
	}
}

func (m previewModel) openDetailView() (tea.Model, tea.Cmd) {
	jobs := m.activeJobs()
	if len(jobs) == 0 {
		return m, nil
	}

	job := jobs[m.cursors[m.activePane]]
	m.view = viewDetail
	m.detailJob = job
	m.detailError = ""
	m.detailViewport = viewport.New(m.width-4, m.height-4)
	m.detailViewport.SetContent(m.renderDetail())

	if m.detailer != nil && !job.HiringRate.Known() {
		m.detailLoading = true
		return m, m.fetchDetailCmd(job)
	}
	return m, nil
}

func (m previewModel) fetchDetailCmd(job model.Job) tea.Cmd {
	d := m.detailer
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		enriched, err := d.Detail(ctx, job)
		return detailFetchedMsg{job: enriched, err: err}
	}
}

// updateJob replaces job in both lists so re-entering doesn't re-fetch.
func (m *previewModel) updateJob(job model.Job) {
	for _, list := range [][]model.Job{m.preview.Listing, m.preview.Fresh} {
		for i := range list {
			if list[i].ID == job.ID {
				list[i] = job
				break
			}
		}
	}
}

func (m *previewModel) recalcLayout() {
	// 2 border chars per pane + 1 gap between panes.
	paneWidth := max((m.width-5)/2, 20)
	// Header + border top/bottom + status bar.
	paneHeight := max(m.height-4, 5)

	if !m.ready {
		m.leftViewport = viewport.New(paneWidth, paneHeight)
		m.rightViewport = viewport.New(paneWidth, paneHeight)
		m.ready = true
	} else {
		m.leftViewport.Width, m.leftViewport.Height = paneWidth, paneHeight
		m.rightViewport.Width, m.rightViewport.Height = paneWidth, paneHeight
	}
	m.recalcContent()
}

func (m *previewModel) recalcContent() {
	m.leftViewport.SetContent(renderJobs(m.preview.Listing, m.cursors[paneListing], m.activePane == paneListing, m.preview))
	m.rightViewport.SetContent(renderJobs(m.preview.Fresh, m.cursors[paneFresh], m.activePane == paneFresh, m.preview))
}

func (m previewModel) View() string {
	if !m.ready {
		return "Initializing..."
	}
	if m.view == viewDetail {
		return m.viewDetail()
	}
	return m.viewList()
}

func (m previewModel) viewList() string {
	paneWidth := m.leftViewport.Width

	leftHeader := fmt.Sprintf(" Listing page 1 (%d)", len(m.preview.Listing))
	rightHeader := fmt.Sprintf(" New since cursor (%d)", len(m.preview.Fresh))
	if !m.preview.Seeded {
		rightHeader = fmt.Sprintf(" First run, seeds without notifying (%d)", len(m.preview.Fresh))
	}

	leftHeaderStyle, rightHeaderStyle := activeHeaderStyle, inactiveHeaderStyle
	leftBorder, rightBorder := activeBorderStyle, inactiveBorderStyle
	if m.activePane == paneFresh {
		leftHeaderStyle, rightHeaderStyle = inactiveHeaderStyle, activeHeaderStyle
		leftBorder, rightBorder = inactiveBorderStyle, activeBorderStyle
	}

	headerRow := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(paneWidth+2).Render(leftHeaderStyle.Render(leftHeader)),
		" ",
		lipgloss.NewStyle().Width(paneWidth+2).Render(rightHeaderStyle.Render(rightHeader)),
	)
	panes := lipgloss.JoinHorizontal(lipgloss.Top,
		leftBorder.Width(paneWidth).Render(m.leftViewport.View()),
		" ",
		rightBorder.Width(paneWidth).Render(m.rightViewport.View()),
	)

	statusText := fmt.Sprintf(" %s | cursor %d | newest %d    ←/→/Tab switch  ↑/↓ cursor  Enter detail  Esc back  q quit",
		m.preview.Category.Name, m.preview.Cursor, m.preview.Newest.ID)
	statusBar := statusBarStyle.Width(m.width).Render(statusText)

	return headerRow + "\n" + panes + "\n" + statusBar
}

func (m previewModel) viewDetail() string {
	title := detailTitleStyle.Render("Job Details")
	if m.detailLoading {
		title += "  (loading job page...)"
	}
	content := activeBorderStyle.Width(m.width - 2).Render(m.detailViewport.View())
	statusBar := statusBarStyle.Width(m.width).Render(" o open URL  esc/backspace back  ↑/↓ scroll  q quit")
	return title + "\n" + content + "\n" + statusBar
}

func (m previewModel) renderDetail() string {
	j := m.detailJob
	var b strings.Builder

	addField := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(detailLabelStyle.Render(label))
		b.WriteString(value)
		b.WriteByte('\n')
	}

	addField("Title", j.Title)
	addField("Job ID", fmt.Sprint(j.ID))
	addField("Category", m.preview.Category.Name)
	addField("Budget", j.Budget)
	b.WriteByte('\n')
	if j.PostedAt != nil {
		addField("Posted At", j.PostedAt.Local().Format("2006-01-02 15:04 MST"))
	}
	rate := "not yet calculated"
	if j.HiringRate.Known() {
		rate = j.HiringRate.String()
	}
	addField("Hiring Rate", rate)
	addField("New", yesNo(!m.preview.Seeded || j.ID > m.preview.Cursor))
	b.WriteByte('\n')
	addField("URL", j.URL)

	if m.detailError != "" {
		b.WriteByte('\n')
		b.WriteString(errorStyle.Render("⚠ "+m.detailError) + "\n")
	}
	return b.String()
}

func renderJobs(jobs []model.Job, cursor int, isActive bool, p Preview) string {
	if len(jobs) == 0 {
		return "  (no jobs)"
	}

	var b strings.Builder
	for i, j := range jobs {
		titleSt, subtitleSt, prefix := jobTitleStyle, jobSubtitleStyle, "  "
		if isActive && i == cursor {
			titleSt, subtitleSt, prefix = selectedJobTitleStyle, selectedJobSubtitleStyle, "> "
		}

		b.WriteString(prefix)
		b.WriteString(titleSt.Render(j.Title))
		b.WriteByte('\n')

		posted := "n/a"
		if j.PostedAt != nil {
			posted = j.PostedAt.Format("2006-01-02")
		}
		mark := ""
		if p.Seeded && j.ID > p.Cursor {
			mark = " · new"
		}
		b.WriteString(prefix)
		b.WriteString(subtitleSt.Render(fmt.Sprintf("#%d · %s%s", j.ID, posted, mark)))
		b.WriteByte('\n')

		if i < len(jobs)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// openURL opens url in the default system browser, fire-and-forget.
func openURL(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return
	}
	_ = cmd.Start()
}

// RunPreviewTUI launches the split-pane preview. It returns wantQuit=true if
// the user pressed q/ctrl+c, false if they pressed esc to return to the picker.
func RunPreviewTUI(p Preview, d Detailer) (bool, error) {
	result, err := tea.NewProgram(newPreviewModel(p, d), tea.WithAltScreen()).Run()
	if err != nil {
		return false, err
	}
	return result.(previewModel).wantQuit, nil
}
