package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lingo/agent"
	"lingo/conversation"
	"lingo/playback"
)

// TUI message types
type SnapshotMsg struct{ Snapshot conversation.Snapshot }
type FailureMsg struct{ Failure conversation.Failure }
type AudioLevelMsg struct{ Level float64 }
type TranscriptMsg struct{ Entries []conversation.Entry }
type toggleResultMsg struct{ err error }
type tickMsg time.Time

const (
	panelWidth   = 40
	meterWidth   = 30
	meterFullRMS = 0.25
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	faintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	agentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	meterOnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	stateStyles = map[conversation.State]lipgloss.Style{
		conversation.Idle:             dimStyle,
		conversation.Recording:        recStyle,
		conversation.Sending:          lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		conversation.AwaitingResponse: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		conversation.Playing:          agentStyle,
	}
	connColors = map[agent.State]string{
		agent.Disconnected: "241",
		agent.Connecting:   "220",
		agent.Connected:    "42",
		agent.Failed:       "160",
	}
)

type tuiModel struct {
	toggle func() error
	cue    func(playback.Cue)

	snap        conversation.Snapshot
	recStart    time.Time
	recDuration time.Duration
	level       float64
	entries     []conversation.Entry
	lastError   string
	noVoice     bool
	silence     *silenceMonitor
	handsFree   bool
	autoStopped bool // toggle sent, waiting for the recording to end

	sessionLine string
	deviceLine  string
	width       int
	height      int
}

// newTUIModel builds the model. toggle is called off the UI goroutine since
// opening the microphone can take a while.
func newTUIModel(toggle func() error, cue func(playback.Cue), sess agent.Session, deviceLine string, handsFree bool) tuiModel {
	return tuiModel{
		toggle:      toggle,
		cue:         cue,
		silence:     newSilenceMonitor(handsFree),
		handsFree:   handsFree,
		sessionLine: sessionLineText(sess),
		deviceLine:  deviceLine,
	}
}

func NewTUIProgram(m tuiModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

// tuiSink delivers conversation events into a running program.
type tuiSink struct{ p *tea.Program }

func (s tuiSink) StateChanged(snap conversation.Snapshot) { s.p.Send(SnapshotMsg{snap}) }
func (s tuiSink) Failure(f conversation.Failure)          { s.p.Send(FailureMsg{f}) }
func (s tuiSink) AudioLevel(level float64)                { s.p.Send(AudioLevelMsg{level}) }
func (s tuiSink) TranscriptChanged(e []conversation.Entry) {
	s.p.Send(TranscriptMsg{e})
}

func sessionLineText(s agent.Session) string {
	prof := string(s.Proficiency)
	if prof == "" {
		prof = string(agent.Beginner)
	}
	return fmt.Sprintf("%s | %s | age %d | %s", s.TargetLanguage, s.Topic, s.UserAge, prof)
}

func tuiTick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) toggleCmd() tea.Cmd {
	toggle := m.toggle
	return func() tea.Msg {
		return toggleResultMsg{err: toggle()}
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case " ", "enter":
			return m, m.toggleCmd()
		}

	case toggleResultMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}

	case tickMsg:
		if m.snap.Recording() {
			m.recDuration = time.Since(m.recStart)
		}
		if m.snap.Recording() && !m.autoStopped {
			switch m.silence.Tick() {
			case SilenceWarn:
				m.noVoice = true
			case SilenceWarnClear:
				m.noVoice = false
			case SilenceRepeat:
				if m.cue != nil {
					m.cue(playback.CueError)
				}
			case SilenceAutoStop:
				m.lastError = "Stopped: no voice heard"
				m.autoStopped = true
				return m, tea.Batch(tuiTick(), m.toggleCmd())
			}
		}
		return m, tuiTick()

	case SnapshotMsg:
		was := m.snap.Recording()
		m.snap = msg.Snapshot
		if !was && m.snap.Recording() {
			m.recStart = time.Now()
			m.recDuration = 0
			m.level = 0
			m.noVoice = false
			m.silence = newSilenceMonitor(m.handsFree)
			m.autoStopped = false
			m.lastError = ""
		}
		if !m.snap.Recording() {
			m.level = 0
			m.noVoice = false
		}

	case AudioLevelMsg:
		if m.snap.Recording() {
			m.level = m.level*0.6 + msg.Level*0.4
			m.silence.Observe(msg.Level)
		}

	case FailureMsg:
		m.lastError = msg.Failure.Message

	case TranscriptMsg:
		m.entries = msg.Entries
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var left []string
	left = append(left, m.statusLine())
	left = append(left, m.connLine())
	left = append(left, "")
	left = append(left, renderMeter(m.level, m.snap.Recording()))
	if m.noVoice {
		left = append(left, warnStyle.Render("  no voice detected"))
	}
	if m.lastError != "" {
		left = append(left, "")
		for _, line := range wrapText(m.lastError, panelWidth-2) {
			left = append(left, errStyle.Render(line))
		}
	}
	left = append(left, "")
	left = append(left, dimStyle.Render(m.sessionLine))
	if m.deviceLine != "" {
		left = append(left, dimStyle.Render(m.deviceLine))
	}
	left = append(left, "")
	left = append(left, keyStyle.Render("space")+faintStyle.Render(" to talk, ")+keyStyle.Render("q")+faintStyle.Render(" to quit"))
	left = append(left, faintStyle.Render("lingo "+version))

	leftPanel := lipgloss.NewStyle().
		Width(panelWidth).
		Height(m.height).
		Render(strings.Join(left, "\n"))

	rightWidth := max(m.width-panelWidth-1, 20)
	rightPanel := lipgloss.NewStyle().
		Width(rightWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(m.transcriptView(rightWidth-2, m.height))

	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}

func (m tuiModel) statusLine() string {
	style := stateStyles[m.snap.State]
	switch {
	case m.snap.Recording():
		return style.Render(fmt.Sprintf("● REC %.1fs", m.recDuration.Seconds()))
	case m.snap.Busy:
		return dimStyle.Render("◌ working...")
	case m.snap.State == conversation.Idle:
		return style.Render("○ READY")
	}
	return style.Render("◉ " + strings.ToUpper(m.snap.State.String()))
}

func (m tuiModel) connLine() string {
	color, ok := connColors[m.snap.Conn]
	if !ok {
		color = "241"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("tutor: " + m.snap.Conn.String())
}

func renderMeter(level float64, recording bool) string {
	if !recording {
		return faintStyle.Render(strings.Repeat("·", meterWidth))
	}
	filled := min(int(level/meterFullRMS*meterWidth), meterWidth)
	return meterOnStyle.Render(strings.Repeat("█", filled)) + faintStyle.Render(strings.Repeat("·", meterWidth-filled))
}

// transcriptView renders the newest entries that fit in height lines.
func (m tuiModel) transcriptView(width, height int) string {
	if len(m.entries) == 0 {
		return dimStyle.Render("Press space and say something")
	}
	width = max(width, 10)

	var lines []string
	for i := len(m.entries) - 1; i >= 0 && len(lines) < height-2; i-- {
		e := m.entries[i]
		style, who := userStyle, "you"
		if e.Origin == conversation.Agent {
			style, who = agentStyle, "tutor"
		}
		head := dimStyle.Render(e.Timestamp.Format("15:04:05")+" ") + style.Bold(true).Render(who)
		block := []string{head}
		for _, l := range wrapText(e.Text, width-2) {
			block = append(block, "  "+style.Render(l))
		}
		lines = append(block, lines...)
	}
	title := titleStyle.Render(fmt.Sprintf("Conversation (%d turns)", len(m.entries)))
	return title + "\n\n" + strings.Join(lines, "\n")
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
