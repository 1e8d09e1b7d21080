package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/session"
	"github.com/stranger-cam/stranger/internal/utils"
)

// Controller is the part of the session coordinator the view drives.
type Controller interface {
	Skip()
	ToggleMic()
	ToggleCamera()
	Retry()
	Shutdown()
	Updates() <-chan session.State
	Done() <-chan struct{}
}

// TickMsg is sent periodically to refresh the connection stats
type TickMsg time.Time

type stateMsg session.State

type stoppedMsg struct{}

type keyMap struct {
	Next   key.Binding
	Mic    key.Binding
	Camera key.Binding
	Retry  key.Binding
	Quit   key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Next: key.NewBinding(
			key.WithKeys("n", "s", " "),
			key.WithHelp("n/s", "next stranger"),
		),
		Mic: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "mic"),
		),
		Camera: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "camera"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Mic, k.Camera, k.Retry, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// ChatModel renders the coordinator state and forwards key presses to it.
type ChatModel struct {
	ctrl    Controller
	state   session.State
	keys    keyMap
	help    help.Model
	spinner spinner.Model

	connectedAt time.Time
	now         time.Time
	quitting    bool
}

// NewChatModel creates the interactive view for ctrl.
func NewChatModel(ctrl Controller) *ChatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	m := &ChatModel{
		ctrl:    ctrl,
		keys:    newKeyMap(),
		help:    help.New(),
		spinner: s,
		now:     time.Now(),
	}
	m.syncKeys()
	return m
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *ChatModel) waitForState() tea.Cmd {
	updates, done := m.ctrl.Updates(), m.ctrl.Done()
	return func() tea.Msg {
		select {
		case st := <-updates:
			return stateMsg(st)
		case <-done:
			return stoppedMsg{}
		}
	}
}

func (m *ChatModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForState(), tickCmd())
}

func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if !m.quitting {
				m.quitting = true
				m.ctrl.Shutdown()
			}
		case key.Matches(msg, m.keys.Next):
			m.ctrl.Skip()
		case key.Matches(msg, m.keys.Mic):
			m.ctrl.ToggleMic()
		case key.Matches(msg, m.keys.Camera):
			m.ctrl.ToggleCamera()
		case key.Matches(msg, m.keys.Retry):
			m.ctrl.Retry()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case stateMsg:
		m.setState(session.State(msg))
		return m, m.waitForState()

	case stoppedMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		m.now = time.Time(msg)
		if m.quitting {
			return m, nil
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m *ChatModel) setState(st session.State) {
	switch {
	case st.Connected && (!m.state.Connected || m.state.RoomID != st.RoomID):
		m.connectedAt = time.Now()
		m.now = m.connectedAt
	case !st.Connected:
		m.connectedAt = time.Time{}
	}
	m.state = st
	m.syncKeys()
}

func (m *ChatModel) syncKeys() {
	phase := m.state.Phase
	live := phase == session.Waiting || phase == session.InSession
	m.keys.Next.SetEnabled(live)
	m.keys.Mic.SetEnabled(live && m.state.Local != nil && m.state.Local.HasAudio())
	m.keys.Camera.SetEnabled(live && m.state.Local != nil && m.state.Local.HasVideo())
	m.keys.Retry.SetEnabled(phase == session.Error)
}

func (m *ChatModel) View() string {
	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s Stranger - Random Video Chat", IconVideo)))
	b.WriteString("\n\n")

	switch m.state.Phase {
	case session.AcquiringMedia:
		b.WriteString(fmt.Sprintf("%s Requesting camera and microphone...", m.spinner.View()))
	case session.Error:
		b.WriteString(m.viewError())
	case session.Waiting:
		b.WriteString(fmt.Sprintf("%s Looking for a stranger...", m.spinner.View()))
	case session.InSession:
		b.WriteString(m.viewSession())
	}

	if m.state.Local != nil {
		b.WriteString("\n\n")
		b.WriteString(fmt.Sprintf("You:  %s mic %s  %s camera %s",
			IconMic, onOff(m.state.AudioEnabled),
			IconCamera, onOff(m.state.VideoEnabled),
		))
	}
	if m.state.Notice != "" {
		b.WriteString("\n")
		b.WriteString(WarningStyle.Render(fmt.Sprintf("%s %s", IconWarning, m.state.Notice)))
	}

	b.WriteString("\n")
	b.WriteString(m.viewFooter())

	return ContainerStyle.Render(b.String())
}

func (m *ChatModel) viewError() string {
	hint := "Connect a camera or microphone, then press r to retry."
	if errors.Is(m.state.Err, media.ErrPermissionDenied) {
		hint = "Grant access to the camera and microphone, then press r to retry."
	}

	msg := "media unavailable"
	if m.state.Err != nil {
		msg = m.state.Err.Error()
	}
	content := fmt.Sprintf("%s %s\n\n%s",
		IconError, ErrorStyle.Render(msg),
		MutedStyle.Render(hint),
	)
	return ErrorBoxStyle.Render(content)
}

func (m *ChatModel) viewSession() string {
	st := m.state

	status := fmt.Sprintf("%s Negotiating...", m.spinner.View())
	if st.Connected {
		status = SuccessStyle.Render(fmt.Sprintf("%s Connected", IconConnect))
	}

	pairs := [][2]string{
		{IconRoom + " Room", BoldStyle.Foreground(Primary).Render(st.RoomID)},
		{IconPeer + " Role", st.Role.String()},
		{"Status", status},
	}

	if st.Connected {
		pairs = append(pairs,
			[2]string{"Stranger", fmt.Sprintf("%s mic %s  %s camera %s",
				IconMic, onOff(st.RemoteAudio),
				IconCamera, onOff(st.RemoteVideo),
			)},
			[2]string{IconTime + " Time", utils.FormatTimeDuration(m.now.Sub(m.connectedAt))},
		)
		if st.Remote != nil {
			stats := st.Remote.Stats()
			pairs = append(pairs, [2]string{IconSpeed + " Recv", fmt.Sprintf("%s  (%s, %d audio / %d video packets)",
				utils.FormatBitrate(stats.BytesPerSecond),
				utils.FormatSize(stats.Bytes),
				stats.AudioPackets, stats.VideoPackets,
			)})
		}
		return ConnectedBoxStyle.Render(keyValueView(pairs))
	}
	return SessionBoxStyle.Render(keyValueView(pairs))
}

func (m *ChatModel) viewFooter() string {
	if m.quitting {
		return FooterStyle.Render("Hanging up...")
	}
	return FooterStyle.Render(m.help.View(m.keys))
}
