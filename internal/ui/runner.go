package ui

import (
	"context"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stranger-cam/stranger/internal/session"
)

// ChatUI runs the interactive view in its own goroutine.
type ChatUI struct {
	program *tea.Program
	model   *ChatModel
	err     error
	wg      sync.WaitGroup
}

// NewChatUI creates the interactive view for ctrl. Extra program options are
// used by tests to swap the terminal for buffers.
func NewChatUI(ctrl Controller, opts ...tea.ProgramOption) *ChatUI {
	model := NewChatModel(ctrl)
	return &ChatUI{
		model:   model,
		program: tea.NewProgram(model, opts...),
	}
}

// Start starts the UI in a goroutine. The default is inline mode, which
// keeps previous terminal output visible.
func (ui *ChatUI) Start() {
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		if _, err := ui.program.Run(); err != nil {
			ui.err = fmt.Errorf("ui: %w", err)
		}
	}()
}

// Wait blocks until the view exits, which happens once the controller has
// stopped.
func (ui *ChatUI) Wait() error {
	ui.wg.Wait()
	return ui.err
}

// ReportPlain prints one line per visible state change until ctrl stops. It
// is the non-interactive alternative to ChatUI.
func ReportPlain(ctx context.Context, w io.Writer, ctrl Controller) {
	var last string
	for {
		select {
		case st := <-ctrl.Updates():
			if line := plainLine(st); line != last {
				fmt.Fprintln(w, line)
				last = line
			}
		case <-ctrl.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func plainLine(st session.State) string {
	switch st.Phase {
	case session.AcquiringMedia:
		return fmt.Sprintf("%s requesting camera and microphone", IconWaiting)
	case session.Error:
		return fmt.Sprintf("%s %v", IconError, st.Err)
	case session.Waiting:
		return fmt.Sprintf("%s looking for a stranger (mic %s, camera %s)", IconWaiting, plainOnOff(st.AudioEnabled), plainOnOff(st.VideoEnabled))
	case session.InSession:
		if st.Connected {
			return fmt.Sprintf("%s connected in room %s (stranger mic %s, camera %s)", IconConnect, st.RoomID, plainOnOff(st.RemoteAudio), plainOnOff(st.RemoteVideo))
		}
		return fmt.Sprintf("%s matched in room %s as %s", IconPeer, st.RoomID, st.Role)
	}
	return st.Phase.String()
}

func plainOnOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
