package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"p2pcall/pkg/webrtc/call"
)

// EventLine formats one session event for the terminal.
func EventLine(ev call.Event) string {
	switch ev.Type {
	case call.EventLocalStreamReady:
		n := 0
		if ev.Local != nil {
			n = len(ev.Local.Tracks())
		}
		return fmt.Sprintf("%s local media ready (%d tracks)", IconMedia, n)
	case call.EventRemoteStreamReady:
		id := ""
		if ev.Remote != nil {
			id = ev.Remote.ID
		}
		return fmt.Sprintf("%s remote stream %s from %s", IconMedia, MutedStyle.Render(id), BoldStyle.Render(ev.Participant))
	case call.EventConnectionStateChanged:
		return fmt.Sprintf("%s %s", IconConnect, stateStyle(ev.State).Render(ev.State.String()))
	case call.EventParticipantJoined:
		return fmt.Sprintf("%s %s joined", IconPeer, BoldStyle.Render(ev.Participant))
	case call.EventParticipantLeft:
		return fmt.Sprintf("%s %s left", IconPeer, MutedStyle.Render(ev.Participant))
	case call.EventError:
		return fmt.Sprintf("%s %s", ErrorStyle.Render(IconError), ErrorStyle.Render(fmt.Sprint(ev.Err)))
	default:
		return string(ev.Type)
	}
}

func stateStyle(s call.State) lipgloss.Style {
	switch s {
	case call.StateConnected:
		return SuccessStyle
	case call.StateFailed:
		return ErrorStyle
	case call.StateDisconnected:
		return WarningStyle
	default:
		return StatusStyle
	}
}

func PrintEvent(ev call.Event) {
	fmt.Fprintln(Out, EventLine(ev))
}
