package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/session"
)

const helpText = `commands:
  peers          list participants and link states
  pin <id>       toggle the spotlight on a participant ("local" for yourself)
  share          toggle screen sharing
  chat <text>    send a chat message
  leave          leave the call (ends it for everyone if you are the host)`

// controller is the part of a session the command loop drives.
type controller interface {
	Pin(id string) (session.Spotlight, error)
	ToggleScreenShare(ctx context.Context) error
	SendChat(text string) error
	Snapshot() session.View
}

func readCommands(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				out <- line
			}
		}
	}()
	return out
}

// execute runs one command line and reports whether the user asked to leave.
func execute(ctx context.Context, c controller, line string, w io.Writer) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "leave", "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(w, helpText)
	case "peers":
		writePeers(w, c.Snapshot())
	case "pin":
		if arg == "" {
			fmt.Fprintln(w, "usage: pin <id>")
			return false
		}
		spot, err := c.Pin(arg)
		if err != nil {
			fmt.Fprintf(w, "pin %s: %v\n", arg, err)
			return false
		}
		fmt.Fprintf(w, "spotlight: %s\n", spot)
	case "share":
		if err := c.ToggleScreenShare(ctx); err != nil {
			fmt.Fprintf(w, "share: %v\n", err)
		}
	case "chat":
		if err := c.SendChat(arg); err != nil {
			fmt.Fprintf(w, "chat: %v\n", err)
		}
	default:
		fmt.Fprintf(w, "unknown command %q, type 'help'\n", cmd)
	}
	return false
}

func writePeers(w io.Writer, v session.View) {
	fmt.Fprintf(w, "%s (you, %s) source=%s spotlight=%s\n", v.Local.DisplayName, v.Local.ID, v.Source, v.Spotlight)

	ids := make([]string, 0, len(v.Peers))
	for id := range v.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := v.Peers[id]
		flags := ""
		if p.ScreenSharing {
			flags += " sharing"
		}
		if p.Unreachable {
			flags += " unreachable"
		}
		fmt.Fprintf(w, "  %s (%s) %s%s\n", p.Participant.DisplayName, id, p.State, flags)
	}
}

// printer reports session events as lines on w.
func printer(w io.Writer) session.Observer {
	return session.Observer{
		OnPresence: func(participants []models.Participant) {
			names := make([]string, 0, len(participants))
			for _, p := range participants {
				names = append(names, p.DisplayName)
			}
			fmt.Fprintf(w, "* in call: %s\n", strings.Join(names, ", "))
		},
		OnPeerState: func(id string, state peer.State, unreachable bool) {
			if unreachable {
				fmt.Fprintf(w, "* %s is unreachable\n", id)
				return
			}
			fmt.Fprintf(w, "* %s: %s\n", id, state)
		},
		OnRemoteStream: func(id string, stream peer.RemoteStream) {
			fmt.Fprintf(w, "* receiving media from %s\n", id)
		},
		OnScreenShare: func(id string, sharing bool) {
			if sharing {
				fmt.Fprintf(w, "* %s started sharing their screen\n", id)
			} else {
				fmt.Fprintf(w, "* %s stopped sharing\n", id)
			}
		},
		OnLocalSource: func(source media.Source) {
			fmt.Fprintf(w, "* now sending %s\n", source)
		},
		OnSpotlight: func(s session.Spotlight) {
			fmt.Fprintf(w, "* spotlight: %s\n", s)
		},
		OnChat: func(_, name, text string) {
			fmt.Fprintf(w, "<%s> %s\n", name, text)
		},
		OnPeerLeft: func(id string) {
			fmt.Fprintf(w, "* %s left\n", id)
		},
		OnEnded: func(reason session.EndReason) {
			fmt.Fprintf(w, "* call ended (%s)\n", reason)
		},
	}
}
