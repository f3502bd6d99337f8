package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/engine"
)

const commandUsage = `commands:
  status           show sync status and play-all
  resync           re-run the join handshake
  select <video>   switch the room to another catalog item
  play-all on|off  toggle playlist auto-advance
  chat <text>      send a chat message
  hangup           end/decline the current call
  help             this text`

type iEngineCommands interface {
	Resync()
	SelectVideo(video string)
	SetPlayAll(playAll bool)
	PlayAll() bool
	Status() engine.Status
}

type iSender interface {
	PeerID() string
	SendChat(domain.ChatPayload) error
	SendSignal(msgType string, payload json.RawMessage) error
}

// runCommands drives the peer's user-action surface: one command per
// line read from r (stdin in main). Returns when the reader is
// exhausted or ctx is done.
func runCommands(ctx context.Context, r io.Reader, out io.Writer, eng iEngineCommands, sender iSender, clock clockwork.Clock) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reply, err := execCommand(scanner.Text(), eng, sender, clock)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if reply != "" {
			fmt.Fprintln(out, reply)
		}
	}
}

func execCommand(line string, eng iEngineCommands, sender iSender, clock clockwork.Clock) (string, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		return "", nil

	case "status":
		return fmt.Sprintf("status: %s, play-all: %t", eng.Status(), eng.PlayAll()), nil

	case "resync":
		eng.Resync()
		return "resync requested", nil

	case "select":
		if arg == "" {
			return "", fmt.Errorf("usage: select <video>")
		}
		eng.SelectVideo(arg)
		return "selected " + arg, nil

	case "play-all":
		switch arg {
		case "on":
			eng.SetPlayAll(true)
		case "off":
			eng.SetPlayAll(false)
		default:
			return "", fmt.Errorf("usage: play-all on|off")
		}
		return "play-all " + arg, nil

	case "chat":
		if arg == "" {
			return "", fmt.Errorf("usage: chat <text>")
		}
		err := sender.SendChat(domain.ChatPayload{
			Text:   arg,
			Sender: sender.PeerID(),
			At:     clock.Now().UnixMilli(),
		})
		if err != nil {
			return "", err
		}
		return "sent", nil

	case "hangup":
		if err := sender.SendSignal(domain.MsgCallEnd, json.RawMessage(`{}`)); err != nil {
			return "", err
		}
		return "call ended", nil

	case "help":
		return commandUsage, nil

	default:
		return "", fmt.Errorf("unknown command %q (try help)", cmd)
	}
}
