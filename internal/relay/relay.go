package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/session"
)

// Conversations abstracts the session orchestrator for the daemon, enabling
// test fakes.
type Conversations interface {
	SendTurn(ctx context.Context, convoID, userName, message string, images []string, cb session.TurnCallbacks) (*session.TurnResult, error)
	SetModel(ctx context.Context, convoID, provider, model string) error
	SetThinkingLevel(ctx context.Context, convoID, level string) error
	Clear(convoID string, preserveModel bool) error
	BridgeID(convoID string) string
}

// Watches abstracts the notification watcher. Optional.
type Watches interface {
	Watch(bridgeID, label, owner string) (bool, error)
}

// Daemon is the chat relay process. It connects to a platform via an
// Adapter, maps each thread to a conversation, and pumps turns through the
// orchestrator.
type Daemon struct {
	convos  Conversations
	watches Watches
	adapter Adapter
	out     io.Writer
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Conversations Conversations
	Adapter       Adapter
	Watches       Watches   // optional; !watch replies with an error without it
	Out           io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Conversations == nil {
		return nil, fmt.Errorf("relay: conversations is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		convos:  opts.Conversations,
		watches: opts.Watches,
		adapter: opts.Adapter,
		out:     out,
	}, nil
}

// Run starts the relay daemon. It connects the adapter and pumps inbound
// messages until the context is cancelled, then closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Relay connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}

	fmt.Fprintf(d.out, "Relay online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Relay shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("relay: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Relay stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Relay inbound channel closed\n")
				return nil
			}
			if msg.UserID != "" && msg.UserID == botUserID {
				continue
			}
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			// Turns block until the agent finishes; handle each message on
			// its own goroutine so other threads keep flowing. Per-thread
			// ordering is enforced downstream.
			go d.handle(ctx, msg)
		}
	}
}

// convoID derives the stable conversation identity for a message. Each
// thread is its own conversation; top-level messages share the channel
// conversation.
func convoID(msg InboundMessage) string {
	if msg.ThreadID != "" {
		return msg.Platform + ":" + msg.ChannelID + ":" + msg.ThreadID
	}
	return msg.Platform + ":" + msg.ChannelID
}

// handle routes one inbound message: control commands start with "!",
// everything else is a turn.
func (d *Daemon) handle(ctx context.Context, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "!") {
		d.handleCommand(ctx, msg, text)
		return
	}
	d.handleTurn(ctx, msg, text)
}

func (d *Daemon) handleCommand(ctx context.Context, msg InboundMessage, text string) {
	id := convoID(msg)
	fields := strings.Fields(text)
	cmd := fields[0]

	switch cmd {
	case "!help":
		d.reply(ctx, msg, helpText)

	case "!new":
		if err := d.convos.Clear(id, true); err != nil {
			d.reply(ctx, msg, fmt.Sprintf("clear failed: %v", err))
			return
		}
		d.reply(ctx, msg, "Conversation cleared. Model selection kept.")

	case "!reset":
		if err := d.convos.Clear(id, false); err != nil {
			d.reply(ctx, msg, fmt.Sprintf("reset failed: %v", err))
			return
		}
		d.reply(ctx, msg, "Conversation and preferences reset.")

	case "!model":
		if len(fields) < 3 {
			d.reply(ctx, msg, "Usage: !model <provider> <model>")
			return
		}
		if err := d.convos.SetModel(ctx, id, fields[1], fields[2]); err != nil {
			d.reply(ctx, msg, fmt.Sprintf("set model failed: %v", err))
			return
		}
		d.reply(ctx, msg, fmt.Sprintf("Model set to %s/%s.", fields[1], fields[2]))

	case "!thinking":
		if len(fields) < 2 {
			d.reply(ctx, msg, "Usage: !thinking <off|low|medium|high>")
			return
		}
		if err := d.convos.SetThinkingLevel(ctx, id, fields[1]); err != nil {
			d.reply(ctx, msg, fmt.Sprintf("set thinking level failed: %v", err))
			return
		}
		d.reply(ctx, msg, fmt.Sprintf("Thinking level set to %s.", fields[1]))

	case "!watch":
		d.armWatch(ctx, msg, fields)

	default:
		d.reply(ctx, msg, fmt.Sprintf("Unknown command %s. Try !help.", cmd))
	}
}

func (d *Daemon) armWatch(ctx context.Context, msg InboundMessage, fields []string) {
	if d.watches == nil {
		d.reply(ctx, msg, "Notifications are not configured.")
		return
	}
	bridgeID := d.convos.BridgeID(convoID(msg))
	if bridgeID == "" {
		d.reply(ctx, msg, "No agent is running for this thread.")
		return
	}
	label := ""
	if len(fields) > 1 {
		label = strings.Join(fields[1:], " ")
	}
	armed, err := d.watches.Watch(bridgeID, label, ownerKey(msg))
	if err != nil {
		d.reply(ctx, msg, fmt.Sprintf("watch failed: %v", err))
		return
	}
	if !armed {
		d.reply(ctx, msg, "Already watching this thread's agent.")
		return
	}
	d.reply(ctx, msg, "Watching. You'll be pinged here when the agent finishes.")
}

func (d *Daemon) handleTurn(ctx context.Context, msg InboundMessage, text string) {
	id := convoID(msg)
	res, err := d.convos.SendTurn(ctx, id, msg.UserName, text, nil, session.TurnCallbacks{})
	if err != nil {
		d.reply(ctx, msg, turnErrorText(err))
		return
	}

	switch res.State {
	case session.TurnNeedsModel:
		d.reply(ctx, msg, "The agent needs a model. Pick one with !model <provider> <model>, then resend your message.")
	case session.TurnNeedsProject:
		d.reply(ctx, msg, "The agent needs a project folder and none is configured for this relay.")
	default:
		reply := strings.TrimSpace(res.Text)
		if reply == "" {
			reply = "(no output)"
		}
		for _, chunk := range chunkMessage(reply, discordMessageLimit) {
			d.reply(ctx, msg, chunk)
		}
	}
}

// turnErrorText maps turn failures onto user-facing text.
func turnErrorText(err error) string {
	var timeout *session.TurnTimeoutError
	var exited *bridge.ProcessExitedError
	switch {
	case errors.As(err, &timeout):
		return fmt.Sprintf("The agent is taking too long (over %s). It is still running; check back or !new to start over.", timeout.After)
	case errors.As(err, &exited):
		return "The agent process died mid-turn. Send your message again to restart it."
	default:
		return fmt.Sprintf("Turn failed: %v", err)
	}
}

func (d *Daemon) reply(ctx context.Context, msg InboundMessage, text string) {
	err := d.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      text,
	})
	if err != nil {
		log.Printf("relay: send to %s: %v", msg.ChannelID, err)
	}
}

const helpText = `Commands:
!new - start a fresh conversation (keeps model selection)
!reset - start over and drop all preferences
!model <provider> <model> - pick the agent model
!thinking <off|low|medium|high> - set reasoning effort
!watch [label] - ping this thread when the agent finishes
Anything else is sent to the agent as a prompt.`

// ownerKey encodes where a watch notification should land.
func ownerKey(msg InboundMessage) string {
	return msg.ChannelID + "|" + msg.ThreadID
}

// AdapterNotifier returns a notify-compatible sink that posts completion
// notices back into the thread that armed them.
func AdapterNotifier(a Adapter) func(owner, text string) error {
	return func(owner, text string) error {
		channelID, threadID, _ := strings.Cut(owner, "|")
		return a.Send(context.Background(), OutboundMessage{
			ChannelID: channelID,
			ThreadID:  threadID,
			Text:      text,
		})
	}
}
