package bot

import (
	"context"
	"time"

	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/format"
	"github.com/itstheanurag/haskbot/internal/metrics"
	"github.com/itstheanurag/haskbot/internal/worker"
	"github.com/rs/zerolog"
)

// InboundMessage is the transport-neutral view of a chat message.
type InboundMessage struct {
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	MentionsBot bool
	RawText     string
}

type Sender interface {
	Send(ctx context.Context, channelID string, p format.Payload) error
}

type MessageHandler interface {
	OnMessage(ctx context.Context, msg InboundMessage)
}

// Gateway is a chat connection with an explicit lifecycle: Open on startup,
// Close on shutdown.
type Gateway interface {
	Sender
	Open(ctx context.Context, h MessageHandler) error
	Close() error
}

type Executor interface {
	Execute(ctx context.Context, req executor.Request) worker.Response
}

// Replies are still delivered while shutting down.
const sendTimeout = 10 * time.Second

type Handler struct {
	exec   Executor
	sender Sender
	logger *zerolog.Logger
}

var _ MessageHandler = (*Handler)(nil)

func NewHandler(exec Executor, sender Sender, logger *zerolog.Logger) *Handler {
	return &Handler{exec: exec, sender: sender, logger: logger}
}

// OnMessage answers messages that mention the bot and are not from a bot.
// Every code request gets exactly one reply.
func (h *Handler) OnMessage(ctx context.Context, msg InboundMessage) {
	if msg.AuthorIsBot || !msg.MentionsBot {
		return
	}

	trigger := Classify(msg.RawText)
	metrics.MessagesTotal.WithLabelValues(trigger.Kind.String()).Inc()

	var reply format.Payload
	switch trigger.Kind {
	case TriggerMeme:
		reply = format.Payload{Text: MemeReply(trigger.Caption)}
	case TriggerCode:
		req := executor.NewRequest(trigger.Language, trigger.Source, "user:"+msg.AuthorID)
		reply = h.exec.Execute(ctx, req).Payload
	default:
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := h.sender.Send(sendCtx, msg.ChannelID, reply); err != nil {
		h.logger.Error().Err(err).
			Str("channel", msg.ChannelID).
			Str("trigger", trigger.Kind.String()).
			Msg("failed to send reply")
	}
}
