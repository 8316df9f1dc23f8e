// Package slack delivers dialogue turns over Slack Socket Mode. Direct
// messages and mentions become turns keyed by the sender's Slack user id.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"trustvoice-dialogue/internal/config"
	"trustvoice-dialogue/internal/usecase"
)

const fallbackReply = "Sorry, something went wrong on our side. Please try again in a moment."

var resetPhrases = map[string]bool{
	"reset":      true,
	"cancel":     true,
	"start over": true,
}

// languageTag matches an optional leading "[am]" style tag.
var languageTag = regexp.MustCompile(`^\[([A-Za-z]{2,3})\]\s*`)

// Conversation is the use case surface the bot drives.
type Conversation interface {
	Converse(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	Reset(ctx context.Context, userID string) (string, error)
}

type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// IncomingMessage is one user message with the bot mention stripped.
type IncomingMessage struct {
	Text      string
	UserID    string
	ChannelID string
	ThreadTS  string
}

// Bot manages the Slack connection and event handling.
type Bot struct {
	poster          poster
	socketClient    *socketmode.Client
	conversation    Conversation
	botUserID       string
	defaultLanguage string
	logger          *slog.Logger

	// queues holds pending messages per user; a key is present while that
	// user's worker is running.
	mu     sync.Mutex
	queues map[string][]*IncomingMessage
}

// NewBot connects to Slack and resolves the bot's own user id.
func NewBot(cfg *config.Config, conversation Conversation, logger *slog.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, errors.New("slack: config must not be nil")
	}
	if err := cfg.ValidateSlack(); err != nil {
		return nil, err
	}
	client := slack.New(
		cfg.SlackBotToken,
		slack.OptionAppLevelToken(cfg.SlackAppToken),
	)
	socketClient := socketmode.New(
		client,
		socketmode.OptionDebug(cfg.LogLevel == "debug"),
	)

	authTest, err := client.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: authenticate: %w", err)
	}

	b, err := newBot(client, conversation, authTest.UserID, cfg.DefaultLanguage, logger)
	if err != nil {
		return nil, err
	}
	b.socketClient = socketClient
	return b, nil
}

func newBot(p poster, conversation Conversation, botUserID, defaultLanguage string, logger *slog.Logger) (*Bot, error) {
	if p == nil {
		return nil, errors.New("slack: poster must not be nil")
	}
	if conversation == nil {
		return nil, errors.New("slack: conversation must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		poster:          p,
		conversation:    conversation,
		botUserID:       botUserID,
		defaultLanguage: defaultLanguage,
		logger:          logger,
		queues:          make(map[string][]*IncomingMessage),
	}, nil
}

// Run starts the bot and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.socketClient == nil {
		return errors.New("slack: bot was not connected")
	}
	go b.handleEvents(ctx)

	b.logger.Info("starting Slack bot", "bot_user_id", b.botUserID)
	return b.socketClient.RunContext(ctx)
}

func (b *Bot) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.socketClient.Events:
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socketClient.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		if msg := b.incomingMessage(eventsAPIEvent); msg != nil {
			b.dispatch(ctx, msg)
		}
	case socketmode.EventTypeConnecting:
		b.logger.Info("connecting to Slack...")
	case socketmode.EventTypeConnected:
		b.logger.Info("connected to Slack")
	case socketmode.EventTypeConnectionError:
		b.logger.Error("connection error", "error", evt.Data)
	}
}

// incomingMessage extracts a turn from a callback event, or returns nil.
func (b *Bot) incomingMessage(evt slackevents.EventsAPIEvent) *IncomingMessage {
	switch inner := evt.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return &IncomingMessage{
			Text:      b.stripBotMention(inner.Text),
			UserID:    inner.User,
			ChannelID: inner.Channel,
			ThreadTS:  threadOf(inner.ThreadTimeStamp, inner.TimeStamp),
		}
	case *slackevents.MessageEvent:
		// Bot echoes, edits and channel chatter are not turns.
		if inner.BotID != "" || inner.SubType != "" || inner.ChannelType != "im" {
			return nil
		}
		return &IncomingMessage{
			Text:      inner.Text,
			UserID:    inner.User,
			ChannelID: inner.Channel,
			ThreadTS:  threadOf(inner.ThreadTimeStamp, inner.TimeStamp),
		}
	}
	return nil
}

// dispatch queues msg behind the sender's earlier messages. Each user gets
// one worker, so turns reach the conversation in receipt order while the
// event loop stays free.
func (b *Bot) dispatch(ctx context.Context, msg *IncomingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, running := b.queues[msg.UserID]
	b.queues[msg.UserID] = append(pending, msg)
	if !running {
		go b.drain(ctx, msg.UserID)
	}
}

func (b *Bot) drain(ctx context.Context, userID string) {
	for {
		b.mu.Lock()
		pending := b.queues[userID]
		if len(pending) == 0 {
			delete(b.queues, userID)
			b.mu.Unlock()
			return
		}
		msg := pending[0]
		b.queues[userID] = pending[1:]
		b.mu.Unlock()

		b.processMessage(ctx, msg)
	}
}

func threadOf(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}

func (b *Bot) processMessage(ctx context.Context, msg *IncomingMessage) {
	reply := b.reply(ctx, msg)
	if reply == "" {
		return
	}
	opts := []slack.MsgOption{slack.MsgOptionText(reply, false)}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	if _, _, err := b.poster.PostMessageContext(ctx, msg.ChannelID, opts...); err != nil {
		b.logger.Error("failed to send message", "channel", msg.ChannelID, "error", err)
	}
}

// reply runs msg through the conversation and returns the text to post.
func (b *Bot) reply(ctx context.Context, msg *IncomingMessage) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.UserID == "" {
		return ""
	}
	log := b.logger.With("user_id", msg.UserID, "channel", msg.ChannelID)

	if resetPhrases[strings.ToLower(strings.Trim(text, " .!"))] {
		out, err := b.conversation.Reset(ctx, msg.UserID)
		if err != nil {
			log.Error("reset failed", "error", err)
			return fallbackReply
		}
		return out
	}

	language := b.defaultLanguage
	if m := languageTag.FindStringSubmatch(text); m != nil {
		language = strings.ToLower(m[1])
		text = strings.TrimSpace(text[len(m[0]):])
		if text == "" {
			return ""
		}
	}

	out, err := b.conversation.Converse(ctx, usecase.TurnInput{
		UserID:     msg.UserID,
		Language:   language,
		Transcript: text,
	})
	if err != nil {
		var ue *usecase.Error
		if errors.As(err, &ue) && ue.Code == usecase.ErrorInvalidInput {
			log.Warn("rejected message", "reason", ue.Reason)
			return "Sorry, I couldn't use that message. Please keep it short and try again."
		}
		log.Error("turn failed", "error", err)
		if out.Reply != "" {
			return out.Reply
		}
		return fallbackReply
	}
	log.Debug("turn handled", "turn_id", out.TurnID, "ready", out.Decision.Ready)
	return out.Reply
}

func (b *Bot) stripBotMention(text string) string {
	mention := fmt.Sprintf("<@%s>", b.botUserID)
	text = strings.Replace(text, mention, "", 1)
	return strings.TrimSpace(text)
}
