package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/require"

	"trustvoice-dialogue/internal/domain"
	"trustvoice-dialogue/internal/usecase"
)

type stubConversation struct {
	mu       sync.Mutex
	out      usecase.TurnOutput
	err      error
	inputs   []usecase.TurnInput
	resets   []string
	resetErr error
	delay    func(in usecase.TurnInput) time.Duration
}

func (s *stubConversation) Converse(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	if s.delay != nil {
		time.Sleep(s.delay(in))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	return s.out, s.err
}

func (s *stubConversation) Reset(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, userID)
	return "Okay, let's start over.", s.resetErr
}

type fakePoster struct {
	mu       sync.Mutex
	channels []string
	count    int
	err      error
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelID)
	f.count++
	return channelID, "1700000000.000100", f.err
}

func newTestBot(t *testing.T, conv *stubConversation, p *fakePoster) *Bot {
	t.Helper()
	b, err := newBot(p, conv, "UBOT", "en", nil)
	require.NoError(t, err)
	return b
}

func TestNewBot_Validation(t *testing.T) {
	_, err := NewBot(nil, &stubConversation{}, nil)
	require.Error(t, err)
	_, err = newBot(nil, &stubConversation{}, "UBOT", "en", nil)
	require.Error(t, err)
	_, err = newBot(&fakePoster{}, nil, "UBOT", "en", nil)
	require.Error(t, err)
}

func TestReply_Turn(t *testing.T) {
	conv := &stubConversation{out: usecase.TurnOutput{Reply: "How much?", Decision: domain.Decision{Message: "How much?"}}}
	b := newTestBot(t, conv, &fakePoster{})

	got := b.reply(context.Background(), &IncomingMessage{Text: " I want to donate ", UserID: "U1", ChannelID: "D1"})
	require.Equal(t, "How much?", got)
	require.Equal(t, []usecase.TurnInput{{UserID: "U1", Language: "en", Transcript: "I want to donate"}}, conv.inputs)
}

func TestReply_LanguageTag(t *testing.T) {
	conv := &stubConversation{out: usecase.TurnOutput{Reply: "Meeqa?"}}
	b := newTestBot(t, conv, &fakePoster{})

	require.Equal(t, "Meeqa?", b.reply(context.Background(), &IncomingMessage{Text: "[OM] Nan gargaaruu barbaada", UserID: "U1"}))
	require.Equal(t, "om", conv.inputs[0].Language)
	require.Equal(t, "Nan gargaaruu barbaada", conv.inputs[0].Transcript)

	require.Empty(t, b.reply(context.Background(), &IncomingMessage{Text: "[am]", UserID: "U1"}))
	require.Len(t, conv.inputs, 1)
}

func TestReply_ResetPhrases(t *testing.T) {
	conv := &stubConversation{}
	b := newTestBot(t, conv, &fakePoster{})

	for _, text := range []string{"reset", "Cancel!", "start over."} {
		require.Equal(t, "Okay, let's start over.", b.reply(context.Background(), &IncomingMessage{Text: text, UserID: "U1"}))
	}
	require.Equal(t, []string{"U1", "U1", "U1"}, conv.resets)
	require.Empty(t, conv.inputs)

	conv.resetErr = errors.New("down")
	require.Equal(t, fallbackReply, b.reply(context.Background(), &IncomingMessage{Text: "reset", UserID: "U1"}))
}

func TestReply_Errors(t *testing.T) {
	conv := &stubConversation{
		err: &usecase.Error{Code: usecase.ErrorStoreUnavailable, Reason: "session_load_error"},
		out: usecase.TurnOutput{Reply: "Please try again shortly."},
	}
	b := newTestBot(t, conv, &fakePoster{})
	require.Equal(t, "Please try again shortly.", b.reply(context.Background(), &IncomingMessage{Text: "hi", UserID: "U1"}))

	conv.out = usecase.TurnOutput{}
	conv.err = errors.New("boom")
	require.Equal(t, fallbackReply, b.reply(context.Background(), &IncomingMessage{Text: "hi", UserID: "U1"}))

	conv.err = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "transcript_too_long"}
	require.Contains(t, b.reply(context.Background(), &IncomingMessage{Text: "hi", UserID: "U1"}), "keep it short")

	require.Empty(t, b.reply(context.Background(), &IncomingMessage{Text: "  ", UserID: "U1"}))
}

func (s *stubConversation) transcripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inputs))
	for _, in := range s.inputs {
		out = append(out, in.Transcript)
	}
	return out
}

func (f *fakePoster) posted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestIncomingMessage(t *testing.T) {
	b := newTestBot(t, &stubConversation{}, &fakePoster{})
	event := func(data any) slackevents.EventsAPIEvent {
		return slackevents.EventsAPIEvent{InnerEvent: slackevents.EventsAPIInnerEvent{Data: data}}
	}

	require.Equal(t, &IncomingMessage{Text: "donate", UserID: "U1", ChannelID: "C1", ThreadTS: "1.0"},
		b.incomingMessage(event(&slackevents.AppMentionEvent{User: "U1", Channel: "C1", Text: "<@UBOT> donate", TimeStamp: "1.0"})))
	require.Equal(t, &IncomingMessage{Text: "donate", UserID: "U2", ChannelID: "D2", ThreadTS: "2.0"},
		b.incomingMessage(event(&slackevents.MessageEvent{User: "U2", Channel: "D2", ChannelType: "im", Text: "donate", TimeStamp: "2.0"})))

	// Ignored: bot message, edit, and non-DM channel message.
	require.Nil(t, b.incomingMessage(event(&slackevents.MessageEvent{User: "U3", Channel: "D3", ChannelType: "im", BotID: "B1", Text: "x"})))
	require.Nil(t, b.incomingMessage(event(&slackevents.MessageEvent{User: "U3", Channel: "D3", ChannelType: "im", SubType: "message_changed", Text: "x"})))
	require.Nil(t, b.incomingMessage(event(&slackevents.MessageEvent{User: "U3", Channel: "C3", ChannelType: "channel", Text: "x"})))
}

func TestDispatch_KeepsPerUserOrder(t *testing.T) {
	conv := &stubConversation{
		out: usecase.TurnOutput{Reply: "ok"},
		delay: func(in usecase.TurnInput) time.Duration {
			if in.Transcript == "I want to donate" {
				return 30 * time.Millisecond
			}
			return 0
		},
	}
	p := &fakePoster{}
	b := newTestBot(t, conv, p)
	ctx := context.Background()

	b.dispatch(ctx, &IncomingMessage{Text: "I want to donate", UserID: "U1", ChannelID: "D1"})
	b.dispatch(ctx, &IncomingMessage{Text: "fifty dollars for water", UserID: "U1", ChannelID: "D1"})

	require.Eventually(t, func() bool { return p.posted() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"I want to donate", "fifty dollars for water"}, conv.transcripts())
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.queues) == 0
	}, time.Second, time.Millisecond)
}

func TestDispatch_OtherUsersDoNotWait(t *testing.T) {
	release := make(chan struct{})
	conv := &stubConversation{
		out: usecase.TurnOutput{Reply: "ok"},
		delay: func(in usecase.TurnInput) time.Duration {
			if in.UserID == "U1" {
				<-release
			}
			return 0
		},
	}
	p := &fakePoster{}
	b := newTestBot(t, conv, p)
	ctx := context.Background()

	b.dispatch(ctx, &IncomingMessage{Text: "slow", UserID: "U1", ChannelID: "D1"})
	b.dispatch(ctx, &IncomingMessage{Text: "fast", UserID: "U2", ChannelID: "D2"})

	require.Eventually(t, func() bool { return p.posted() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"fast"}, conv.transcripts())

	close(release)
	require.Eventually(t, func() bool { return p.posted() == 2 }, time.Second, time.Millisecond)
}

func TestProcessMessage_PostFailureIsLogged(t *testing.T) {
	p := &fakePoster{err: errors.New("channel_not_found")}
	b := newTestBot(t, &stubConversation{out: usecase.TurnOutput{Reply: "ok"}}, p)
	b.processMessage(context.Background(), &IncomingMessage{Text: "hi", UserID: "U1", ChannelID: "C1"})
	require.Equal(t, 1, p.count)
}

func TestThreadOf(t *testing.T) {
	require.Equal(t, "1.0", threadOf("1.0", "2.0"))
	require.Equal(t, "2.0", threadOf("", "2.0"))
}
