package saver

import (
	"context"
	"errors"
	"fmt"

	"github.com/lestrrat-go/slack"
)

const defaultSlackUsername = "FakeSMTP"

type postFunc func(ctx context.Context, channel, username, text string) error

// SlackNotifier posts one line per received message to a Slack channel.
type SlackNotifier struct {
	channel  string
	username string
	post     postFunc
}

func NewSlackNotifier(token, channel string) (*SlackNotifier, error) {
	if token == "" {
		return nil, errors.New("missing slack token")
	}
	if channel == "" {
		return nil, errors.New("missing slack channel")
	}
	cl := slack.New(token)
	return &SlackNotifier{
		channel:  channel,
		username: defaultSlackUsername,
		post: func(ctx context.Context, channel, username, text string) error {
			_, err := cl.Chat().PostMessage(channel).Username(username).Text(text).Do(ctx)
			return err
		},
	}, nil
}

func (n *SlackNotifier) Name() string {
	return "slack"
}

func formatSlackText(m *Message) string {
	text := fmt.Sprintf("`%s` => `%s` (%d bytes)", m.From, m.Recipient, m.Size)
	if m.Subject != "" {
		text += " " + m.Subject
	}
	return text
}

func (n *SlackNotifier) Notify(ctx context.Context, m *Message) error {
	return n.post(ctx, n.channel, n.username, formatSlackText(m))
}
