package dispatch

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

// Notifier posts a plain-text message to an instructor channel.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, text string) error
}

// SlackNotifier posts to one Slack channel with a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. opts are passed to slack.New.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, text string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername("mindpulse"),
	)
	if err != nil {
		n.logger.Error("slack send failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// channelSender is the part of *discordgo.Session used for notifications.
type channelSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts to one Discord channel over the REST API. It does
// not open a gateway websocket.
type DiscordNotifier struct {
	session channelSender
	channel string
	logger  *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier from a bot token.
func NewDiscordNotifier(token, channel string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channel: channel, logger: logger}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, text string) error {
	_, err := n.session.ChannelMessageSend(n.channel, text, discordgo.WithContext(ctx))
	if err != nil {
		n.logger.Error("discord send failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Instructor forwards struggle interventions at or above MinSeverity to
// every notifier. Schedule entries and idle nudges are not forwarded.
type Instructor struct {
	notifiers   []Notifier
	minSeverity float64
	logger      *zap.Logger
}

// NewInstructor creates an instructor alert dispatcher.
func NewInstructor(minSeverity float64, logger *zap.Logger, notifiers ...Notifier) *Instructor {
	return &Instructor{notifiers: notifiers, minSeverity: minSeverity, logger: logger}
}

func (d *Instructor) Intervene(ctx context.Context, iv Intervention) error {
	if iv.Trigger != TriggerStruggle || iv.Severity < d.minSeverity {
		return nil
	}
	text := fmt.Sprintf("Learner %s is struggling with %s (severity %.2f, session %s)",
		iv.LearnerID, iv.ConceptID, iv.Severity, iv.SessionID)

	var firstErr error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, text); err != nil {
			d.logger.Warn("instructor notify failed", zap.String("platform", n.Platform()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Instructor) Schedule(context.Context, cognitive.ScheduleEntry) error { return nil }
