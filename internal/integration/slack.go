package integration

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"deplight/internal/deployment"
	"deplight/pkg/templates"
)

// SlackConfig configures the chat.postMessage notifier.
type SlackConfig struct {
	Token   string
	Channel string
	// APIURL overrides the Web API base, e.g. "http://127.0.0.1:9000/api/".
	APIURL string
}

// SlackNotifier posts deployment notices to one channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier. client may be nil.
func NewSlackNotifier(cfg SlackConfig, client *http.Client) (*SlackNotifier, error) {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil, fmt.Errorf("slack token and channel are required")
	}
	opts := []slack.Option{}
	if client != nil {
		opts = append(opts, slack.OptionHTTPClient(client))
	}
	if cfg.APIURL != "" {
		base := cfg.APIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, slack.OptionAPIURL(base))
	}
	return &SlackNotifier{api: slack.New(cfg.Token, opts...), channel: cfg.Channel}, nil
}

var noticeTemplates = map[deployment.NoticeKind]string{
	deployment.NoticeStarted:    templates.DeployStarted,
	deployment.NoticeProgress:   templates.DeployProgress,
	deployment.NoticeSucceeded:  templates.DeploySucceeded,
	deployment.NoticeFailed:     templates.DeployFailed,
	deployment.NoticeRolledBack: templates.DeployRolledBack,
}

// Notify renders n and posts it as a single mrkdwn section.
func (s *SlackNotifier) Notify(ctx context.Context, n deployment.Notice) error {
	text, err := RenderNotice(n)
	if err != nil {
		return err
	}

	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	_, _, err = s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(section),
	)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// RenderNotice turns a notice into message text.
func RenderNotice(n deployment.Notice) (string, error) {
	name, ok := noticeTemplates[n.Kind]
	if !ok {
		return "", fmt.Errorf("no template for notice %q", n.Kind)
	}
	d := n.Deployment
	data := templates.NoticeData{
		DeploymentID: d.ID,
		WorkspaceID:  d.WorkspaceID,
		Version:      d.Version,
		Repository:   strings.TrimSuffix(d.GitURL, ".git"),
		Branch:       d.Branch,
		Actor:        n.Actor,
		Step:         string(n.Step),
		CIRunURL:     d.CIRunURL,
	}
	if d.AIInsight != nil {
		data.Insight = *d.AIInsight
	}
	return templates.Render(name, data)
}
