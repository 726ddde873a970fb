package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trebuchet-org/evolve/internal/usecase"
)

// maxEmbedField keeps embed fields under chat platform limits
const maxEmbedField = 1000

// Webhook posts Discord-style JSON messages to an incoming webhook URL
type Webhook struct {
	url       string
	publicURL string
	client    *http.Client
}

// NewWebhook creates a webhook notifier. publicURL, when set, is where the
// approval callback server can be reached and is included in prompts.
func NewWebhook(url, publicURL string) *Webhook {
	return &Webhook{
		url:       url,
		publicURL: strings.TrimRight(publicURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookMessage struct {
	Username string         `json:"username"`
	Content  string         `json:"content"`
	Embeds   []webhookEmbed `json:"embeds,omitempty"`
}

type webhookEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Fields      []webhookField `json:"fields,omitempty"`
	Footer      *webhookFooter `json:"footer,omitempty"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type webhookFooter struct {
	Text string `json:"text"`
}

func (w *Webhook) Notify(ctx context.Context, channel, message string) error {
	content := message
	if channel != "" {
		content = fmt.Sprintf("**%s** %s", channel, message)
	}
	return w.post(ctx, webhookMessage{Username: "evolve", Content: content})
}

func (w *Webhook) Present(ctx context.Context, prompt usecase.ApprovalPrompt) error {
	var changes strings.Builder
	for _, c := range prompt.Changes {
		fmt.Fprintf(&changes, "`%s` %s\n", c.Action, c.FilePath)
	}

	actions := fmt.Sprintf("`%s`\n`%s`", prompt.ApproveAction, prompt.DeclineAction)
	if w.publicURL != "" {
		actions = fmt.Sprintf("POST %s/approvals/%s?user=<id>\nPOST %s/approvals/%s?user=<id>",
			w.publicURL, prompt.ApproveAction, w.publicURL, prompt.DeclineAction)
	}

	return w.post(ctx, webhookMessage{
		Username: "evolve",
		Content:  "Approval requested: " + prompt.Title,
		Embeds: []webhookEmbed{{
			Title:       prompt.Title,
			Description: clip(prompt.Description),
			Fields: []webhookField{
				{Name: "Changes", Value: clip(changes.String())},
				{Name: "Authorized", Value: strings.Join(prompt.AuthorizedUsers, ", "), Inline: true},
				{Name: "Expires", Value: prompt.ExpiresAt.UTC().Format(time.RFC3339), Inline: true},
				{Name: "Actions", Value: actions},
			},
			Footer: &webhookFooter{Text: "request " + prompt.RequestID},
		}},
	})
}

func (w *Webhook) post(ctx context.Context, msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}

func clip(s string) string {
	if len(s) > maxEmbedField {
		return s[:maxEmbedField-3] + "..."
	}
	if s == "" {
		return "-"
	}
	return s
}

var (
	_ usecase.Notifier          = (*Webhook)(nil)
	_ usecase.ApprovalPresenter = (*Webhook)(nil)
)
