package notify

import (
	"context"
	"fmt"

	"resty.dev/v3"

	"github.com/specialistvlad/stagecoach/internal/model"
)

// webhookNotifier POSTs JSON payloads to a fixed URL. Retries and the
// request timeout come from the declaration.
type webhookNotifier struct {
	name   string
	url    string
	live   bool
	client *resty.Client
}

func newWebhook(_ context.Context, decl *model.Notifier) (Notifier, error) {
	client := resty.New().
		SetTimeout(decl.Timeout).
		SetRetryCount(decl.Retries).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "stagecoach")

	return &webhookNotifier{
		name:   decl.Name,
		url:    decl.URL,
		live:   decl.Live,
		client: client,
	}, nil
}

func (n *webhookNotifier) Name() string { return n.name }
func (n *webhookNotifier) Live() bool   { return n.live }

func (n *webhookNotifier) StageEvent(ctx context.Context, ev StageEvent) error {
	ev.Kind = KindStage
	return n.post(ctx, ev)
}

func (n *webhookNotifier) BuildDone(ctx context.Context, sum BuildSummary) error {
	sum.Kind = KindBuild
	return n.post(ctx, sum)
}

func (n *webhookNotifier) post(ctx context.Context, payload any) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", n.url, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook %s returned %s", n.url, resp.Status())
	}
	return nil
}

func (n *webhookNotifier) Close() error {
	return n.client.Close()
}
