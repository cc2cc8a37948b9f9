package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// SlackNotifier posts a short text message to a Slack incoming webhook.
type SlackNotifier struct {
	URL    string
	Client *http.Client
}

func (n *SlackNotifier) Send(ctx context.Context, ev schema.ExecutionEvent) Result {
	body, err := json.Marshal(map[string]string{"text": slackText(ev)})
	if err != nil {
		return failed(n.URL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return failed(n.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return post(n.Client, req, n.URL)
}

func slackText(ev schema.ExecutionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s` (%s)", ev.Ensemble, ev.Type, ev.ExecutionID)
	if ev.Step != "" {
		fmt.Fprintf(&b, " at step `%s`", ev.Step)
	}
	if msg, ok := ev.Data["message"].(string); ok && msg != "" {
		b.WriteString("\n" + msg)
	}
	if url, ok := ev.Data["approvalUrl"].(string); ok && url != "" {
		fmt.Fprintf(&b, "\nReview: <%s|approve or reject>", url)
	}
	if errMsg, ok := ev.Data["error"].(string); ok && errMsg != "" {
		b.WriteString("\nError: " + errMsg)
	}
	return b.String()
}
