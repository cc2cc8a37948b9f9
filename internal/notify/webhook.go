package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/ensemble/pkg/schema"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body when the
// webhook has a secret.
const SignatureHeader = "X-Ensemble-Signature"

// WebhookNotifier POSTs the event as JSON.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Headers map[string]string
	Client  *http.Client
}

func (n *WebhookNotifier) Send(ctx context.Context, ev schema.ExecutionEvent) Result {
	body, err := json.Marshal(ev)
	if err != nil {
		return failed(n.URL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return failed(n.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ensemble-Event", ev.Type)
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}
	if n.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(n.Secret, body))
	}
	return post(n.Client, req, n.URL)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(client *http.Client, req *http.Request, target string) Result {
	resp, err := client.Do(req)
	if err != nil {
		return failed(target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return failed(target, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return Result{Success: true, Target: target}
}
