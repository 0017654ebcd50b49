package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/identity"
)

const (
	webhookTimeout = 15 * time.Second
	userAgent      = "Beacon/1.0.0 (Elyan Labs)"
)

// WebhookSend POSTs an envelope as JSON to a peer's inbox URL. When an
// identity is supplied the envelope is signed before sending. Any 2xx
// response counts as delivered.
func WebhookSend(url string, env *codec.Envelope, id *identity.Identity) error {
	if id != nil && env.Sig == "" {
		if err := env.Sign(id, true); err != nil {
			return errors.Wrap(err, "webhook send: sign")
		}
	}
	body, err := json.Marshal(env.ToMap(true))
	if err != nil {
		return errors.Wrap(err, "webhook send: marshal")
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "webhook send: request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook send: post")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook send: HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}
