package transport

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
	"github.com/kola-wonder/beacon-skill/internal/identity"
)

// ErrCommitmentExists marks the ledger's 409 response: the commitment was
// already anchored. Callers treat it as an idempotent success.
var ErrCommitmentExists = errors.New("commitment_exists")

const (
	ledgerTimeout     = 20 * time.Second
	ledgerMaxAttempts = 3
)

// LedgerClient is a typed HTTP client for the RTC ledger service.
// Transient failures (network errors, 5xx) retry with exponential backoff
// up to ledgerMaxAttempts; 4xx responses fail immediately.
type LedgerClient struct {
	baseURL string
	http    *http.Client
}

// NewLedgerClient builds a client for the given endpoint. skipTLSVerify
// is for self-signed development ledgers only.
func NewLedgerClient(baseURL string, skipTLSVerify bool) *LedgerClient {
	transport := http.DefaultTransport
	if skipTLSVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &LedgerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: ledgerTimeout, Transport: transport},
	}
}

// AnchorSubmitRequest is the signed commitment payload.
type AnchorSubmitRequest struct {
	Commitment string `json:"commitment"`
	DataType   string `json:"data_type"`
	Metadata   string `json:"metadata"`
	Signature  string `json:"signature"`
	PublicKey  string `json:"public_key"`
}

// AnchorRecord is the on-chain anchor as returned by the ledger.
type AnchorRecord struct {
	OK         bool   `json:"ok"`
	AnchorID   string `json:"anchor_id"`
	Commitment string `json:"commitment"`
	DataType   string `json:"data_type"`
	Submitter  string `json:"submitter"`
	Epoch      int64  `json:"epoch"`
	CreatedAt  int64  `json:"created_at"`
}

// AnchorSubmit posts a commitment. A duplicate returns ErrCommitmentExists.
func (c *LedgerClient) AnchorSubmit(req AnchorSubmitRequest) (*AnchorRecord, error) {
	var rec AnchorRecord
	if err := c.do(http.MethodPost, "/api/v1/anchor/submit", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AnchorVerify checks whether a commitment is anchored. Returns nil when
// the ledger has no record of it.
func (c *LedgerClient) AnchorVerify(commitment string) (*AnchorRecord, error) {
	var resp struct {
		Found  bool          `json:"found"`
		Anchor *AnchorRecord `json:"anchor"`
	}
	if err := c.do(http.MethodGet, "/api/v1/anchor/"+commitment, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Anchor, nil
}

// AnchorList returns anchors submitted by an address.
func (c *LedgerClient) AnchorList(submitter string, limit int) ([]AnchorRecord, error) {
	var resp struct {
		Anchors []AnchorRecord `json:"anchors"`
	}
	path := "/api/v1/anchors?submitter=" + submitter
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Anchors, nil
}

// SignedTransfer is a value transfer payload signed by the sender.
type SignedTransfer struct {
	From      string  `json:"from_address"`
	To        string  `json:"to_address"`
	Amount    float64 `json:"amount"`
	Memo      string  `json:"memo,omitempty"`
	Nonce     string  `json:"nonce"`
	PublicKey string  `json:"public_key"`
	Signature string  `json:"signature"`
}

// SignTransfer constructs a transfer with the sender address derived from
// the identity's public key and signs its canonical form.
func SignTransfer(id *identity.Identity, toAddress string, amount float64, memo, nonce string) (*SignedTransfer, error) {
	t := &SignedTransfer{
		From:      RTCAddress(id.PublicKey()),
		To:        toAddress,
		Amount:    amount,
		Memo:      memo,
		Nonce:     nonce,
		PublicKey: id.PublicKeyHex(),
	}
	msg, err := codec.Canonical(map[string]any{
		"from_address": t.From,
		"to_address":   t.To,
		"amount":       t.Amount,
		"memo":         t.Memo,
		"nonce":        t.Nonce,
		"public_key":   t.PublicKey,
	})
	if err != nil {
		return nil, err
	}
	t.Signature = id.SignHex(msg)
	return t, nil
}

// RTCAddress derives a ledger address from an Ed25519 public key:
// "RTC" + base58check of the first 20 bytes of SHA-256(pubkey).
func RTCAddress(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "RTC" + base58.CheckEncode(sum[:20], 0)
}

func (c *LedgerClient) do(method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "ledger: marshal")
		}
	}

	var lastErr error
	backoff := 1 * time.Second
	for attempt := 1; attempt <= ledgerMaxAttempts; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, c.baseURL+path, reader)
		if err != nil {
			return errors.Wrap(err, "ledger: request")
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = errors.Wrap(err, "ledger: http")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = errors.Wrap(readErr, "ledger: read body")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		switch {
		case resp.StatusCode == http.StatusConflict:
			return ErrCommitmentExists
		case resp.StatusCode >= 500:
			lastErr = errors.Errorf("ledger: HTTP %d: %s", resp.StatusCode, truncate(raw, 200))
			time.Sleep(backoff)
			backoff *= 2
			continue
		case resp.StatusCode >= 400:
			return errors.Errorf("ledger: HTTP %d: %s", resp.StatusCode, truncate(raw, 200))
		}

		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return errors.Wrap(err, "ledger: decode response")
			}
		}
		return nil
	}
	return lastErr
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
