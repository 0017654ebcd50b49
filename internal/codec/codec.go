package codec

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/kola-wonder/beacon-skill/internal/identity"
)

// Envelope framing delimiters. Envelopes travel as framed text so they can
// be embedded in any medium: UDP datagrams, HTTP bodies, feed posts.
const (
	frameV1Open  = "[BEACON v1]"
	frameV2Open  = "[BEACON v2]"
	frameClose   = "[/BEACON]"
	framePrefix  = "[BEACON"
	CurrentVer   = 2
	MaxFrameSize = 65507
)

// Envelope is a protocol message: a common header plus kind-dependent
// payload fields. Unknown fields round-trip through Fields unchanged.
type Envelope struct {
	Kind    string
	TS      int64
	Nonce   string
	AgentID string
	Pubkey  string
	Sig     string
	Version int

	Fields map[string]any
}

// New builds an unsigned envelope of the given kind with the payload
// fields provided.
func New(kind string, ts int64, nonce string, fields map[string]any) *Envelope {
	f := map[string]any{}
	for k, v := range fields {
		f[k] = v
	}
	return &Envelope{Kind: kind, TS: ts, Nonce: nonce, Version: CurrentVer, Fields: f}
}

// ToMap flattens the envelope into a plain map. The signature is included
// only when withSig is true; signing always operates on the sig-less form.
func (e *Envelope) ToMap(withSig bool) map[string]any {
	m := map[string]any{}
	for k, v := range e.Fields {
		m[k] = v
	}
	m["kind"] = e.Kind
	if e.TS != 0 {
		m["ts"] = e.TS
	}
	if e.Nonce != "" {
		m["nonce"] = e.Nonce
	}
	if e.AgentID != "" {
		m["agent_id"] = e.AgentID
	}
	if e.Pubkey != "" {
		m["pubkey"] = e.Pubkey
	}
	if withSig && e.Sig != "" {
		m["sig"] = e.Sig
	}
	return m
}

// FromMap lifts a decoded JSON object into an Envelope, separating the
// header fields from the payload.
func FromMap(m map[string]any) *Envelope {
	e := &Envelope{Version: 1, Fields: map[string]any{}}
	for k, v := range m {
		switch k {
		case "kind":
			e.Kind, _ = v.(string)
		case "ts":
			e.TS = toInt64(v)
		case "nonce":
			e.Nonce, _ = v.(string)
		case "agent_id":
			e.AgentID, _ = v.(string)
		case "pubkey":
			e.Pubkey, _ = v.(string)
		case "sig":
			e.Sig, _ = v.(string)
		default:
			e.Fields[k] = v
		}
	}
	if e.Sig != "" {
		e.Version = 2
	}
	return e
}

// Str returns a string payload field, or "" when absent.
func (e *Envelope) Str(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Float returns a numeric payload field, or 0 when absent.
func (e *Envelope) Float(key string) float64 {
	return toFloat(e.Fields[key])
}

// Strings returns a string-list payload field.
func (e *Envelope) Strings(key string) []string {
	raw, ok := e.Fields[key].([]any)
	if !ok {
		if ss, ok := e.Fields[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// Sign computes the v2 signature: Ed25519 over the canonical JSON of the
// envelope with the sig field removed. Sets agent_id and optionally the
// embedded pubkey before signing.
func (e *Envelope) Sign(id *identity.Identity, includePubkey bool) error {
	e.AgentID = id.AgentID
	if includePubkey {
		e.Pubkey = id.PublicKeyHex()
	}
	e.Version = CurrentVer
	msg, err := Canonical(e.ToMap(false))
	if err != nil {
		return err
	}
	e.Sig = id.SignHex(msg)
	return nil
}

// Encode frames an envelope as transmissible text. A v2 frame with an
// identity attached is signed before framing.
func Encode(e *Envelope, id *identity.Identity, includePubkey bool) (string, error) {
	if e.Version >= 2 && id != nil {
		if err := e.Sign(id, includePubkey); err != nil {
			return "", err
		}
	}
	body, err := Canonical(e.ToMap(true))
	if err != nil {
		return "", err
	}
	open := frameV2Open
	if e.Version < 2 {
		open = frameV1Open
	}
	return open + "\n" + string(body) + "\n" + frameClose, nil
}

// DecodeEnvelopes scans text for beacon frames and parses each body as
// JSON. Unparseable frames are skipped, not fatal.
func DecodeEnvelopes(text string) []*Envelope {
	var out []*Envelope
	rest := text
	for {
		start := strings.Index(rest, framePrefix)
		if start < 0 {
			break
		}
		tagEnd := strings.Index(rest[start:], "]")
		if tagEnd < 0 {
			break
		}
		tag := rest[start : start+tagEnd+1]
		if tag == frameClose {
			rest = rest[start+len(frameClose):]
			continue
		}
		bodyStart := start + tagEnd + 1
		end := strings.Index(rest[bodyStart:], frameClose)
		if end < 0 {
			break
		}
		body := strings.TrimSpace(rest[bodyStart : bodyStart+end])
		rest = rest[bodyStart+end+len(frameClose):]

		m, err := parseObject(body)
		if err != nil {
			continue
		}
		env := FromMap(m)
		if strings.Contains(tag, "v2") {
			env.Version = 2
		} else if env.Sig == "" {
			env.Version = 1
		}
		out = append(out, env)
	}
	return out
}

// ParseBody interprets an arbitrary JSON body as envelopes: a single
// envelope object, an array of them, a wrapper with framed text, or raw
// framed text.
func ParseBody(raw []byte) []*Envelope {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	if m, err := parseObject(trimmed); err == nil {
		if _, hasKind := m["kind"]; hasKind {
			return []*Envelope{FromMap(m)}
		}
		if text, ok := m["text"].(string); ok {
			return DecodeEnvelopes(text)
		}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, framePrefix) {
		var list []map[string]any
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&list); err == nil {
			out := make([]*Envelope, 0, len(list))
			for _, m := range list {
				if _, hasKind := m["kind"]; hasKind {
					out = append(out, FromMap(m))
				}
			}
			return out
		}
	}
	return DecodeEnvelopes(trimmed)
}

func parseObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// VerifyEnvelope checks a v2 signature. Returns nil for unsigned
// envelopes, otherwise true/false. The public key is resolved from the
// embedded pubkey first, then the known-keys map.
func VerifyEnvelope(e *Envelope, known map[string]string) *bool {
	if e.Sig == "" {
		return nil
	}
	f := false
	t := true

	pubHex := e.Pubkey
	if pubHex == "" && known != nil {
		pubHex = known[e.AgentID]
	}
	if pubHex == "" {
		return &f
	}
	// An embedded pubkey must actually derive the claimed agent ID.
	if e.Pubkey != "" {
		raw, err := hex.DecodeString(e.Pubkey)
		if err != nil || identity.AgentIDFromPubKey(raw) != e.AgentID {
			return &f
		}
	}
	msg, err := Canonical(e.ToMap(false))
	if err != nil {
		return &f
	}
	if identity.Verify(pubHex, e.Sig, msg) {
		return &t
	}
	return &f
}
