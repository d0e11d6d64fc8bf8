// Package farcaster parses mini app webhook events delivered as JSON
// Farcaster Signatures: a base64url header naming the signing app key, a
// base64url payload, and an ed25519 signature over "header.payload".
package farcaster

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"
)

// Event names sent by the host platform. The frame_* spellings are older
// aliases still delivered by some clients.
const (
	EventMiniAppAdded          = "miniapp_added"
	EventMiniAppRemoved        = "miniapp_removed"
	EventNotificationsEnabled  = "notifications_enabled"
	EventNotificationsDisabled = "notifications_disabled"
)

var eventAliases = map[string]string{
	"frame_added":   EventMiniAppAdded,
	"frame_removed": EventMiniAppRemoved,
}

var (
	ErrInvalidEnvelope  = errors.New("invalid webhook envelope")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidAppKey    = errors.New("app key is not registered for fid")
)

// Envelope is the wire form of a signed event.
type Envelope struct {
	Header    string `json:"header"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Header is the decoded envelope header.
type Header struct {
	FID  int64  `json:"fid"`
	Type string `json:"type"`
	Key  string `json:"key"`
}

// NotificationDetails is where the host accepts push notifications.
type NotificationDetails struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Event is a verified webhook event.
type Event struct {
	FID                 int64
	Name                string
	AppKey              string
	NotificationDetails *NotificationDetails
}

// Registers reports whether the event enables push delivery.
func (e *Event) Registers() bool {
	return (e.Name == EventMiniAppAdded || e.Name == EventNotificationsEnabled) && e.NotificationDetails != nil
}

// Deregisters reports whether the event revokes push delivery.
func (e *Event) Deregisters() bool {
	return e.Name == EventMiniAppRemoved || e.Name == EventNotificationsDisabled
}

// AppKeyVerifier checks that appKey (0x-prefixed hex) is an active app key of
// fid.
type AppKeyVerifier func(ctx context.Context, fid int64, appKey string) (bool, error)

const envelopeSchema = `{
	"type": "object",
	"required": ["header", "payload", "signature"],
	"properties": {
		"header": {"type": "string", "minLength": 1},
		"payload": {"type": "string", "minLength": 1},
		"signature": {"type": "string", "minLength": 1}
	}
}`

const headerSchema = `{
	"type": "object",
	"required": ["fid", "type", "key"],
	"properties": {
		"fid": {"type": "integer", "minimum": 1},
		"type": {"type": "string", "enum": ["app_key", "custody"]},
		"key": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
	}
}`

const payloadSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"notificationDetails": {
			"type": "object",
			"required": ["url", "token"],
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"token": {"type": "string", "minLength": 1}
			}
		}
	}
}`

// Parser verifies envelopes. It is safe for concurrent use.
type Parser struct {
	envelope *jsonschema.Schema
	header   *jsonschema.Schema
	payload  *jsonschema.Schema
	verify   AppKeyVerifier
}

// NewParser compiles the schemas. A nil verifier skips the app key lookup
// and relies on the signature alone.
func NewParser(verify AppKeyVerifier) (*Parser, error) {
	p := &Parser{verify: verify}
	for _, s := range []struct {
		dst **jsonschema.Schema
		src string
	}{{&p.envelope, envelopeSchema}, {&p.header, headerSchema}, {&p.payload, payloadSchema}} {
		rs := &jsonschema.Schema{}
		if err := json.Unmarshal([]byte(s.src), rs); err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		*s.dst = rs
	}
	return p, nil
}

func validate(ctx context.Context, s *jsonschema.Schema, data []byte, what string) error {
	verrs, err := s.ValidateBytes(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, what, err)
	}
	if len(verrs) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrInvalidEnvelope, what, verrs[0].Error())
	}
	return nil
}

// Parse validates, verifies and decodes a raw webhook body.
func (p *Parser) Parse(ctx context.Context, body []byte) (*Event, error) {
	if err := validate(ctx, p.envelope, body, "envelope"); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	rawHeader, err := decode(env.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidEnvelope, err)
	}
	if err := validate(ctx, p.header, rawHeader, "header"); err != nil {
		return nil, err
	}
	var h Header
	if err := json.Unmarshal(rawHeader, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidEnvelope, err)
	}

	pub, err := hex.DecodeString(strings.TrimPrefix(h.Key, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key", ErrInvalidEnvelope)
	}
	sig, err := decode(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	if !ed25519.Verify(pub, []byte(env.Header+"."+env.Payload), sig) {
		return nil, ErrInvalidSignature
	}

	if p.verify != nil {
		ok, err := p.verify(ctx, h.FID, h.Key)
		if err != nil {
			return nil, fmt.Errorf("verify app key: %w", err)
		}
		if !ok {
			return nil, ErrInvalidAppKey
		}
	}

	rawPayload, err := decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	if err := validate(ctx, p.payload, rawPayload, "payload"); err != nil {
		return nil, err
	}
	var payload struct {
		Event               string               `json:"event"`
		NotificationDetails *NotificationDetails `json:"notificationDetails"`
	}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	name := payload.Event
	if alias, ok := eventAliases[name]; ok {
		name = alias
	}
	return &Event{FID: h.FID, Name: name, AppKey: h.Key, NotificationDetails: payload.NotificationDetails}, nil
}

// decode accepts base64url with or without padding.
func decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Encode builds a signed envelope. Hosts do this; it is exported for tests
// and local tooling.
func Encode(fid int64, key ed25519.PrivateKey, payload any) ([]byte, error) {
	pub := key.Public().(ed25519.PublicKey)
	hdr, err := json.Marshal(Header{FID: fid, Type: "app_key", Key: "0x" + hex.EncodeToString(pub)})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	h := base64.RawURLEncoding.EncodeToString(hdr)
	p := base64.RawURLEncoding.EncodeToString(body)
	sig := ed25519.Sign(key, []byte(h+"."+p))
	return json.Marshal(Envelope{Header: h, Payload: p, Signature: base64.RawURLEncoding.EncodeToString(sig)})
}
