package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxrelay/voxrelay/pkg/errorsx"
)

// OutputFormat is the audio contract the relay requires on upstream output.
// The telephony leg only accepts 8kHz companded audio, so this is fixed.
const OutputFormat = "ulaw_8000"

type Config struct {
	BaseURL          string        `mapstructure:"base_url"`
	SignedURLPath    string        `mapstructure:"signed_url_path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RecvBuffer       int           `mapstructure:"recv_buffer"`
}

func (c Config) withDefaults() Config {
	if c.SignedURLPath == "" {
		c.SignedURLPath = "/v1/convai/conversation/get-signed-url"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.RecvBuffer <= 0 {
		c.RecvBuffer = 256
	}
	return c
}

// Initiator negotiates single-use session handles with the voice-AI backend
// and opens the full-duplex connection for a call.
type Initiator struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
}

func NewInitiator(cfg Config) *Initiator {
	cfg = cfg.withDefaults()
	return &Initiator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HandshakeTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// SignedURL requests a short-lived signed connection target for the agent.
// A non-success response is terminal for the session; the caller is live
// and a retry storm would only extend perceived silence.
func (i *Initiator) SignedURL(ctx context.Context, upstreamAgentID, credential string) (string, error) {
	endpoint := strings.TrimRight(i.cfg.BaseURL, "/") + i.cfg.SignedURLPath +
		"?agent_id=" + url.QueryEscape(upstreamAgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonUpstreamUnavailable)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	resp, err := i.client.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonUpstreamUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("signed url request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return "", errorsx.Wrap(err, errorsx.ReasonUpstreamUnavailable)
	}
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonUpstreamUnavailable)
	}
	if out.SignedURL == "" {
		return "", errorsx.Wrap(fmt.Errorf("signed url missing in response"), errorsx.ReasonUpstreamUnavailable)
	}
	return out.SignedURL, nil
}

// Open negotiates a session handle, dials it, and sends the single
// initialization message declaring the required output audio format.
func (i *Initiator) Open(ctx context.Context, upstreamAgentID, credential string) (*Conn, error) {
	signedURL, err := i.SignedURL(ctx, upstreamAgentID, credential)
	if err != nil {
		return nil, err
	}
	return i.Dial(ctx, signedURL)
}

// Dial opens the full-duplex connection to an already-negotiated target.
func (i *Initiator) Dial(ctx context.Context, signedURL string) (*Conn, error) {
	ws, _, err := i.dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	conn := newConn(ws, i.cfg.RecvBuffer)
	if err := conn.sendInit(); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	conn.startReader()
	return conn, nil
}
