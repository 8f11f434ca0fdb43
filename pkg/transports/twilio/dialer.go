package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/voxrelay/voxrelay/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer provides outbound call creation via the Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call.
func (d *Dialer) Dial(ctx context.Context, to, from, voiceURL string) (string, error) {
	return d.DialWithOptions(ctx, to, from, voiceURL, transports.DialOptions{})
}

// DialWithOptions places an outbound call with optional settings. The
// outbound reference, when set, is threaded through the voice webhook so
// the media stream can be correlated back to the scheduled call record.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, voiceURL string, opts transports.DialOptions) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if voiceURL == "" {
		voiceURL = d.voiceWebhookURL()
	}
	if opts.OutboundRef != "" {
		voiceURL = appendQuery(voiceURL, "outbound_ref", opts.OutboundRef)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	params.SetStatusCallback(d.callbackURL(d.cfg.StatusCallbackPath))
	if d.cfg.RecordCalls {
		params.SetRecord(true)
		params.SetRecordingStatusCallback(d.callbackURL(d.cfg.RecordingCallbackPath))
	}
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) voiceWebhookURL() string {
	return d.callbackURL(d.cfg.VoicePath)
}

func (d *Dialer) callbackURL(path string) string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + path
	}
	addr := d.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}

var _ transports.OutboundDialerWithOptions = (*Dialer)(nil)
