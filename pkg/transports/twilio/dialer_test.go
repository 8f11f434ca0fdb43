package twilio

import (
	"context"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/voxrelay/voxrelay/pkg/transports"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDialUsesDefaults(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	cfg := Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://example.com",
		VoicePath:  "/voice",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected From param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://example.com/voice" {
		t.Fatalf("expected voice webhook url")
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://example.com/status" {
		t.Fatalf("expected status callback url")
	}
}

func TestDialerDialWithOptionsOutboundRef(t *testing.T) {
	stub := &stubCreator{sid: "CA555"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "https://example.com"}
	d := NewDialer(cfg)
	d.client = stub

	_, err := d.DialWithOptions(context.Background(), "+100", "+200", "", transports.DialOptions{OutboundRef: "ref-42"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.Url == nil {
		t.Fatalf("expected Url param")
	}
	if !strings.Contains(*stub.last.Url, "outbound_ref=ref-42") {
		t.Fatalf("expected outbound_ref in url, got %q", *stub.last.Url)
	}
}

func TestDialerDialWithOptionsSendDigits(t *testing.T) {
	stub := &stubCreator{sid: "CA777"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token"}
	d := NewDialer(cfg)
	d.client = stub

	_, err := d.DialWithOptions(context.Background(), "+100", "+200", "https://example.com/voice", transports.DialOptions{SendDigits: "W123#"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.SendDigits == nil || *stub.last.SendDigits != "W123#" {
		t.Fatalf("expected SendDigits param")
	}
}

func TestDialerRecordingEnabled(t *testing.T) {
	stub := &stubCreator{sid: "CA888"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "https://example.com", RecordCalls: true}
	d := NewDialer(cfg)
	d.client = stub

	_, err := d.Dial(context.Background(), "+100", "+200", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.Record == nil || !*stub.last.Record {
		t.Fatalf("expected Record param")
	}
	if stub.last.RecordingStatusCallback == nil || *stub.last.RecordingStatusCallback != "https://example.com/recording" {
		t.Fatalf("expected recording callback url, got %v", stub.last.RecordingStatusCallback)
	}
}

func TestDialerMissingCredentials(t *testing.T) {
	d := NewDialer(Config{})
	if _, err := d.Dial(context.Background(), "+100", "+200", ""); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
