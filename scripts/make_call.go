package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/voxrelay/voxrelay/pkg/configutil"
	"github.com/voxrelay/voxrelay/pkg/store"
	"github.com/voxrelay/voxrelay/pkg/transports"
	twiliotransport "github.com/voxrelay/voxrelay/pkg/transports/twilio"
	"github.com/voxrelay/voxrelay/pkg/voxrelay"
)

// make_call schedules and places one outbound call: it records the
// outbound-call row so the media stream can be correlated back, then dials
// through the Twilio REST API.
func main() {
	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	agentID := flag.String("agent", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" || *agentID == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 -agent=agent-id [-config=...]")
		os.Exit(1)
	}
	cfg, err := voxrelay.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{DSN: cfg.Store.DSN})
	if err != nil {
		fmt.Println("store error:", err)
		os.Exit(1)
	}
	defer db.Close()

	ref := uuid.NewString()
	if err := db.CreateOutboundCall(ctx, store.OutboundCall{
		Ref:        ref,
		AgentID:    *agentID,
		ToNumber:   *to,
		FromNumber: *from,
	}); err != nil {
		fmt.Println("schedule error:", err)
		os.Exit(1)
	}

	var dialer transports.OutboundDialerWithOptions = twiliotransport.NewDialer(settings)
	voiceURL := voiceURLFor(settings, *agentID)
	callSID, err := dialer.DialWithOptions(ctx, *to, *from, voiceURL, transports.DialOptions{
		SendDigits:  *sendDigits,
		OutboundRef: ref,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	if err := db.MarkOutboundDialed(ctx, ref, callSID); err != nil {
		fmt.Println("mark dialed error:", err)
	}
	fmt.Println("outbound_ref:", ref)
	fmt.Println("call_sid:", callSID)
}

func voiceURLFor(settings twiliotransport.Config, agentID string) string {
	if settings.PublicURL == "" {
		return ""
	}
	voicePath := settings.VoicePath
	if voicePath == "" {
		voicePath = "/voice"
	}
	return "https://" + normalizePublicURL(settings.PublicURL) + voicePath +
		"?agent_id=" + url.QueryEscape(agentID)
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		return v[8:]
	}
	if len(v) >= 7 && v[:7] == "http://" {
		return v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}
