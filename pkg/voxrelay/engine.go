package voxrelay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/configutil"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/metrics"
	"github.com/voxrelay/voxrelay/pkg/observers"
	"github.com/voxrelay/voxrelay/pkg/redact"
	"github.com/voxrelay/voxrelay/pkg/relay"
	"github.com/voxrelay/voxrelay/pkg/reporter"
	"github.com/voxrelay/voxrelay/pkg/resolver"
	"github.com/voxrelay/voxrelay/pkg/store"
	"github.com/voxrelay/voxrelay/pkg/transports"
	twiliotransport "github.com/voxrelay/voxrelay/pkg/transports/twilio"
	"github.com/voxrelay/voxrelay/pkg/upstream"
)

// Engine wires the store, resolver, upstream initiator, relay, and
// reporter into one runnable unit.
type Engine struct {
	cfg       Config
	db        *store.Postgres
	transport transports.Transport
	relay     *relay.Relay
	reporter  *reporter.Reporter
	notifier  *reporter.HTTPNotifier
	asyncObs  *metrics.AsyncObserver
}

func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("voxrelay_init",
		"environment", cfg.Environment,
		"transport", cfg.Transports.Provider,
		"upstream_base_url", cfg.Upstream.BaseURL,
	)

	db, err := store.Open(ctx, store.Config{
		DSN:            cfg.Store.DSN,
		ConnectTimeout: ms(cfg.Store.ConnectTimeoutMS),
		RunMigrations:  cfg.Store.RunMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cache := resolver.NewCache(ms(cfg.Resolver.CacheTTLMS))
	res := resolver.New(db, db, cache)

	initiator := upstream.NewInitiator(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		SignedURLPath:    cfg.Upstream.SignedURLPath,
		HandshakeTimeout: ms(cfg.Upstream.HandshakeTimeoutMS),
		RecvBuffer:       cfg.Upstream.RecvBuffer,
	})

	notifier := reporter.NewHTTPNotifier(notifierConfig(cfg.Notifications))
	rep := reporter.New(reporter.Config{
		QueueBuffer:  cfg.Reporter.QueueBuffer,
		StoreTimeout: ms(cfg.Reporter.StoreTimeoutMS),
		RetryMax:     cfg.Reporter.RetryMax,
		RetryBackoff: ms(cfg.Reporter.RetryBackoffMS),
	}, db, notifier)

	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(
		observers.NewLoggerObserver(slog.Default()),
	), 256)

	tw, err := buildTransport(cfg.Transports)
	if err != nil {
		db.Close()
		return nil, err
	}
	tw.SetPreflight(func(ctx context.Context, agentID string) error {
		_, err := res.Resolve(ctx, agentID)
		return err
	})

	rly := relay.New(relay.Config{
		ReadyTimeout:   ms(cfg.Relay.ReadyTimeoutMS),
		InboxBuffer:    cfg.Relay.InboxBuffer,
		MalformedLimit: cfg.Relay.MalformedLimit,
	}, tw, res, initiator, rep, asyncObs)

	return &Engine{
		cfg:       cfg,
		db:        db,
		transport: tw,
		relay:     rly,
		reporter:  rep,
		notifier:  notifier,
		asyncObs:  asyncObs,
	}, nil
}

// Run starts the transport and blocks relaying frames until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		fields := []any{"transport", e.transport.Name()}
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
		slog.Info("voxrelay_ready", fields...)
	}
	return e.relay.Run(ctx)
}

// Drain stops accepting calls and releases resources; live sessions are
// torn down and their outcomes flushed.
func (e *Engine) Drain() error {
	e.relay.Stop()
	err := e.transport.Stop()
	e.reporter.Close()
	e.notifier.Close()
	e.asyncObs.Close()
	e.db.Close()
	return err
}

// Store exposes the persistence layer, e.g. for outbound-call scheduling.
func (e *Engine) Store() *store.Postgres { return e.db }

// Transport exposes the telephony edge, e.g. for outbound dialing.
func (e *Engine) Transport() transports.Transport { return e.transport }

func buildTransport(cfg TransportsConfig) (*twiliotransport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "twilio":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{
				"public_url", "server_addr", "agent_id",
				"voice_path", "ws_path", "status_callback_path", "recording_callback_path",
				"failure_announcement", "record_calls", "allow_any_origin", "allowed_origins",
			},
		}); err != nil {
			return nil, fmt.Errorf("transports.settings: %w", err)
		}
		var settings twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("twilio settings: %w", err)
		}
		if err := configutil.RequireString(settings.AccountSID, "transports.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		return twiliotransport.New(settings), nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Provider)
	}
}

func notifierConfig(cfg NotificationsConfig) reporter.NotifierConfig {
	out := reporter.NotifierConfig{
		QueueBuffer:  cfg.QueueBuffer,
		Timeout:      ms(cfg.TimeoutMS),
		RetryMax:     cfg.RetryMax,
		RetryBackoff: ms(cfg.RetryBackoffMS),
		CircuitOpen:  cfg.CircuitThreshold,
		CircuitCool:  ms(cfg.CircuitCooldownMS),
	}
	for _, wh := range cfg.Webhooks {
		out.Webhooks = append(out.Webhooks, reporter.WebhookConfig{URL: wh.URL, Secret: wh.Secret})
	}
	out.Calendar = reporter.CalendarConfig{
		URL:      cfg.Calendar.URL,
		APIKey:   cfg.Calendar.APIKey,
		Calendar: cfg.Calendar.Calendar,
	}
	return out
}

