package whatsapp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/pkg/logging"
)

var gatewayTracer = otel.Tracer("citamed.internal.whatsapp")

// Provider delivers one message through a concrete channel and returns the
// provider-assigned message id.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) (string, error)
}

// Recorder persists outbound messages and their delivery transitions.
// Optional; a nil recorder disables persistence.
type Recorder interface {
	RecordOutbound(ctx context.Context, msg *OutboundMessage) error
}

// Gateway wraps a provider with recipient repair, session-window enforcement
// and template locale fallback.
type Gateway struct {
	provider    Provider
	sessions    SessionTracker
	recorder    Recorder
	locales     []string
	countryCode string
	window      time.Duration
	timeout     time.Duration
	clk         clock.Clock
	metrics     *metrics.PlatformMetrics
	logger      *logging.Logger
}

// GatewayOptions carries the policy knobs for a Gateway.
type GatewayOptions struct {
	Locales       []string
	CountryCode   string
	SessionWindow time.Duration
	SendTimeout   time.Duration
	Recorder      Recorder
	Clock         clock.Clock
	Metrics       *metrics.PlatformMetrics
}

func NewGateway(provider Provider, sessions SessionTracker, opts GatewayOptions, logger *logging.Logger) *Gateway {
	if provider == nil {
		panic("whatsapp: provider is required")
	}
	if sessions == nil {
		panic("whatsapp: session tracker is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	window := opts.SessionWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewUTC()
	}
	return &Gateway{
		provider:    provider,
		sessions:    sessions,
		recorder:    opts.Recorder,
		locales:     opts.Locales,
		countryCode: opts.CountryCode,
		window:      window,
		timeout:     timeout,
		clk:         clk,
		metrics:     opts.Metrics,
		logger:      logger.Component("whatsapp_gateway"),
	}
}

// Send delivers a message and returns the provider message id.
//
// Free-form kinds are rejected locally with OutsideSessionWindow when the
// recipient has not written in within the session window, saving the provider
// round-trip. Template sends skip that check. A template rejected for its
// locale is retried across the configured locale list before giving up.
func (g *Gateway) Send(ctx context.Context, msg *Message) (string, error) {
	ctx, span := gatewayTracer.Start(ctx, "gateway.send")
	defer span.End()

	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		return "", err
	}

	repaired, changed := RepairRecipient(msg.To, g.countryCode)
	if changed {
		g.logger.Warn("repaired malformed recipient", "from", msg.To, "to", repaired)
	}
	out := *msg
	out.To = repaired
	span.SetAttributes(
		attribute.String("message.kind", string(out.Kind)),
		attribute.String("provider", g.provider.Name()),
	)

	if out.Kind != KindTemplate {
		if err := g.checkSessionWindow(ctx, out.To); err != nil {
			span.SetStatus(codes.Error, string(KindOf(err)))
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	providerID, err := g.provider.Send(ctx, &out)
	if err != nil && out.Kind == KindTemplate && KindOf(err) == ErrTemplateRejected {
		providerID, err = g.retryTemplateLocales(ctx, &out, err)
	}
	g.metrics.ObserveOutboundLatency(g.provider.Name(), time.Since(started).Seconds())
	if err != nil {
		g.metrics.ObserveOutbound(string(out.Kind), g.provider.Name(), string(KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return "", err
	}
	g.metrics.ObserveOutbound(string(out.Kind), g.provider.Name(), "sent")

	g.record(ctx, &out, providerID)
	return providerID, nil
}

func (g *Gateway) checkSessionWindow(ctx context.Context, to string) error {
	// The registry may report the sender with or without the mobile-prefix
	// digit, so the tracker entry can live under either digit form.
	var last time.Time
	var seen bool
	for _, variant := range PhoneVariants(to, g.countryCode) {
		at, ok, err := g.sessions.LastInbound(ctx, variant)
		if err != nil {
			// Tracker trouble must not silently drop messages; let the
			// provider be the judge.
			g.logger.Warn("session tracker lookup failed", "error", err)
			return nil
		}
		if ok && at.After(last) {
			last = at
			seen = true
		}
	}
	if !seen || g.clk.Now().Sub(last) > g.window {
		return NewSendError(ErrOutsideSessionWindow, g.provider.Name(),
			errors.New("no inbound message within session window"))
	}
	return nil
}

func (g *Gateway) retryTemplateLocales(ctx context.Context, msg *Message, lastErr error) (string, error) {
	tried := map[string]bool{msg.Template.Language: true}
	for _, locale := range g.locales {
		if tried[locale] {
			continue
		}
		tried[locale] = true

		retry := *msg
		tmpl := *msg.Template
		tmpl.Language = locale
		retry.Template = &tmpl

		g.logger.Info("retrying template with fallback locale",
			"template", tmpl.Name, "locale", locale)
		id, err := g.provider.Send(ctx, &retry)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if KindOf(err) != ErrTemplateRejected {
			break
		}
	}
	return "", lastErr
}

func (g *Gateway) record(ctx context.Context, msg *Message, providerID string) {
	if g.recorder == nil {
		return
	}
	rec := &OutboundMessage{
		Recipient:         msg.To,
		Kind:              string(msg.Kind),
		Provider:          g.provider.Name(),
		ProviderMessageID: providerID,
		Status:            DeliverySent,
		SentAt:            g.clk.Now().UTC(),
	}
	if msg.Template != nil {
		rec.TemplateName = msg.Template.Name
	}
	if err := g.recorder.RecordOutbound(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Error("failed to record outbound message",
			"provider_message_id", providerID, "error", err)
	}
}
