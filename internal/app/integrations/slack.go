package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/integration"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// NewHTTPClient returns a client whose requests are traced.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// SlackNotifier posts a scan summary to a provider's Slack webhooks.
type SlackNotifier struct {
	integrations integration.Repository
	scans        scanning.ScanRunRepository
	summaries    scanning.SummaryRepository
	client       *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSlackNotifier creates a SlackNotifier. A nil client uses NewHTTPClient.
func NewSlackNotifier(
	integrations integration.Repository,
	scans scanning.ScanRunRepository,
	summaries scanning.SummaryRepository,
	client *http.Client,
	logger *logger.Logger,
	tracer trace.Tracer,
) *SlackNotifier {
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}
	return &SlackNotifier{
		integrations: integrations,
		scans:        scans,
		summaries:    summaries,
		client:       client,
		logger:       logger.With("component", "slack_notifier"),
		tracer:       tracer,
	}
}

// Notify posts the summary of scanID to every enabled Slack integration of
// the provider and returns how many webhooks accepted it. A scan without
// summary rows is reported with zero counts. Every webhook is attempted; the
// failures are joined.
func (n *SlackNotifier) Notify(ctx context.Context, tenantID, providerID, scanID uuid.UUID) (int, error) {
	ctx, span := n.tracer.Start(ctx, "slack_notifier.notify",
		trace.WithAttributes(
			attribute.String("provider_id", providerID.String()),
			attribute.String("scan_id", scanID.String()),
		))
	defer span.End()

	enabled, err := n.integrations.ListEnabledForProvider(ctx, tenantID, providerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list integrations")
		return 0, fmt.Errorf("listing integrations for provider %s: %w", providerID, err)
	}

	run, err := n.scans.Get(ctx, tenantID, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan")
		return 0, fmt.Errorf("loading scan %s: %w", scanID, err)
	}
	rows, err := n.summaries.List(ctx, tenantID, scanID)
	if err != nil && !errors.Is(err, scanning.ErrSummaryNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load summary")
		return 0, fmt.Errorf("loading summary for scan %s: %w", scanID, err)
	}
	text := summaryText(run, scanning.StatsFromSummary(rows, run.UniqueResources()))

	var (
		sent int
		errs []error
	)
	for _, in := range enabled {
		if in.Kind != integration.KindSlack {
			continue
		}
		if err := n.post(ctx, in, text); err != nil {
			n.logger.Error(ctx, "Slack delivery failed", "integration_id", in.ID, "scan_id", scanID, "error", err)
			errs = append(errs, fmt.Errorf("integration %s: %w", in.ID, err))
			continue
		}
		sent++
	}
	span.SetAttributes(attribute.Int("slack.sent", sent))

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "slack delivery failed")
		return sent, err
	}
	n.logger.Info(ctx, "Posted scan summary", "provider_id", providerID, "scan_id", scanID, "count", sent)
	span.SetStatus(codes.Ok, "notifications sent")
	return sent, nil
}

func (n *SlackNotifier) post(ctx context.Context, in integration.Integration, text string) error {
	cfg, err := in.Slack()
	if err != nil {
		return err
	}
	body, err := json.Marshal(slackMessage{Channel: cfg.Channel, Text: text})
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &scanning.UpstreamUnavailableError{Service: "slack", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return &scanning.UpstreamUnavailableError{
			Service: "slack",
			Err:     fmt.Errorf("webhook returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func summaryText(run *scanning.ScanRun, st scanning.Stats) string {
	name := run.Name()
	if name == "" {
		name = run.ID().String()
	}
	return fmt.Sprintf(
		"Scan %q finished (%s): %d passed, %d failed, %d muted across %d resources. Critical: %d, High: %d.",
		name, run.State(), st.TotalPass, st.TotalFail, st.TotalMuted, st.Resources,
		st.BySeverity[scanning.SeverityCritical], st.BySeverity[scanning.SeverityHigh],
	)
}
