// Dispatcher implements the C4 "god gateway" pipeline (spec §4.4): accept
// a Request, normalize, dedupe, allowlist, rate-limit, write a vault-first
// intent, dispatch to the bus, and write the result — exactly the seven
// steps in order. The step-by-step structured-error return shape follows
// the teacher's internal/handlers request-validation chains; the
// vault-first discipline (audit before side effect) has no teacher
// analogue and is new to this domain, grounded directly in spec §4.4/§9.
package router

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/labctl/fieldplane/internal/dedupe"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/eventstore"
	"github.com/labctl/fieldplane/internal/telemetry"
)

var tracer = telemetry.Tracer("router")

// Bus is the minimal publish surface the dispatcher needs, satisfied by
// *bus.InMemoryBus and *bus.RedisBus.
type Bus interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
}

// Dispatcher owns the per-process dedupe/rate state and the collaborators
// needed to run the full §4.4 pipeline.
type Dispatcher struct {
	Store   *eventstore.Store
	Bus     Bus
	Tracker *dedupe.Tracker
	Src     string // this router's node identifier, used as envelope.src
}

// Outcome is the result of one POST /god dispatch, carrying everything
// the HTTP handler needs to build a response.
type Outcome struct {
	OK            bool
	DryRun        bool
	RequestID     string
	DeniedReason  string
	RoutedTopic   string
	ResultSummary string
}

// Dispatch runs req through the full pipeline and returns the terminal
// outcome. Every terminal state — accepted, denied, published, failed —
// has a matching audit record written to the store before Dispatch
// returns, per §4.4's "Terminal states always have a matching audit
// record."
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "control.god_button.dispatch")
	defer span.End()

	req.Normalize()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("action", req.Action),
		attribute.String("scope", req.Scope),
	)
	dryRun := req.DryRun()

	// Step 2: dedupe.
	if d.Tracker.SeenRecently(req.RequestID) {
		return d.deny(ctx, req, dryRun, "duplicate request_id")
	}

	// Step 3: allowlist.
	if !IsAllowlisted(req.Action) {
		return d.deny(ctx, req, dryRun, "action not allowlisted")
	}

	// Step 4: rate limit.
	class := actionClass(req.Action)
	if !d.Tracker.Allow(class) {
		return d.deny(ctx, req, dryRun, fmt.Sprintf("rate limit exceeded for %s", class))
	}

	// Step 5: vault-first intent.
	intentEnv, err := envelope.New("control.god_button.intent", d.Src, req.TsMs, requestToData(req))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build intent envelope", err)
	}
	if _, err := d.Store.Append(intentEnv); err != nil {
		return nil, errs.Wrap(errs.FailClosed, "vault append failed, refusing to dispatch", err)
	}

	if dryRun {
		return d.writeResult(ctx, req, true, "", "dry-run: no dispatch")
	}

	// Step 6: dispatch. Publish failures are transient_io per §7 and get a
	// few retries with a short backoff before the dispatch is treated as
	// failed, per §4.4's retry policy.
	topic := Topic(req.Action, req.Scope)
	payload := requestToData(req)
	if err := publishWithRetry(ctx, d.Bus, "god.button", payload); err != nil {
		return d.failPublish(ctx, req, err)
	}
	if err := publishWithRetry(ctx, d.Bus, topic, payload); err != nil {
		return d.failPublish(ctx, req, err)
	}

	// Step 7: result audit.
	return d.writeResult(ctx, req, false, topic, "dispatched to "+topic)
}

func (d *Dispatcher) deny(ctx context.Context, req Request, dryRun bool, reason string) (*Outcome, error) {
	env, err := envelope.New("control.god_button.denied", d.Src, req.TsMs, map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
		"reason":     reason,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build denied envelope", err)
	}
	if _, err := d.Store.Append(env); err != nil {
		return nil, errs.Wrap(errs.Internal, "append denied event", err)
	}
	return &Outcome{
		OK:           false,
		DryRun:       dryRun,
		RequestID:    req.RequestID,
		DeniedReason: reason,
	}, nil
}

func (d *Dispatcher) failPublish(ctx context.Context, req Request, cause error) (*Outcome, error) {
	env, err := envelope.New("control.god_button.result", d.Src, time.Now().UnixMilli(), map[string]interface{}{
		"request_id": req.RequestID,
		"ok":         false,
		"reason":     cause.Error(),
	})
	if err == nil {
		d.Store.Append(env)
	}
	return nil, errs.Wrap(errs.TransientIO, "bus publish failed", cause)
}

func (d *Dispatcher) writeResult(ctx context.Context, req Request, dryRun bool, topic, summary string) (*Outcome, error) {
	data := map[string]interface{}{
		"request_id":     req.RequestID,
		"ok":             true,
		"result_summary": summary,
		"routed_topic":   topic,
		"dry_run":        dryRun,
	}
	env, err := envelope.New("control.god_button.result", d.Src, time.Now().UnixMilli(), data)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build result envelope", err)
	}
	if _, err := d.Store.Append(env); err != nil {
		return nil, errs.Wrap(errs.Internal, "append result event", err)
	}
	return &Outcome{
		OK:            true,
		DryRun:        dryRun,
		RequestID:     req.RequestID,
		RoutedTopic:   topic,
		ResultSummary: summary,
	}, nil
}

// maxPublishRetries and publishBackoff bound the transient_io retry policy
// §4.4/§7 call for on bus publish: "timeouts, 5xx, connection resets" are
// retried up to N times with backoff.
const maxPublishRetries = 3

var publishBackoff = 50 * time.Millisecond

func publishWithRetry(ctx context.Context, b Bus, topic string, payload map[string]interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxPublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(publishBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := b.Publish(ctx, topic, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func requestToData(req Request) map[string]interface{} {
	data := map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
		"scope":      req.Scope,
		"reason":     req.Reason,
		"ts_ms":      req.TsMs,
	}
	if req.Target != "" {
		data["target"] = req.Target
	}
	if req.Args != nil {
		data["args"] = req.Args
	}
	return data
}
