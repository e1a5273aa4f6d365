package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// Masker scrubs secret material from payload JSON before it is written.
// Returns the (possibly rewritten) payload and whether anything was
// masked.
type Masker interface {
	MaskJSON(payload []byte) ([]byte, bool)
}

// Recorder appends events to the log and distributes them: the INSERT
// and the pg_notify fire in one transaction, so a notification is never
// observed for an event that did not commit. After commit the event is
// also published on the local bus; the envelope's pod field lets remote
// listeners skip events this pod already delivered locally.
type Recorder struct {
	store  *store.Store
	bus    *Bus
	masker Masker
	podID  string
}

// NewRecorder creates a Recorder. masker may be nil to disable masking.
func NewRecorder(st *store.Store, bus *Bus, masker Masker, podID string) *Recorder {
	return &Recorder{store: st, bus: bus, masker: masker, podID: podID}
}

// Append masks, persists, notifies, and locally publishes one event.
// On success e.ID holds the storage-assigned id.
func (r *Recorder) Append(ctx context.Context, e *models.Event) error {
	return r.AppendMany(ctx, []*models.Event{e})
}

// AppendMany appends a batch in one transaction. Ids are assigned in
// slice order, so callers control relative ordering within the batch.
func (r *Recorder) AppendMany(ctx context.Context, batch []*models.Event) error {
	if len(batch) == 0 {
		return nil
	}
	for _, e := range batch {
		r.mask(e)
	}

	tx, err := r.store.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize same-run appends until commit. BIGSERIAL ids are assigned
	// at insert, so without this a transaction holding a lower id could
	// commit after a reader already paged past a higher one, and the
	// cursor would skip it.
	for _, runID := range distinctRunIDs(batch) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runID); err != nil {
			return fmt.Errorf("failed to lock run %s for append: %w", runID, err)
		}
	}

	for _, e := range batch {
		if _, err := r.store.InsertEventTx(ctx, tx, e); err != nil {
			return err
		}
		notifyPayload, err := r.buildNotifyPayload(e)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, RunChannel(e.RunID), notifyPayload)
		if err != nil {
			return fmt.Errorf("pg_notify failed for run %s: %w", e.RunID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}

	for _, e := range batch {
		r.bus.Publish(e)
	}
	return nil
}

// Emit builds an event for a run and appends it. payload is marshaled;
// a nil payload records an empty object.
func (r *Recorder) Emit(ctx context.Context, run *models.Run, t models.EventType, stepID string, payload any) (*models.Event, error) {
	e, err := Build(run, t, stepID, payload)
	if err != nil {
		return nil, err
	}
	if err := r.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EmitSpan is Emit with an explicit parent span, used to nest tool call
// events under their batch.
func (r *Recorder) EmitSpan(ctx context.Context, run *models.Run, t models.EventType, stepID, parentSpanID string, payload any) (*models.Event, error) {
	e, err := Build(run, t, stepID, payload)
	if err != nil {
		return nil, err
	}
	if parentSpanID != "" {
		e.ParentSpanID = &parentSpanID
	}
	if err := r.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Build constructs an event carrying the run's identity fields. It does
// not persist anything.
func Build(run *models.Run, t models.EventType, stepID string, payload any) (*models.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return &models.Event{
		RunID:      run.ID,
		Scope:      run.Scope,
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		StepID:     stepID,
		SpanID:     models.NewSpanID(),
		Type:       t,
		Payload:    raw,
		GroupID:    run.GroupID,
	}, nil
}

// distinctRunIDs returns the batch's run ids deduplicated and sorted, so
// concurrent appenders take their advisory locks in the same order.
func distinctRunIDs(batch []*models.Event) []string {
	seen := make(map[string]struct{}, 1)
	var ids []string
	for _, e := range batch {
		if _, ok := seen[e.RunID]; ok {
			continue
		}
		seen[e.RunID] = struct{}{}
		ids = append(ids, e.RunID)
	}
	sort.Strings(ids)
	return ids
}

func (r *Recorder) mask(e *models.Event) {
	if r.masker == nil || len(e.Payload) == 0 {
		return
	}
	masked, hit := r.masker.MaskJSON(e.Payload)
	if hit {
		e.Payload = masked
		e.Redaction.ContainsSecrets = true
		slog.Debug("masked secrets in event payload",
			"run_id", e.RunID, "type", e.Type)
	}
}

// buildNotifyPayload serializes the event into the NOTIFY envelope,
// falling back to a truncation envelope when the full event exceeds the
// NOTIFY size limit.
func (r *Recorder) buildNotifyPayload(e *models.Event) (string, error) {
	full, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for notify: %w", err)
	}
	env := Envelope{
		RunID:   e.RunID,
		EventID: e.ID,
		SpanID:  e.SpanID,
		Type:    e.Type,
		Pod:     r.podID,
		Event:   full,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify envelope: %w", err)
	}
	if len(out) <= notifyLimit {
		return string(out), nil
	}

	env.Event = nil
	env.Truncated = true
	out, err = json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated envelope: %w", err)
	}
	return string(out), nil
}
