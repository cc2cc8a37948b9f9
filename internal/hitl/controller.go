// Package hitl implements the human-in-the-loop gate: durable suspension
// records, approval URLs, resume decisions and expiry.
package hitl

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// DefaultTimeout is how long a suspension waits for a decision when
// neither the request nor the controller sets one.
const DefaultTimeout = 24 * time.Hour

// Options configures a Controller. Zero values take defaults.
type Options struct {
	BaseURL        string
	DefaultTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
}

// Controller owns the suspended -> approved|rejected|expired lifecycle.
type Controller struct {
	store      store.SuspensionStore
	dispatcher *notify.Dispatcher
	obs        *observability.Context

	baseURL        string
	defaultTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

func NewController(st store.SuspensionStore, dispatcher *notify.Dispatcher, obs *observability.Context, opts Options) *Controller {
	if obs == nil {
		obs = observability.Nop()
	}
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(nil, obs)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Controller{
		store:          st,
		dispatcher:     dispatcher,
		obs:            obs,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		defaultTimeout: opts.DefaultTimeout,
		now:            opts.Now,
		newID:          opts.NewID,
	}
}

// ApprovalURL is where a reviewer resolves suspension id.
func ApprovalURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/resume/" + id
}

// SuspendParams describes the execution being paused.
type SuspendParams struct {
	RunID         string // execution id of the paused run
	Ensemble      string
	Step          string
	Continuation  json.RawMessage
	Request       *schema.SuspendRequest
	Notifications []schema.NotificationConfig
}

// Suspend persists a new suspension record under a fresh random id and
// notifies subscribers. Notification failures do not fail the suspension.
func (c *Controller) Suspend(ctx context.Context, p SuspendParams) (*schema.SuspensionInfo, error) {
	req := p.Request
	if req == nil {
		req = &schema.SuspendRequest{}
	}
	timeout := c.defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	now := c.now().UTC()
	id := c.newID()
	rec := &store.SuspendedExecution{
		ExecutionID:  id,
		Ensemble:     p.Ensemble,
		Step:         p.Step,
		Continuation: p.Continuation,
		Status:       schema.SuspensionSuspended,
		ApprovalURL:  ApprovalURL(c.baseURL, id),
		Message:      req.Message,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
	if err := c.store.CreateSuspension(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist suspension: %s", err.Error()).WithCause(err)
	}
	c.obs.Metrics.Suspension(ctx, string(schema.SuspensionSuspended))
	c.obs.Log(ctx).Info("execution suspended",
		"resume_id", id, "step", p.Step, "expires_at", rec.ExpiresAt)

	c.dispatcher.Dispatch(ctx, p.Notifications, schema.ExecutionEvent{
		Type:        schema.EventExecutionSuspended,
		ExecutionID: p.RunID,
		Ensemble:    p.Ensemble,
		Step:        p.Step,
		Status:      string(schema.ExecutionSuspended),
		Timestamp:   now,
		Data: map[string]any{
			"resumeId":    id,
			"approvalUrl": rec.ApprovalURL,
			"expiresAt":   rec.ExpiresAt,
			"message":     req.Message,
			"data":        req.Data,
		},
	}, req.Notify...)

	return &schema.SuspensionInfo{
		ExecutionID: id,
		ApprovalURL: rec.ApprovalURL,
		ExpiresAt:   rec.ExpiresAt,
		StepName:    p.Step,
		Message:     req.Message,
	}, nil
}

// Decision is the outcome of a resume call.
type Decision struct {
	Status schema.SuspensionStatus
	Record *store.SuspendedExecution
}

// Resume applies a human decision. An unknown id is NOT_FOUND and an already
// resolved record is CONFLICT. A record past its deadline is marked expired
// and the decision is not applied.
func (c *Controller) Resume(ctx context.Context, req schema.ResumeRequest) (*Decision, error) {
	rec, err := c.store.GetSuspension(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != schema.SuspensionSuspended {
		return nil, Transition(rec.ExecutionID, rec.Status, schema.SuspensionApproved)
	}

	now := c.now().UTC()
	to := schema.SuspensionRejected
	if req.Approved {
		to = schema.SuspensionApproved
	}
	res := store.Resolution{Actor: req.Actor, Comments: req.Comments, At: now}
	if now.After(rec.ExpiresAt) {
		to = schema.SuspensionExpired
		res = store.Resolution{At: now}
	}
	if err := Transition(rec.ExecutionID, rec.Status, to); err != nil {
		return nil, err
	}

	resolved, err := c.store.ResolveSuspension(ctx, rec.ExecutionID, to, res)
	if err != nil {
		return nil, err
	}
	c.obs.Metrics.Suspension(ctx, string(to))
	c.obs.Log(ctx).Info("suspension resolved",
		"resume_id", rec.ExecutionID, "status", string(to), "actor", req.Actor)
	return &Decision{Status: to, Record: resolved}, nil
}

// ExpireDue marks every suspension past its deadline as expired and returns
// the records it resolved. Records resolved concurrently are skipped.
func (c *Controller) ExpireDue(ctx context.Context) ([]*store.SuspendedExecution, error) {
	now := c.now().UTC()
	due, err := c.store.ListSuspensions(ctx, store.SuspensionFilter{
		Status:        schema.SuspensionSuspended,
		ExpiresBefore: now,
	})
	if err != nil {
		return nil, err
	}

	var expired []*store.SuspendedExecution
	for _, rec := range due {
		resolved, err := c.store.ResolveSuspension(ctx, rec.ExecutionID, schema.SuspensionExpired, store.Resolution{At: now})
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				continue
			}
			return expired, err
		}
		c.obs.Metrics.Suspension(ctx, string(schema.SuspensionExpired))
		expired = append(expired, resolved)
	}
	if len(expired) > 0 {
		c.obs.Log(ctx).Info("expired overdue suspensions", "count", len(expired))
	}
	return expired, nil
}

// Get returns a suspension record.
func (c *Controller) Get(ctx context.Context, id string) (*store.SuspendedExecution, error) {
	return c.store.GetSuspension(ctx, id)
}

// Pending lists suspensions still awaiting a decision.
func (c *Controller) Pending(ctx context.Context, ensemble string) ([]*store.SuspendedExecution, error) {
	return c.store.ListSuspensions(ctx, store.SuspensionFilter{
		Status:   schema.SuspensionSuspended,
		Ensemble: ensemble,
	})
}
