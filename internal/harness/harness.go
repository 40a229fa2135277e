package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/learnsync/internal/authority"
	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/device"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/engine"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/seed"
	"github.com/roach88/learnsync/internal/store"
	"github.com/roach88/learnsync/internal/syncmeta"
	"github.com/roach88/learnsync/internal/testutil"
)

// Node is one simulated device: a user, a local store and its sync engine.
type Node struct {
	User       string
	Store      *store.Store
	Queue      *outbox.Queue
	Device     *device.Device
	Controller *engine.Controller
}

// Harness holds the world a scenario runs in.
type Harness struct {
	remote *authority.Authority
	clock  *testutil.ManualClock
	nodes  map[string]*Node
	stores []*store.Store
	logger *slog.Logger
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger sets the logger handed to every component. The default
// discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory databases, a manual clock
// starting at testutil.Epoch, and sequence id generators, so the trace is
// identical across runs.
//
// A non-nil error means the world could not be built (bad catalog, store
// failure). Failed expectations and assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	ctx := context.Background()

	h := &Harness{
		clock:  testutil.NewManualClock(time.Time{}),
		nodes:  make(map[string]*Node),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	if err := h.setup(ctx, scenario); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, st := range scenario.Steps {
		ev := result.AddTrace(h.execute(ctx, st))
		for _, msg := range checkExpect(st, ev) {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, st.Action, msg))
		}
	}

	actx := &AssertionContext{
		Ctx:       ctx,
		Authority: h.remote,
		Nodes:     h.nodes,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	remoteStore, err := h.open()
	if err != nil {
		return err
	}
	h.remote, err = authority.New(ctx, remoteStore, h.clock,
		authority.WithIDs(ids.NewSequenceGenerator("srv")),
		authority.WithLogger(h.logger.With("component", "authority")),
	)
	if err != nil {
		return fmt.Errorf("failed to create authority: %w", err)
	}

	cat, err := seed.Load(scenario.Catalog)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if _, err := cat.Apply(ctx, h.remote, h.clock.Now()); err != nil {
		return fmt.Errorf("failed to seed authority: %w", err)
	}

	for _, user := range scenario.Devices {
		s, err := h.open()
		if err != nil {
			return err
		}
		log := h.logger.With("device", user)
		q := outbox.NewQueue(s, h.clock, ids.NewSequenceGenerator(user+"-ev"))
		eng := engine.New(s, q, h.remote, &syncmeta.MemoryStore{}, engine.WithLogger(log))
		h.nodes[user] = &Node{
			User:  user,
			Store: s,
			Queue: q,
			Device: device.New(s, q, user,
				device.WithClock(h.clock),
				device.WithIDs(ids.NewSequenceGenerator(user)),
				device.WithLogger(log),
			),
			Controller: engine.NewController(eng),
		}
	}
	return nil
}

func (h *Harness) open() (*store.Store, error) {
	s, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	h.stores = append(h.stores, s)
	return s, nil
}

func (h *Harness) close() {
	for _, s := range h.stores {
		s.Close()
	}
}

// execute runs one step. Errors from the system under test are part of the
// trace, not failures of the harness.
func (h *Harness) execute(ctx context.Context, st Step) TraceEvent {
	ev := TraceEvent{Device: st.Device, Action: st.Action, Outcome: OutcomeOK}

	var err error
	switch st.Action {
	case ActionOffline:
		h.remote.SetOffline(true)
	case ActionOnline:
		h.remote.SetOffline(false)
	case ActionFailNextPull:
		h.remote.FailNextPull()
	case ActionAdvance:
		d, _ := time.ParseDuration(st.By)
		ev.Detail = map[string]any{"now": h.clock.Advance(d).Format(time.RFC3339)}
	default:
		err = h.onDevice(ctx, h.nodes[st.Device], st, &ev)
	}

	if err != nil {
		ev.Outcome = OutcomeError
		if ev.Detail == nil {
			ev.Detail = map[string]any{}
		}
		ev.Detail["reason"] = err.Error()
	}
	return ev
}

func (h *Harness) onDevice(ctx context.Context, n *Node, st Step, ev *TraceEvent) error {
	switch st.Action {
	case ActionSync:
		report, err := n.Controller.SyncNow(ctx, engine.SyncContext{CurrentUserID: n.User})
		if err != nil {
			ev.Detail = map[string]any{"phase": string(engine.PhaseOf(err))}
			return fmt.Errorf("%s", engine.UserMessage(err))
		}
		ev.Detail = map[string]any{
			"pushed":        report.Pushed,
			"failed":        report.Failed,
			"notifications": len(report.Notifications),
		}
		return nil

	case ActionRedeem:
		ev.Detail = map[string]any{"code": coupon.NormalizeCode(st.Code)}
		res, err := n.Device.RedeemCoupon(ctx, st.Code)
		if err != nil {
			return err
		}
		if !res.Verdict.OK {
			ev.Outcome = OutcomeRefused
			ev.Detail["reason"] = res.Verdict.Reason
		}
		return nil

	case ActionSubmit:
		ev.Detail = map[string]any{"lesson": st.Lesson}
		sub, err := n.Device.SubmitLesson(ctx, st.Lesson, st.Answers)
		if err != nil {
			return err
		}
		if sub.Attempt != nil {
			ev.Detail["score"] = sub.Attempt.Score
			ev.Detail["max_score"] = sub.Attempt.MaxScore
		}
		return nil

	case ActionAccess:
		ev.Detail = map[string]any{"lesson": st.Lesson}
		decision, err := n.Device.CheckLessonAccess(ctx, st.Lesson)
		if err != nil {
			return err
		}
		ev.Outcome = OutcomeAllowed
		if !decision.Allowed {
			ev.Outcome = OutcomeDenied
			ev.Detail["reason"] = decision.Reason
		}
		return nil

	case ActionPay:
		ev.Detail = map[string]any{"reference": st.Reference}
		_, err := n.Device.SubmitMobileMoneyPayment(ctx, st.Reference)
		return err

	case ActionVerify:
		ev.Detail = map[string]any{"reference": st.Reference}
		p, err := paymentByReference(ctx, n.Store, st.Reference)
		if err != nil {
			return err
		}
		scope, _ := domain.ParseScope(st.Scope)
		var validUntil *time.Time
		if st.ValidUntil != "" {
			t, _ := time.Parse(time.RFC3339, st.ValidUntil)
			validUntil = &t
		}
		v, err := n.Device.VerifyPayment(ctx, p.ID, scope, validUntil)
		if err != nil {
			return err
		}
		ev.Detail["student"] = v.Grant.StudentID
		ev.Detail["scope"] = v.Grant.Scope.String()
		return nil

	case ActionMessage:
		ev.Detail = map[string]any{"to": st.To}
		_, err := n.Device.SendMessage(ctx, st.To, st.Body)
		return err

	case ActionRead:
		notes, err := n.Device.Notifications(ctx)
		if err != nil {
			return err
		}
		read := 0
		for _, note := range notes {
			if note.ReadAt != nil {
				continue
			}
			if _, err := n.Device.MarkNotificationRead(ctx, note.ID); err != nil {
				return err
			}
			read++
		}
		ev.Detail = map[string]any{"read": read}
		return nil
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

// paymentByReference finds the live payment with reference in s. Payments
// are looked up by reference because their ids are generated on the paying
// device.
func paymentByReference(ctx context.Context, s *store.Store, reference string) (domain.Payment, error) {
	payments, err := store.All[domain.Payment](ctx, s.Table(domain.EntityPayments))
	if err != nil {
		return domain.Payment{}, err
	}
	for _, p := range payments {
		if p.Reference == reference && p.DeletedAt == nil {
			return p, nil
		}
	}
	return domain.Payment{}, fmt.Errorf("no payment with reference %q: %w", reference, store.ErrNotFound)
}

// checkExpect compares a step's trace event with its expect clause. A step
// without one must not end in an error.
func checkExpect(st Step, ev TraceEvent) []string {
	reason, _ := ev.Detail["reason"].(string)
	if st.Expect == nil {
		if ev.Outcome == OutcomeError {
			return []string{fmt.Sprintf("unexpected error: %s", reason)}
		}
		return nil
	}

	var errs []string
	exp := st.Expect
	if exp.Outcome != "" && exp.Outcome != ev.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s %s", exp.Outcome, ev.Outcome, reason))
	}
	if exp.Reason != "" && !strings.Contains(reason, exp.Reason) {
		errs = append(errs, fmt.Sprintf("expected reason containing %q, got %q", exp.Reason, reason))
	}
	for _, c := range []struct {
		key  string
		want *int
	}{{"pushed", exp.Pushed}, {"failed", exp.Failed}} {
		if c.want == nil {
			continue
		}
		if got, ok := ev.Detail[c.key].(int); !ok || got != *c.want {
			errs = append(errs, fmt.Sprintf("expected %s=%d, got %v", c.key, *c.want, ev.Detail[c.key]))
		}
	}
	return errs
}

