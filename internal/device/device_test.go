package device

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/learnsync/internal/access"
	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/store"
	"github.com/roach88/learnsync/internal/testutil"
)

type testDevice struct {
	*Device
	store *store.Store
	queue *outbox.Queue
	clk   *testutil.ManualClock
}

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestDevice(t *testing.T, userID string, eventIDs ids.Generator) *testDevice {
	t.Helper()
	s := openStore(t, "device.db")
	clk := testutil.NewManualClock(time.Time{})
	if eventIDs == nil {
		eventIDs = ids.NewSequenceGenerator(userID + "-ev")
	}
	q := outbox.NewQueue(s, clk, eventIDs)
	d := New(s, q, userID, WithClock(clk), WithIDs(ids.NewSequenceGenerator(userID)))
	return &testDevice{Device: d, store: s, queue: q, clk: clk}
}

// put writes records straight into the local store, as a pull would.
func (td *testDevice) put(t *testing.T, e domain.Entity, recs ...domain.Record) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, td.store.Table(e).Put(context.Background(), r))
	}
}

func (td *testDevice) events(t *testing.T) []outbox.Event {
	t.Helper()
	all, err := td.queue.All(context.Background())
	require.NoError(t, err)
	return all
}

func eventTypes(events []outbox.Event) []outbox.Type {
	out := make([]outbox.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func count(t *testing.T, s *store.Store, e domain.Entity) int {
	t.Helper()
	n, err := s.Table(e).Count(context.Background())
	require.NoError(t, err)
	return n
}

func couponFixture(code string, max int, redeemed ...string) domain.Coupon {
	if redeemed == nil {
		redeemed = []string{}
	}
	return domain.Coupon{
		Code:                 code,
		Scope:                domain.LevelScope("P5"),
		MaxRedemptions:       max,
		RedeemedByStudentIDs: redeemed,
		Active:               true,
	}
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)

	u, err := d.RegisterUser(ctx, domain.User{ID: "s1", Name: " Amina "})
	require.NoError(t, err)
	assert.Equal(t, "Amina", u.Name)
	assert.Equal(t, domain.RoleStudent, u.Role)
	assert.True(t, u.CreatedAt.Equal(testutil.Epoch))

	stored, err := store.Get[domain.User](ctx, d.store.Table(domain.EntityUsers), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Amina", stored.Name)

	events := d.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypeUserRegister, events[0].Type)
	assert.Equal(t, "s1", events[0].Payload.(outbox.UserRegister).User.ID)

	_, err = d.RegisterUser(ctx, domain.User{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSubmitLesson_ScoresQuizAndEnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)
	d.put(t, domain.EntityLessons, domain.Lesson{ID: "l1", Level: "P5"})
	d.put(t, domain.EntityQuizzes, domain.Quiz{ID: "q1", LessonID: "l1", Questions: []domain.QuizQuestion{
		{ID: "a", Answer: 1}, {ID: "b", Answer: 2}, {ID: "c", Answer: 0},
	}})

	sub, err := d.SubmitLesson(ctx, "l1", []int{1, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, "s1:l1", sub.Progress.ID)
	assert.Equal(t, domain.ProgressCompleted, sub.Progress.Status)
	require.NotNil(t, sub.Attempt)
	assert.Equal(t, 2, sub.Attempt.Score)
	assert.Equal(t, 3, sub.Attempt.MaxScore)

	events := d.events(t)
	require.Len(t, events, 1)
	p := events[0].Payload.(outbox.LessonSubmit)
	assert.Equal(t, sub.Progress.ID, p.Progress.ID)
	require.NotNil(t, p.Attempt)
	assert.Equal(t, sub.Attempt.ID, p.Attempt.ID)

	// Resubmission lands on the same progress row with a fresh attempt.
	d.clk.Advance(time.Hour)
	_, err = d.SubmitLesson(ctx, "l1", []int{1, 2, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, d.store, domain.EntityProgress))
	assert.Equal(t, 2, count(t, d.store, domain.EntityQuizAttempts))

	progress, err := store.Get[domain.Progress](ctx, d.store.Table(domain.EntityProgress), "s1:l1")
	require.NoError(t, err)
	assert.True(t, progress.CreatedAt.Equal(testutil.Epoch))
	assert.True(t, progress.UpdatedAt.Equal(testutil.Epoch.Add(time.Hour)))
}

func TestSubmitLesson_UnknownLessonWritesNothing(t *testing.T) {
	d := newTestDevice(t, "s1", nil)

	_, err := d.SubmitLesson(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, d.events(t))
	assert.Zero(t, count(t, d.store, domain.EntityProgress))
}

func TestSubmitLesson_UnreadableProgressWritesNothing(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)
	d.put(t, domain.EntityLessons, domain.Lesson{ID: "l1", Level: "P5"})
	_, err := d.store.Exec(ctx, `INSERT INTO records (entity, key, data) VALUES (?, ?, ?)`,
		string(domain.EntityProgress), "s1:l1", "{not json")
	require.NoError(t, err)

	_, err = d.SubmitLesson(ctx, "l1", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, d.events(t))
}

func TestRedeemCoupon_WritesRecordsAndThreeEvents(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)
	d.put(t, domain.EntityCoupons, couponFixture("FREE30", 2))

	res, err := d.RedeemCoupon(ctx, " free30 ")
	require.NoError(t, err)
	require.True(t, res.Verdict.OK)
	require.NotNil(t, res.Payment)
	require.NotNil(t, res.Grant)

	assert.Equal(t, domain.PaymentCoupon, res.Payment.Method)
	assert.Equal(t, domain.PaymentVerified, res.Payment.Status)
	assert.Equal(t, "FREE30", res.Payment.Reference)
	assert.Equal(t, res.Payment.ID, res.Grant.SourcePaymentID)
	assert.Equal(t, domain.LevelScope("P5"), res.Grant.Scope)

	c, err := store.Get[domain.Coupon](ctx, d.store.Table(domain.EntityCoupons), "FREE30")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, c.RedeemedByStudentIDs)

	events := d.events(t)
	assert.Equal(t, []outbox.Type{
		outbox.TypeCouponRedeemed,
		outbox.TypePaymentRecorded,
		outbox.TypeLicenseGrantUpsert,
	}, eventTypes(events))
	redeemed := events[0].Payload.(outbox.CouponRedeemed)
	assert.Equal(t, res.Payment.ID, redeemed.PaymentID)
	assert.Equal(t, res.Grant.ID, redeemed.GrantID)
	assert.True(t, redeemed.RedeemedAt.Equal(testutil.Epoch))

	d.put(t, domain.EntityLessons, domain.Lesson{ID: "l1", Level: "P5"})
	decision, err := d.CheckLessonAccess(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRedeemCoupon_RefusalLeavesOutboxUntouched(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)
	d.put(t, domain.EntityCoupons, couponFixture("USED", 1, "s9"))

	cases := []struct {
		code   string
		reason string
	}{
		{"NOPE", coupon.ReasonNotFound},
		{"used", coupon.ReasonFullyRedeemed},
	}
	for _, tc := range cases {
		res, err := d.RedeemCoupon(ctx, tc.code)
		require.NoError(t, err)
		assert.False(t, res.Verdict.OK)
		assert.Equal(t, tc.reason, res.Verdict.Reason)
		assert.Nil(t, res.Payment)
	}

	assert.Empty(t, d.events(t))
	assert.Zero(t, count(t, d.store, domain.EntityPayments))
	assert.Zero(t, count(t, d.store, domain.EntityLicenseGrants))
}

func TestRedeemCoupon_AlreadyRedeemedByYou(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)
	d.put(t, domain.EntityCoupons, couponFixture("FREE30", 5))

	_, err := d.RedeemCoupon(ctx, "FREE30")
	require.NoError(t, err)

	v, err := d.ValidateCoupon(ctx, "free30")
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonAlreadyRedeemed, v.Reason)

	res, err := d.RedeemCoupon(ctx, "FREE30")
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonAlreadyRedeemed, res.Verdict.Reason)
	assert.Len(t, d.events(t), 3)
}

func TestRedeemCoupon_FailureMidTransactionWritesNothing(t *testing.T) {
	ctx := context.Background()
	// The second outbox insert reuses an id and violates the primary key.
	d := newTestDevice(t, "s1", ids.NewFixedGenerator("ev-1", "ev-1"))
	d.put(t, domain.EntityCoupons, couponFixture("FREE30", 2))

	_, err := d.RedeemCoupon(ctx, "FREE30")
	require.ErrorIs(t, err, store.ErrConstraint)

	assert.Empty(t, d.events(t))
	assert.Zero(t, count(t, d.store, domain.EntityPayments))
	assert.Zero(t, count(t, d.store, domain.EntityLicenseGrants))
	c, err := store.Get[domain.Coupon](ctx, d.store.Table(domain.EntityCoupons), "FREE30")
	require.NoError(t, err)
	assert.Empty(t, c.RedeemedByStudentIDs)
}

func TestSubmitMobileMoneyPayment(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)

	p, err := d.SubmitMobileMoneyPayment(ctx, " MM-4471 ")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Equal(t, domain.PaymentMobileMoney, p.Method)
	assert.Equal(t, "MM-4471", p.Reference)
	assert.Equal(t, []outbox.Type{outbox.TypePaymentRecorded}, eventTypes(d.events(t)))

	_, err = d.SubmitMobileMoneyPayment(ctx, "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyPayment_AdminGrantsAccess(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "admin", nil)
	d.put(t, domain.EntityUsers, domain.User{ID: "admin", Role: domain.RoleSchoolAdmin})
	d.put(t, domain.EntityPayments, domain.Payment{
		ID: "p1", StudentID: "s1", Method: domain.PaymentMobileMoney, Status: domain.PaymentPending, Reference: "MM-1",
	})

	until := testutil.Epoch.AddDate(0, 1, 0)
	v, err := d.VerifyPayment(ctx, "p1", domain.SubjectScope("Maths"), &until)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentVerified, v.Payment.Status)
	assert.Equal(t, "admin", v.Payment.VerifiedBy)
	assert.Equal(t, "s1", v.Grant.StudentID)
	assert.Equal(t, "p1", v.Grant.SourcePaymentID)

	events := d.events(t)
	assert.Equal(t, []outbox.Type{outbox.TypePaymentVerified, outbox.TypeLicenseGrantUpsert}, eventTypes(events))

	logs, err := store.All[domain.AuditLog](ctx, d.store.Table(domain.EntityAuditLogs))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "payment_verified", logs[0].Action)
	assert.Equal(t, "p1", logs[0].EntityID)
	// The authority stores the same row rather than writing its own.
	sent := events[0].Payload.(outbox.PaymentVerified).Audit
	require.NotNil(t, sent)
	assert.Equal(t, logs[0].ID, sent.ID)

	_, err = d.VerifyPayment(ctx, "p1", domain.FullScope(), nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyPayment_RequiresAdmin(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "t1", nil)
	d.put(t, domain.EntityUsers, domain.User{ID: "t1", Role: domain.RoleTeacher})
	d.put(t, domain.EntityPayments, domain.Payment{ID: "p1", StudentID: "s1", Status: domain.PaymentPending})

	_, err := d.VerifyPayment(ctx, "p1", domain.FullScope(), nil)
	assert.ErrorIs(t, err, ErrNotAdmin)
	assert.Empty(t, d.events(t))
	assert.Zero(t, count(t, d.store, domain.EntityAuditLogs))

	_, err = d.CreateCoupon(ctx, couponFixture("X", 1))
	assert.ErrorIs(t, err, ErrNotAdmin)
}

func TestCreateAndDeactivateCoupon(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "admin", nil)
	d.put(t, domain.EntityUsers, domain.User{ID: "admin", Role: domain.RoleSystemAdmin})

	c, err := d.CreateCoupon(ctx, domain.Coupon{Code: "term2", Scope: domain.FullScope(), MaxRedemptions: 30, Active: true})
	require.NoError(t, err)
	assert.Equal(t, "TERM2", c.Code)
	assert.Equal(t, []string{}, c.RedeemedByStudentIDs)

	c, err = d.DeactivateCoupon(ctx, "Term2")
	require.NoError(t, err)
	assert.False(t, c.Active)

	events := d.events(t)
	assert.Equal(t, []outbox.Type{outbox.TypeCouponUpsert, outbox.TypeCouponUpsert}, eventTypes(events))
	assert.False(t, events[1].Payload.(outbox.CouponUpsert).Coupon.Active)
	for _, ev := range events {
		assert.NotNil(t, ev.Payload.(outbox.CouponUpsert).Audit)
	}
	assert.Equal(t, 2, count(t, d.store, domain.EntityAuditLogs))

	_, err = d.CreateCoupon(ctx, domain.Coupon{Code: "BAD", Scope: domain.FullScope()})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = d.CreateCoupon(ctx, domain.Coupon{Code: "BAD", MaxRedemptions: 1, Scope: domain.LicenseScope{Type: domain.ScopeLevel}})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMessagesAndNotifications(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)

	m, err := d.SendMessage(ctx, "t1", "When is the test?")
	require.NoError(t, err)
	assert.Equal(t, "s1", m.SenderID)

	d.put(t, domain.EntityNotifications,
		domain.Notification{ID: "n1", UserID: "s1", Title: "Welcome"},
		domain.Notification{ID: "n2", UserID: "s2", Title: "Not yours"},
	)

	n, err := d.MarkNotificationRead(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, n.ReadAt)

	// Second read is a no-op.
	_, err = d.MarkNotificationRead(ctx, "n1")
	require.NoError(t, err)

	_, err = d.MarkNotificationRead(ctx, "n2")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = d.MarkNotificationRead(ctx, "n404")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, []outbox.Type{outbox.TypeMessageSend, outbox.TypeNotificationRead}, eventTypes(d.events(t)))

	notes, err := d.Notifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "n1", notes[0].ID)
}

func TestCheckLessonAccess(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, "s1", nil)
	expired := testutil.Epoch.Add(-time.Minute)
	d.put(t, domain.EntityLessons,
		domain.Lesson{ID: "trial", Tags: []string{"Trial"}},
		domain.Lesson{ID: "maths", Subject: "Maths", Level: "P6"},
		domain.Lesson{ID: "science", Subject: "Science", Level: "P6"},
	)
	d.put(t, domain.EntityLicenseGrants,
		domain.LicenseGrant{ID: "g1", StudentID: "s1", Scope: domain.SubjectScope("maths")},
		domain.LicenseGrant{ID: "g2", StudentID: "s1", Scope: domain.LevelScope("P6"), ValidUntil: &expired},
		domain.LicenseGrant{ID: "g3", StudentID: "s2", Scope: domain.FullScope()},
	)

	for lesson, allowed := range map[string]bool{"trial": true, "maths": true, "science": false} {
		decision, err := d.CheckLessonAccess(ctx, lesson)
		require.NoError(t, err)
		assert.Equal(t, allowed, decision.Allowed, lesson)
		if !allowed {
			assert.Equal(t, access.ReasonNoLicense, decision.Reason)
		}
	}

	grants, err := d.Grants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "g1", grants[0].ID)

	_, err = d.CheckLessonAccess(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
