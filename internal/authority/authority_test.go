package authority

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/protocol"
	"github.com/roach88/learnsync/internal/store"
	"github.com/roach88/learnsync/internal/testutil"
)

func newTestAuthority(t *testing.T, opts ...Option) (*Authority, *testutil.ManualClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewManualClock(time.Time{})
	opts = append([]Option{WithIDs(ids.NewSequenceGenerator("srv"))}, opts...)
	a, err := New(context.Background(), s, clk, opts...)
	require.NoError(t, err)
	return a, clk
}

func event(id string, p outbox.Payload) outbox.Event {
	return outbox.Event{ID: id, Type: p.Type(), Payload: p, SyncStatus: outbox.StatusQueued}
}

func seedCoupon(t *testing.T, a *Authority, code string, max int) {
	t.Helper()
	require.NoError(t, a.Upsert(context.Background(), domain.EntityCoupons, domain.Coupon{
		Code:                 code,
		Scope:                domain.FullScope(),
		MaxRedemptions:       max,
		RedeemedByStudentIDs: []string{},
		Active:               true,
	}))
}

// redemption builds the three events a device enqueues for one redemption.
func redemption(prefix, code, student string, at time.Time) []outbox.Event {
	paymentID, grantID := prefix+"-pay", prefix+"-grant"
	return []outbox.Event{
		event(prefix+"-e1", outbox.CouponRedeemed{Code: code, StudentID: student, PaymentID: paymentID, GrantID: grantID, RedeemedAt: at}),
		event(prefix+"-e2", outbox.PaymentRecorded{Payment: domain.Payment{
			ID: paymentID, StudentID: student, Method: domain.PaymentCoupon, Status: domain.PaymentVerified, Reference: code, CreatedAt: at, UpdatedAt: at,
		}}),
		event(prefix+"-e3", outbox.LicenseGrantUpsert{Grant: domain.LicenseGrant{
			ID: grantID, StudentID: student, Scope: domain.FullScope(), SourcePaymentID: paymentID, CreatedAt: at,
		}}),
	}
}

func count(t *testing.T, a *Authority, e domain.Entity) int {
	t.Helper()
	n, err := a.Store().Table(e).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestPush_SameEventTwiceAppliesOnce(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority(t)
	msg := event("e1", outbox.MessageSend{Message: domain.Message{ID: "m1", SenderID: "t1", RecipientID: "s1", Body: "Well done"}})

	res, err := a.PushEvents(ctx, []outbox.Event{msg, msg})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.PushedCount, "an id repeated in one batch counts once")
	assert.Empty(t, res.ErrorsByEventID)

	_, err = a.PushEvents(ctx, []outbox.Event{msg})
	require.NoError(t, err)

	assert.Equal(t, 1, count(t, a, domain.EntityMessages))
	assert.Equal(t, 1, count(t, a, domain.EntityNotifications))
	applied, err := a.AppliedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestPush_DuplicateRedemptionDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	seedCoupon(t, a, "FREE30", 1000)

	events := redemption("d1", "free30", "s1", clk.Now())
	_, err := a.PushEvents(ctx, events)
	require.NoError(t, err)
	// Retried cycle: the device never saw the acknowledgement.
	res, err := a.PushEvents(ctx, events)
	require.NoError(t, err)
	assert.True(t, res.OK)

	c, err := a.Coupon(ctx, "FREE30")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, c.RedeemedByStudentIDs)
}

func TestPush_LastSlotRaceRejectsSecondRedemption(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	seedCoupon(t, a, "LAST1", 1)
	at := clk.Now()

	res, err := a.PushEvents(ctx, redemption("d1", "LAST1", "s1", at))
	require.NoError(t, err)
	require.True(t, res.OK)

	clk.Advance(time.Minute)
	res, err = a.PushEvents(ctx, redemption("d2", "LAST1", "s2", at))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 0, res.PushedCount)
	assert.Equal(t, map[string]string{
		"d2-e1": coupon.ReasonFullyRedeemed,
		"d2-e2": ReasonRedemptionRejected,
		"d2-e3": ReasonRedemptionRejected,
	}, res.ErrorsByEventID)

	c, err := a.Coupon(ctx, "LAST1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, c.RedeemedByStudentIDs)

	rejections, err := a.Rejections(ctx)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, "d2-pay", rejections[0].PaymentID)
	assert.Equal(t, "d2-grant", rejections[0].GrantID)
	assert.Equal(t, "s2", rejections[0].StudentID)

	grant, err := store.Get[domain.LicenseGrant](ctx, a.Store().Table(domain.EntityLicenseGrants), "d2-grant")
	require.NoError(t, err)
	assert.NotNil(t, grant.DeletedAt, "rejected grant is stored as a tombstone")

	payment, err := store.Get[domain.Payment](ctx, a.Store().Table(domain.EntityPayments), "d2-pay")
	require.NoError(t, err)
	assert.NotNil(t, payment.DeletedAt)

	notes, err := store.All[domain.Notification](ctx, a.Store().Table(domain.EntityNotifications))
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "s2", notes[0].UserID)
	assert.Equal(t, "Your redemption of code LAST1 was rejected: Code fully redeemed.", notes[0].Body)
}

func TestPush_RejectionIsReportedAgainOnRetry(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	seedCoupon(t, a, "LAST1", 1)

	_, err := a.PushEvents(ctx, redemption("d1", "LAST1", "s1", clk.Now()))
	require.NoError(t, err)
	losing := redemption("d2", "LAST1", "s2", clk.Now())
	first, err := a.PushEvents(ctx, losing)
	require.NoError(t, err)
	again, err := a.PushEvents(ctx, losing)
	require.NoError(t, err)

	assert.Equal(t, first.ErrorsByEventID, again.ErrorsByEventID)
	assert.Equal(t, 1, count(t, a, domain.EntityNotifications))
}

func TestPush_RevalidatesAtRedemptionTime(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	until := clk.Now().Add(time.Hour)
	require.NoError(t, a.Upsert(ctx, domain.EntityCoupons, domain.Coupon{
		Code: "SHORT", Scope: domain.FullScope(), ValidUntil: &until, MaxRedemptions: 5, Active: true,
	}))

	redeemedAt := clk.Now()
	clk.Advance(48 * time.Hour) // device was offline past the expiry

	res, err := a.PushEvents(ctx, redemption("d1", "SHORT", "s1", redeemedAt))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestPush_FutureRedemptionTimeIsClamped(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	from := clk.Now().Add(time.Hour)
	require.NoError(t, a.Upsert(ctx, domain.EntityCoupons, domain.Coupon{
		Code: "SOON", Scope: domain.FullScope(), ValidFrom: &from, MaxRedemptions: 5, Active: true,
	}))

	// The device clock runs two hours ahead of the authority.
	res, err := a.PushEvents(ctx, redemption("d1", "SOON", "s1", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonNotYetValid, res.ErrorsByEventID["d1-e1"])

	c, err := a.Coupon(ctx, "SOON")
	require.NoError(t, err)
	assert.Empty(t, c.RedeemedByStudentIDs)
}

func TestPush_UnknownCouponRejected(t *testing.T) {
	a, clk := newTestAuthority(t)

	res, err := a.PushEvents(context.Background(), redemption("d1", "NOPE", "s1", clk.Now()))
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonNotFound, res.ErrorsByEventID["d1-e1"])
}

func TestPush_CouponUpsertKeepsRedemptions(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	seedCoupon(t, a, "FREE30", 10)
	_, err := a.PushEvents(ctx, redemption("d1", "FREE30", "s1", clk.Now()))
	require.NoError(t, err)

	// An admin device deactivates the coupon from a stale copy.
	_, err = a.PushEvents(ctx, []outbox.Event{event("admin-e1", outbox.CouponUpsert{Coupon: domain.Coupon{
		Code: "free30", Scope: domain.FullScope(), MaxRedemptions: 10, RedeemedByStudentIDs: []string{}, Active: false,
	}})})
	require.NoError(t, err)

	c, err := a.Coupon(ctx, "FREE30")
	require.NoError(t, err)
	assert.False(t, c.Active)
	assert.Equal(t, []string{"s1"}, c.RedeemedByStudentIDs)
}

func TestPush_PaymentVerificationRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	require.NoError(t, a.Upsert(ctx, domain.EntityUsers,
		domain.User{ID: "admin", Role: domain.RoleSchoolAdmin},
		domain.User{ID: "s1", Role: domain.RoleStudent},
	))
	pending := domain.Payment{ID: "p1", StudentID: "s1", Method: domain.PaymentMobileMoney, Status: domain.PaymentPending, Reference: "MM-77"}

	res, err := a.PushEvents(ctx, []outbox.Event{
		event("e1", outbox.PaymentRecorded{Payment: pending}),
		event("e2", outbox.PaymentVerified{PaymentID: "p1", VerifiedBy: "s1", VerifiedAt: clk.Now()}),
		event("e3", outbox.PaymentVerified{PaymentID: "p1", VerifiedBy: "admin", VerifiedAt: clk.Now()}),
		event("e4", outbox.PaymentVerified{PaymentID: "missing", VerifiedBy: "admin", VerifiedAt: clk.Now()}),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"e2": ReasonNotAdmin, "e4": ReasonPaymentNotFound}, res.ErrorsByEventID)

	p, err := store.Get[domain.Payment](ctx, a.Store().Table(domain.EntityPayments), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentVerified, p.Status)
	assert.Equal(t, "admin", p.VerifiedBy)

	logs, err := store.All[domain.AuditLog](ctx, a.Store().Table(domain.EntityAuditLogs))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "payment_verified", logs[0].Action)

	// A late re-send of the pending payment does not undo the verification.
	_, err = a.PushEvents(ctx, []outbox.Event{event("e5", outbox.PaymentRecorded{Payment: pending})})
	require.NoError(t, err)
	p, err = store.Get[domain.Payment](ctx, a.Store().Table(domain.EntityPayments), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentVerified, p.Status)
}

func TestPush_GrantFromRejectedVerificationIsTombstoned(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	// a1 was demoted on the server before its device synced.
	require.NoError(t, a.Upsert(ctx, domain.EntityUsers,
		domain.User{ID: "a1", Role: domain.RoleTeacher},
		domain.User{ID: "s1", Role: domain.RoleStudent},
	))
	require.NoError(t, a.Upsert(ctx, domain.EntityPayments, domain.Payment{
		ID: "p1", StudentID: "s1", Method: domain.PaymentMobileMoney, Status: domain.PaymentPending, Reference: "MM-9",
	}))

	audit := &domain.AuditLog{ID: "a1-2", ActorID: "a1", Action: "payment_verified", EntityType: domain.EntityPayments, EntityID: "p1", Detail: "MM-9"}
	res, err := a.PushEvents(ctx, []outbox.Event{
		event("a1-ev-1", outbox.PaymentVerified{PaymentID: "p1", VerifiedBy: "a1", VerifiedAt: clk.Now(), Audit: audit}),
		event("a1-ev-2", outbox.LicenseGrantUpsert{Grant: domain.LicenseGrant{
			ID: "a1-1", StudentID: "s1", Scope: domain.FullScope(), SourcePaymentID: "p1",
		}}),
		event("a1-ev-3", outbox.LicenseGrantUpsert{Grant: domain.LicenseGrant{
			ID: "a1-3", StudentID: "s1", Scope: domain.FullScope(), SourcePaymentID: "missing",
		}}),
	})
	require.NoError(t, err)
	assert.Zero(t, res.PushedCount)
	assert.Equal(t, map[string]string{
		"a1-ev-1": ReasonNotAdmin,
		"a1-ev-2": ReasonPaymentNotVerified,
		"a1-ev-3": ReasonPaymentNotVerified,
	}, res.ErrorsByEventID)

	p, err := store.Get[domain.Payment](ctx, a.Store().Table(domain.EntityPayments), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)

	grants, err := store.All[domain.LicenseGrant](ctx, a.Store().Table(domain.EntityLicenseGrants))
	require.NoError(t, err)
	require.Len(t, grants, 2)
	for _, g := range grants {
		assert.NotNil(t, g.DeletedAt, g.ID)
	}

	logs, err := store.All[domain.AuditLog](ctx, a.Store().Table(domain.EntityAuditLogs))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "a1-2", logs[0].ID)
	assert.Equal(t, "MM-9 (rejected: "+ReasonNotAdmin+")", logs[0].Detail)
}

func TestPush_AuditRowKeepsDeviceID(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	require.NoError(t, a.Upsert(ctx, domain.EntityUsers, domain.User{ID: "admin", Role: domain.RoleSchoolAdmin}))
	require.NoError(t, a.Upsert(ctx, domain.EntityPayments, domain.Payment{
		ID: "p1", StudentID: "s1", Method: domain.PaymentMobileMoney, Status: domain.PaymentPending,
	}))

	res, err := a.PushEvents(ctx, []outbox.Event{
		event("e1", outbox.PaymentVerified{PaymentID: "p1", VerifiedBy: "admin", VerifiedAt: clk.Now(),
			Audit: &domain.AuditLog{ID: "admin-1", ActorID: "admin", Action: "payment_verified", EntityID: "p1"}}),
		event("e2", outbox.CouponUpsert{
			Coupon: domain.Coupon{Code: "NEW", Scope: domain.FullScope(), MaxRedemptions: 1, Active: true},
			Audit:  &domain.AuditLog{ID: "admin-2", ActorID: "admin", Action: "coupon_upserted", EntityID: "NEW"},
		}),
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	logs, err := store.All[domain.AuditLog](ctx, a.Store().Table(domain.EntityAuditLogs))
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "admin-1", logs[0].ID)
	assert.Equal(t, "admin-2", logs[1].ID)
	assert.Empty(t, logs[0].Detail)
}

func TestPush_NotificationReadChecksOwner(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	require.NoError(t, a.Upsert(ctx, domain.EntityNotifications, domain.Notification{ID: "n1", UserID: "s1", Title: "hi"}))

	res, err := a.PushEvents(ctx, []outbox.Event{
		event("e1", outbox.NotificationRead{NotificationID: "n1", UserID: "s2", ReadAt: clk.Now()}),
		event("e2", outbox.NotificationRead{NotificationID: "n1", UserID: "s1", ReadAt: clk.Now()}),
		event("e3", outbox.NotificationRead{NotificationID: "n9", UserID: "s1", ReadAt: clk.Now()}),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"e1": ReasonNotificationOwner, "e3": ReasonNotificationMissing}, res.ErrorsByEventID)

	n, err := store.Get[domain.Notification](ctx, a.Store().Table(domain.EntityNotifications), "n1")
	require.NoError(t, err)
	assert.NotNil(t, n.ReadAt)
}

func TestPull_FullSnapshotWhenSinceNil(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	seedCoupon(t, a, "FREE30", 10)
	require.NoError(t, a.Upsert(ctx, domain.EntityLessons, domain.Lesson{ID: "l1"}, domain.Lesson{ID: "l2"}))

	bundle, err := a.PullChanges(ctx, nil)
	require.NoError(t, err)

	assert.True(t, clk.Now().Equal(bundle.ServerTime))
	assert.Len(t, bundle.Lessons, 2)
	assert.Len(t, bundle.Coupons, 1)
	// every table is present in a snapshot, even when empty
	assert.NotNil(t, bundle.Users)
	assert.Len(t, bundle.Entities(), len(domain.SyncedEntities))
}

func TestPull_IncrementalSinceCursor(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority(t)
	require.NoError(t, a.Upsert(ctx, domain.EntityLessons, domain.Lesson{ID: "l1"}))

	clk.Advance(time.Second)
	first, err := a.PullChanges(ctx, nil)
	require.NoError(t, err)

	clk.Advance(time.Second)
	require.NoError(t, a.Upsert(ctx, domain.EntityLessons, domain.Lesson{ID: "l2"}))

	cursor := first.ServerTime
	next, err := a.PullChanges(ctx, &cursor)
	require.NoError(t, err)
	require.Len(t, next.Lessons, 1)
	assert.Equal(t, "l2", next.Lessons[0].ID)
	assert.Nil(t, next.Coupons, "tables without changes are absent")
}

func TestPull_ChangeAtCursorIsIncluded(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority(t)

	first, err := a.PullChanges(ctx, nil)
	require.NoError(t, err)
	// Same instant as the cursor: at-or-after includes it.
	require.NoError(t, a.Upsert(ctx, domain.EntityLessons, domain.Lesson{ID: "l1"}))

	cursor := first.ServerTime
	next, err := a.PullChanges(ctx, &cursor)
	require.NoError(t, err)
	assert.Len(t, next.Lessons, 1)
}

func TestPull_WithoutEntities(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority(t, WithoutEntities(domain.EntityLessonAssets))
	require.NoError(t, a.Upsert(ctx, domain.EntityLessonAssets, domain.LessonAsset{ID: "a1", Data: []byte{1, 2}}))

	bundle, err := a.PullChanges(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, bundle.LessonAssets)
	assert.NotContains(t, bundle.Entities(), domain.EntityLessonAssets)
}

func TestOffline(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority(t)
	a.SetOffline(true)

	_, err := a.PushEvents(ctx, nil)
	assert.ErrorIs(t, err, protocol.ErrOffline)
	_, err = a.PullChanges(ctx, nil)
	assert.ErrorIs(t, err, protocol.ErrOffline)

	a.SetOffline(false)
	_, err = a.PullChanges(ctx, nil)
	assert.NoError(t, err)
}

func TestFailNextPull(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority(t)
	a.FailNextPull()

	_, err := a.PullChanges(ctx, nil)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = a.PullChanges(ctx, nil)
	assert.NoError(t, err)
}

func TestUpsert_NormalizesCouponCode(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority(t)
	seedCoupon(t, a, "  free30 ", 1)

	c, err := a.Coupon(ctx, "FREE30")
	require.NoError(t, err)
	assert.Equal(t, "FREE30", c.Code)
}
