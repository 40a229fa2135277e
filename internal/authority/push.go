package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/protocol"
	"github.com/roach88/learnsync/internal/store"
)

// Rejection messages produced on the server side.
const (
	ReasonRedemptionRejected  = "Redemption was rejected by the server."
	ReasonPaymentNotFound     = "Payment not found."
	ReasonNotAdmin            = "Only admins can verify payments."
	ReasonNotificationMissing = "Notification not found."
	ReasonNotificationOwner   = "Notification belongs to another user."
	ReasonPaymentNotVerified  = "License payment is not verified."
)

// PushEvents applies events in the order given. Each event commits in its
// own transaction; an event id already applied reports its recorded outcome
// and changes nothing.
//
// An error means the batch stopped part way. Events applied before the
// failure stay applied, and re-pushing them is harmless.
func (a *Authority) PushEvents(ctx context.Context, events []outbox.Event) (protocol.PushResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.offline {
		return protocol.PushResult{}, protocol.ErrOffline
	}

	rejected := make(map[string]string)
	seen := make(map[string]bool, len(events))
	pushed := 0
	for _, ev := range events {
		reason, err := a.apply(ctx, ev)
		if err != nil {
			return protocol.PushResult{}, fmt.Errorf("apply event %s: %w", ev.ID, err)
		}
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		if reason != "" {
			rejected[ev.ID] = reason
			continue
		}
		pushed++
	}

	result := protocol.PushResult{OK: len(rejected) == 0, PushedCount: pushed}
	if len(rejected) > 0 {
		result.ErrorsByEventID = rejected
	}
	a.logger.Debug("push applied", "events", len(events), "pushed", pushed, "rejected", len(rejected))
	return result, nil
}

// apply runs one event and returns its rejection message, if any. A
// rejection still commits: the ledger entry and any tombstones or
// notifications it produced are part of the outcome.
func (a *Authority) apply(ctx context.Context, ev outbox.Event) (string, error) {
	var reason string
	err := a.store.Transaction(ctx, store.ReadWrite, domain.SyncedEntities, func(tx *store.Tx) error {
		var recorded string
		err := tx.QueryRow(ctx, `SELECT error FROM applied_events WHERE event_id = ?`, ev.ID).Scan(&recorded)
		if err == nil {
			a.logger.Debug("duplicate event", "id", ev.ID, "type", ev.Type)
			reason = recorded
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check ledger: %w", err)
		}

		w := a.writer(tx)
		reason, err = a.dispatch(ctx, w, ev.Payload)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO applied_events (event_id, type, error, applied_at) VALUES (?, ?, ?, ?)`,
			ev.ID, string(ev.Type), reason, w.now.UnixNano())
		if err != nil {
			return fmt.Errorf("record ledger: %w", err)
		}
		return nil
	})
	return reason, err
}

func (a *Authority) dispatch(ctx context.Context, w *writer, payload outbox.Payload) (string, error) {
	switch p := payload.(type) {
	case outbox.UserRegister:
		return "", w.put(ctx, domain.EntityUsers, p.User)
	case outbox.LessonSubmit:
		return "", a.applyLessonSubmit(ctx, w, p)
	case outbox.CouponRedeemed:
		return a.applyCouponRedeemed(ctx, w, p)
	case outbox.PaymentRecorded:
		return a.applyPaymentRecorded(ctx, w, p)
	case outbox.PaymentVerified:
		return a.applyPaymentVerified(ctx, w, p)
	case outbox.LicenseGrantUpsert:
		return a.applyGrantUpsert(ctx, w, p)
	case outbox.CouponUpsert:
		return "", a.applyCouponUpsert(ctx, w, p)
	case outbox.MessageSend:
		return "", a.applyMessageSend(ctx, w, p)
	case outbox.NotificationRead:
		return a.applyNotificationRead(ctx, w, p)
	default:
		return "", fmt.Errorf("unsupported payload %T", payload)
	}
}

func (a *Authority) applyLessonSubmit(ctx context.Context, w *writer, p outbox.LessonSubmit) error {
	if err := w.put(ctx, domain.EntityProgress, p.Progress); err != nil {
		return err
	}
	if p.Attempt != nil {
		return w.add(ctx, domain.EntityQuizAttempts, *p.Attempt)
	}
	return nil
}

// applyCouponRedeemed re-validates the redemption against the authority's
// copy of the coupon, at the time the device redeemed it. A redemption time
// ahead of the authority clock is clamped to it.
func (a *Authority) applyCouponRedeemed(ctx context.Context, w *writer, p outbox.CouponRedeemed) (string, error) {
	code := coupon.NormalizeCode(p.Code)
	at := p.RedeemedAt
	if at.After(w.now) {
		at = w.now
	}

	c, err := store.Get[domain.Coupon](ctx, w.tx.Table(domain.EntityCoupons), code)
	var verdict coupon.Verdict
	switch {
	case errors.Is(err, store.ErrNotFound):
		verdict = coupon.Verdict{Reason: coupon.ReasonNotFound}
	case err != nil:
		return "", err
	default:
		verdict = coupon.Validate(c, p.StudentID, at)
	}

	if verdict.OK {
		c.RedeemedByStudentIDs = append(c.RedeemedByStudentIDs, p.StudentID)
		c.UpdatedAt = w.now
		return "", w.put(ctx, domain.EntityCoupons, c)
	}

	a.logger.Info("redemption rejected", "code", code, "student", p.StudentID, "reason", verdict.Reason)

	_, err = w.tx.Exec(ctx, `
		INSERT INTO rejected_redemptions (payment_id, grant_id, coupon_code, student_id, reason, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, p.PaymentID, p.GrantID, code, p.StudentID, verdict.Reason, w.now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("record rejected redemption: %w", err)
	}

	// Records the device already pushed are tombstoned here. Ones still in
	// flight are tombstoned when their own events arrive.
	if err := tombstone[domain.Payment](ctx, w, domain.EntityPayments, p.PaymentID, func(v *domain.Payment) {
		v.DeletedAt, v.UpdatedAt = &w.now, w.now
	}); err != nil {
		return "", err
	}
	if err := tombstone[domain.LicenseGrant](ctx, w, domain.EntityLicenseGrants, p.GrantID, func(v *domain.LicenseGrant) {
		v.DeletedAt = &w.now
	}); err != nil {
		return "", err
	}

	note := domain.Notification{
		ID:        a.ids.NewID(),
		UserID:    p.StudentID,
		Title:     "Redemption rejected",
		Body:      fmt.Sprintf("Your redemption of code %s was rejected: %s", code, verdict.Reason),
		CreatedAt: w.now,
		UpdatedAt: w.now,
	}
	if err := w.put(ctx, domain.EntityNotifications, note); err != nil {
		return "", err
	}
	return verdict.Reason, nil
}

func tombstone[T domain.Record](ctx context.Context, w *writer, e domain.Entity, key string, mark func(*T)) error {
	v, err := store.Get[T](ctx, w.tx.Table(e), key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mark(&v)
	return w.put(ctx, e, v)
}

func (a *Authority) redemptionRejected(ctx context.Context, w *writer, column, id string) (bool, error) {
	var n int
	err := w.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM rejected_redemptions WHERE `+column+` = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check rejected redemptions: %w", err)
	}
	return n > 0, nil
}

func (a *Authority) applyPaymentRecorded(ctx context.Context, w *writer, p outbox.PaymentRecorded) (string, error) {
	payment := p.Payment

	rejected, err := a.redemptionRejected(ctx, w, "payment_id", payment.ID)
	if err != nil {
		return "", err
	}
	if rejected {
		payment.DeletedAt, payment.UpdatedAt = &w.now, w.now
		return ReasonRedemptionRejected, w.put(ctx, domain.EntityPayments, payment)
	}

	// A late pending copy never undoes a verification.
	existing, err := store.Get[domain.Payment](ctx, w.tx.Table(domain.EntityPayments), payment.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", err
	case existing.Status == domain.PaymentVerified && payment.Status != domain.PaymentVerified:
		payment.Status = existing.Status
		payment.VerifiedBy = existing.VerifiedBy
		payment.VerifiedAt = existing.VerifiedAt
	}
	return "", w.put(ctx, domain.EntityPayments, payment)
}

func (a *Authority) applyPaymentVerified(ctx context.Context, w *writer, p outbox.PaymentVerified) (string, error) {
	admin, err := store.Get[domain.User](ctx, w.tx.Table(domain.EntityUsers), p.VerifiedBy)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !admin.Role.IsAdmin()) {
		return a.rejectVerification(ctx, w, p, ReasonNotAdmin)
	}
	if err != nil {
		return "", err
	}

	payment, err := store.Get[domain.Payment](ctx, w.tx.Table(domain.EntityPayments), p.PaymentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && payment.DeletedAt != nil) {
		return a.rejectVerification(ctx, w, p, ReasonPaymentNotFound)
	}
	if err != nil {
		return "", err
	}

	verifiedAt := p.VerifiedAt
	payment.Status = domain.PaymentVerified
	payment.VerifiedBy = p.VerifiedBy
	payment.VerifiedAt = &verifiedAt
	payment.UpdatedAt = w.now
	if err := w.put(ctx, domain.EntityPayments, payment); err != nil {
		return "", err
	}

	row := p.Audit
	if row == nil {
		row = &domain.AuditLog{
			ID:         a.ids.NewID(),
			ActorID:    p.VerifiedBy,
			Action:     "payment_verified",
			EntityType: domain.EntityPayments,
			EntityID:   payment.ID,
			Detail:     payment.Reference,
			CreatedAt:  w.now,
		}
	}
	return "", recordAudit(ctx, w, row, "")
}

// rejectVerification re-sends the authority's copy of the payment, so the
// admin device's optimistic verified copy is replaced on its next pull, and
// stores the admin's audit row marked rejected.
func (a *Authority) rejectVerification(ctx context.Context, w *writer, p outbox.PaymentVerified, reason string) (string, error) {
	a.logger.Info("verification rejected", "payment", p.PaymentID, "by", p.VerifiedBy, "reason", reason)

	payment, err := store.Get[domain.Payment](ctx, w.tx.Table(domain.EntityPayments), p.PaymentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", err
	default:
		if err := w.put(ctx, domain.EntityPayments, payment); err != nil {
			return "", err
		}
	}
	return reason, recordAudit(ctx, w, p.Audit, reason)
}

// recordAudit stores an audit row that arrived with an event under the
// device's id. A rejected action keeps its row, with the reason appended.
func recordAudit(ctx context.Context, w *writer, row *domain.AuditLog, reason string) error {
	if row == nil {
		return nil
	}
	rec := *row
	if reason != "" {
		if rec.Detail == "" {
			rec.Detail = "rejected: " + reason
		} else {
			rec.Detail = fmt.Sprintf("%s (rejected: %s)", rec.Detail, reason)
		}
	}
	return w.put(ctx, domain.EntityAuditLogs, rec)
}

// applyGrantUpsert stores a grant only when what backs it holds on the
// authority: its redemption was not rejected and its source payment, if
// any, is verified and not deleted. A refused grant is stored as a
// tombstone so the device that made it loses it on the next pull.
func (a *Authority) applyGrantUpsert(ctx context.Context, w *writer, p outbox.LicenseGrantUpsert) (string, error) {
	grant := p.Grant

	rejected, err := a.redemptionRejected(ctx, w, "grant_id", grant.ID)
	if err != nil {
		return "", err
	}
	if rejected {
		grant.DeletedAt = &w.now
		return ReasonRedemptionRejected, w.put(ctx, domain.EntityLicenseGrants, grant)
	}

	if grant.SourcePaymentID != "" {
		payment, err := store.Get[domain.Payment](ctx, w.tx.Table(domain.EntityPayments), grant.SourcePaymentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if err != nil || payment.Status != domain.PaymentVerified || payment.DeletedAt != nil {
			a.logger.Info("grant rejected", "grant", grant.ID, "payment", grant.SourcePaymentID)
			grant.DeletedAt = &w.now
			return ReasonPaymentNotVerified, w.put(ctx, domain.EntityLicenseGrants, grant)
		}
	}
	return "", w.put(ctx, domain.EntityLicenseGrants, grant)
}

// applyCouponUpsert takes the coupon definition from the device but keeps
// the authority's redemption list, which only coupon_redeemed may change.
func (a *Authority) applyCouponUpsert(ctx context.Context, w *writer, p outbox.CouponUpsert) error {
	c := p.Coupon
	c.Code = coupon.NormalizeCode(c.Code)

	existing, err := store.Get[domain.Coupon](ctx, w.tx.Table(domain.EntityCoupons), c.Code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.RedeemedByStudentIDs = []string{}
	case err != nil:
		return err
	default:
		c.RedeemedByStudentIDs = existing.RedeemedByStudentIDs
		c.CreatedAt = existing.CreatedAt
	}
	c.UpdatedAt = w.now
	if err := w.put(ctx, domain.EntityCoupons, c); err != nil {
		return err
	}
	return recordAudit(ctx, w, p.Audit, "")
}

func (a *Authority) applyMessageSend(ctx context.Context, w *writer, p outbox.MessageSend) error {
	if err := w.add(ctx, domain.EntityMessages, p.Message); err != nil {
		return err
	}
	return w.put(ctx, domain.EntityNotifications, domain.Notification{
		ID:        a.ids.NewID(),
		UserID:    p.Message.RecipientID,
		Title:     "New message",
		Body:      p.Message.Body,
		CreatedAt: w.now,
		UpdatedAt: w.now,
	})
}

func (a *Authority) applyNotificationRead(ctx context.Context, w *writer, p outbox.NotificationRead) (string, error) {
	n, err := store.Get[domain.Notification](ctx, w.tx.Table(domain.EntityNotifications), p.NotificationID)
	if errors.Is(err, store.ErrNotFound) {
		return ReasonNotificationMissing, nil
	}
	if err != nil {
		return "", err
	}
	if n.UserID != p.UserID {
		return ReasonNotificationOwner, nil
	}
	if n.ReadAt != nil {
		return "", nil
	}

	readAt := p.ReadAt
	n.ReadAt = &readAt
	n.UpdatedAt = w.now
	return "", w.put(ctx, domain.EntityNotifications, n)
}
