package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/store"
)

// RedeemResult is the outcome of RedeemCoupon. Payment and Grant are set
// only when the verdict is OK.
type RedeemResult struct {
	Verdict coupon.Verdict       `json:"verdict"`
	Payment *domain.Payment      `json:"payment,omitempty"`
	Grant   *domain.LicenseGrant `json:"grant,omitempty"`
}

func lookupCoupon(ctx context.Context, t *store.Table, code string) (domain.Coupon, coupon.Verdict, error) {
	c, err := store.Get[domain.Coupon](ctx, t, coupon.NormalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Coupon{}, coupon.Verdict{Reason: coupon.ReasonNotFound}, nil
	}
	if err != nil {
		return domain.Coupon{}, coupon.Verdict{}, err
	}
	return c, coupon.Verdict{OK: true}, nil
}

// ValidateCoupon checks code against the local copy of the coupon for the
// device user. It writes nothing.
func (d *Device) ValidateCoupon(ctx context.Context, code string) (coupon.Verdict, error) {
	c, v, err := lookupCoupon(ctx, d.store.Table(domain.EntityCoupons), code)
	if err != nil {
		return coupon.Verdict{}, fmt.Errorf("validate coupon: %w", err)
	}
	if !v.OK {
		return v, nil
	}
	return coupon.Validate(c, d.userID, d.clock.Now()), nil
}

// RedeemCoupon validates code locally and, if it passes, writes the
// verified payment, the grant and the updated coupon and enqueues
// coupon_redeemed, payment_recorded and license_grant_upsert, in that order,
// in one transaction.
//
// A failed validation is not an error: the verdict carries the reason and
// nothing is written. The authority re-validates on push and may still
// reject the redemption.
func (d *Device) RedeemCoupon(ctx context.Context, code string) (RedeemResult, error) {
	tables := []domain.Entity{domain.EntityCoupons, domain.EntityPayments, domain.EntityLicenseGrants}

	var res RedeemResult
	err := d.write(ctx, tables, func(tx *store.Tx) error {
		c, v, err := lookupCoupon(ctx, tx.Table(domain.EntityCoupons), code)
		if err != nil {
			return err
		}
		now := d.clock.Now()
		if v.OK {
			v = coupon.Validate(c, d.userID, now)
		}
		res.Verdict = v
		if !v.OK {
			return nil
		}

		r, err := coupon.Redeem(c, d.userID, now, d.ids)
		if err != nil {
			return err
		}
		if err := tx.Table(domain.EntityPayments).Add(ctx, r.Payment); err != nil {
			return err
		}
		if err := tx.Table(domain.EntityLicenseGrants).Add(ctx, r.Grant); err != nil {
			return err
		}
		if err := tx.Table(domain.EntityCoupons).Put(ctx, r.Coupon); err != nil {
			return err
		}

		err = d.enqueue(ctx, tx,
			outbox.CouponRedeemed{
				Code:       r.Coupon.Code,
				StudentID:  d.userID,
				PaymentID:  r.Payment.ID,
				GrantID:    r.Grant.ID,
				RedeemedAt: now,
			},
			outbox.PaymentRecorded{Payment: r.Payment},
			outbox.LicenseGrantUpsert{Grant: r.Grant},
		)
		if err != nil {
			return err
		}
		res.Payment, res.Grant = &r.Payment, &r.Grant
		return nil
	})
	if err != nil {
		return RedeemResult{}, fmt.Errorf("redeem coupon: %w", err)
	}

	if res.Verdict.OK {
		d.logger.Info("coupon redeemed", "code", res.Payment.Reference, "payment", res.Payment.ID, "grant", res.Grant.ID)
	} else {
		d.logger.Info("coupon refused", "code", code, "reason", res.Verdict.Reason)
	}
	return res, nil
}

// SubmitMobileMoneyPayment records a pending mobile money payment carrying
// the transaction reference the student typed. An admin verifies it later.
func (d *Device) SubmitMobileMoneyPayment(ctx context.Context, reference string) (domain.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Payment{}, fmt.Errorf("submit payment: empty reference: %w", ErrInvalid)
	}

	now := d.clock.Now()
	p := domain.Payment{
		ID:        d.ids.NewID(),
		StudentID: d.userID,
		Method:    domain.PaymentMobileMoney,
		Status:    domain.PaymentPending,
		Reference: reference,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := d.write(ctx, []domain.Entity{domain.EntityPayments}, func(tx *store.Tx) error {
		if err := tx.Table(domain.EntityPayments).Add(ctx, p); err != nil {
			return err
		}
		return d.enqueue(ctx, tx, outbox.PaymentRecorded{Payment: p})
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("submit payment: %w", err)
	}
	return p, nil
}

// Verification is what VerifyPayment recorded.
type Verification struct {
	Payment domain.Payment      `json:"payment"`
	Grant   domain.LicenseGrant `json:"grant"`
}

// VerifyPayment marks a pending payment verified and grants its student
// scope until validUntil (nil for no expiry). Admin only.
func (d *Device) VerifyPayment(ctx context.Context, paymentID string, scope domain.LicenseScope, validUntil *time.Time) (Verification, error) {
	if err := scope.Validate(); err != nil {
		return Verification{}, fmt.Errorf("verify payment %s: %w: %v", paymentID, ErrInvalid, err)
	}
	tables := []domain.Entity{
		domain.EntityUsers,
		domain.EntityPayments,
		domain.EntityLicenseGrants,
		domain.EntityAuditLogs,
	}

	var out Verification
	err := d.write(ctx, tables, func(tx *store.Tx) error {
		if _, err := d.requireAdmin(ctx, tx); err != nil {
			return err
		}
		p, err := store.Get[domain.Payment](ctx, tx.Table(domain.EntityPayments), paymentID)
		if err != nil {
			return err
		}
		if p.DeletedAt != nil {
			return fmt.Errorf("payment deleted: %w", store.ErrNotFound)
		}
		if p.Status == domain.PaymentVerified {
			return fmt.Errorf("already verified: %w", ErrInvalid)
		}

		now := d.clock.Now()
		p.Status = domain.PaymentVerified
		p.VerifiedBy = d.userID
		p.VerifiedAt = &now
		p.UpdatedAt = now
		if err := tx.Table(domain.EntityPayments).Put(ctx, p); err != nil {
			return err
		}

		g := domain.LicenseGrant{
			ID:              d.ids.NewID(),
			StudentID:       p.StudentID,
			Scope:           scope,
			ValidUntil:      validUntil,
			SourcePaymentID: p.ID,
			CreatedAt:       now,
		}
		if err := tx.Table(domain.EntityLicenseGrants).Add(ctx, g); err != nil {
			return err
		}
		row, err := d.audit(ctx, tx, "payment_verified", domain.EntityPayments, p.ID, p.Reference)
		if err != nil {
			return err
		}

		out = Verification{Payment: p, Grant: g}
		return d.enqueue(ctx, tx,
			outbox.PaymentVerified{PaymentID: p.ID, VerifiedBy: d.userID, VerifiedAt: now, Audit: row},
			outbox.LicenseGrantUpsert{Grant: g},
		)
	})
	if err != nil {
		return Verification{}, fmt.Errorf("verify payment %s: %w", paymentID, err)
	}
	return out, nil
}

// CreateCoupon stores a coupon definition and enqueues coupon_upsert.
// Admin only. Redefining an existing code keeps its redemption list.
func (d *Device) CreateCoupon(ctx context.Context, c domain.Coupon) (domain.Coupon, error) {
	c.Code = coupon.NormalizeCode(c.Code)
	switch {
	case c.Code == "":
		return domain.Coupon{}, fmt.Errorf("create coupon: empty code: %w", ErrInvalid)
	case c.MaxRedemptions < 1:
		return domain.Coupon{}, fmt.Errorf("create coupon %s: max redemptions must be positive: %w", c.Code, ErrInvalid)
	case c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom):
		return domain.Coupon{}, fmt.Errorf("create coupon %s: window ends before it starts: %w", c.Code, ErrInvalid)
	}
	if err := c.Scope.Validate(); err != nil {
		return domain.Coupon{}, fmt.Errorf("create coupon %s: %w: %v", c.Code, ErrInvalid, err)
	}

	tables := []domain.Entity{domain.EntityUsers, domain.EntityCoupons, domain.EntityAuditLogs}
	err := d.write(ctx, tables, func(tx *store.Tx) error {
		if _, err := d.requireAdmin(ctx, tx); err != nil {
			return err
		}
		now := d.clock.Now()
		c.CreatedAt, c.UpdatedAt = now, now
		c.RedeemedByStudentIDs = []string{}
		existing, err := store.Get[domain.Coupon](ctx, tx.Table(domain.EntityCoupons), c.Code)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			c.CreatedAt = existing.CreatedAt
			c.RedeemedByStudentIDs = existing.RedeemedByStudentIDs
		}

		if err := tx.Table(domain.EntityCoupons).Put(ctx, c); err != nil {
			return err
		}
		row, err := d.audit(ctx, tx, "coupon_upserted", domain.EntityCoupons, c.Code, c.Scope.String())
		if err != nil {
			return err
		}
		return d.enqueue(ctx, tx, outbox.CouponUpsert{Coupon: c, Audit: row})
	})
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("create coupon %s: %w", c.Code, err)
	}
	return c, nil
}

// DeactivateCoupon turns a coupon off. Admin only.
func (d *Device) DeactivateCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	code = coupon.NormalizeCode(code)
	tables := []domain.Entity{domain.EntityUsers, domain.EntityCoupons, domain.EntityAuditLogs}

	var c domain.Coupon
	err := d.write(ctx, tables, func(tx *store.Tx) error {
		if _, err := d.requireAdmin(ctx, tx); err != nil {
			return err
		}
		var err error
		c, err = store.Get[domain.Coupon](ctx, tx.Table(domain.EntityCoupons), code)
		if err != nil {
			return err
		}
		c.Active = false
		c.UpdatedAt = d.clock.Now()
		if err := tx.Table(domain.EntityCoupons).Put(ctx, c); err != nil {
			return err
		}
		row, err := d.audit(ctx, tx, "coupon_deactivated", domain.EntityCoupons, c.Code, "")
		if err != nil {
			return err
		}
		return d.enqueue(ctx, tx, outbox.CouponUpsert{Coupon: c, Audit: row})
	})
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("deactivate coupon %s: %w", code, err)
	}
	return c, nil
}
