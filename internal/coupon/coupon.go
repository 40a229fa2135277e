// Package coupon holds the pure coupon rules: code canonicalization,
// validation and redemption.
//
// Nothing here touches a store. Validate is the optimistic, offline check a
// device runs; the authority runs the same function against its own copy
// when the redemption is pushed, and that verdict is the binding one.
package coupon

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
)

// User-facing validation messages.
const (
	ReasonNotFound        = "Code not found."
	ReasonInactive        = "Code inactive."
	ReasonNotYetValid     = "Code not yet valid."
	ReasonExpired         = "Code expired."
	ReasonAlreadyRedeemed = "Code already redeemed by you."
	ReasonFullyRedeemed   = "Code fully redeemed."
)

// Verdict is the outcome of Validate. Reason is empty when OK.
type Verdict struct {
	OK     bool   `json:"ok"`
	Reason string `json:"error,omitempty"`
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

// NormalizeCode returns the canonical form of a user-typed code: NFC,
// trimmed, upper-cased. Codes compare equal iff their canonical forms do.
func NormalizeCode(code string) string {
	// cases.Caser is stateful; one per call.
	upper := cases.Upper(language.Und)
	return upper.String(norm.NFC.String(strings.TrimSpace(code)))
}

// Validate checks c for studentID at now. The checks run in a fixed order
// and the first failure wins:
//
//	inactive, not yet valid, expired, already redeemed by studentID,
//	fully redeemed.
//
// A soft-deleted coupon is reported as not found.
func Validate(c domain.Coupon, studentID string, now time.Time) Verdict {
	switch {
	case c.DeletedAt != nil:
		return reject(ReasonNotFound)
	case !c.Active:
		return reject(ReasonInactive)
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return reject(ReasonNotYetValid)
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		return reject(ReasonExpired)
	case c.RedeemedBy(studentID):
		return reject(ReasonAlreadyRedeemed)
	case len(c.RedeemedByStudentIDs) >= c.MaxRedemptions:
		return reject(ReasonFullyRedeemed)
	}
	return Verdict{OK: true}
}

// Redemption is the set of records one redemption produces. They must be
// written together.
type Redemption struct {
	Payment domain.Payment
	Grant   domain.LicenseGrant
	Coupon  domain.Coupon
}

// Redeem builds the records for studentID redeeming c at now. c must
// already have passed Validate; Redeem re-checks and returns an error
// carrying the verdict reason otherwise.
//
// The returned coupon is a copy; c is not modified.
func Redeem(c domain.Coupon, studentID string, now time.Time, gen ids.Generator) (Redemption, error) {
	if v := Validate(c, studentID, now); !v.OK {
		return Redemption{}, fmt.Errorf("redeem %s: %s", c.Code, v.Reason)
	}

	verifiedAt := now
	payment := domain.Payment{
		ID:         gen.NewID(),
		StudentID:  studentID,
		Method:     domain.PaymentCoupon,
		Status:     domain.PaymentVerified,
		Reference:  c.Code,
		VerifiedAt: &verifiedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	grant := domain.LicenseGrant{
		ID:              gen.NewID(),
		StudentID:       studentID,
		Scope:           c.Scope,
		ValidUntil:      copyTime(c.ValidUntil),
		SourcePaymentID: payment.ID,
		CreatedAt:       now,
	}

	updated := c
	updated.RedeemedByStudentIDs = append(append([]string{}, c.RedeemedByStudentIDs...), studentID)
	updated.UpdatedAt = now

	return Redemption{Payment: payment, Grant: grant, Coupon: updated}, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
