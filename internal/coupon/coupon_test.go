package coupon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func activeCoupon() domain.Coupon {
	return domain.Coupon{
		Code:           "FREE30",
		Scope:          domain.FullScope(),
		ValidFrom:      at(-24 * time.Hour),
		ValidUntil:     at(30 * 24 * time.Hour),
		MaxRedemptions: 1000,
		Active:         true,
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"free30", "FREE30"},
		{"  Free30\t", "FREE30"},
		// decomposed e + combining acute composes before upper-casing
		{"cafe\u0301", "CAF\u00c9"},
		{"straße", "STRASSE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), tt.in)
	}
}

func TestValidate_Order(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *domain.Coupon)
		want   string
	}{
		{
			name: "inactive beats expired",
			mutate: func(c *domain.Coupon) {
				c.Active = false
				c.ValidUntil = at(-time.Hour)
			},
			want: ReasonInactive,
		},
		{
			name:   "not yet valid",
			mutate: func(c *domain.Coupon) { c.ValidFrom = at(time.Hour) },
			want:   ReasonNotYetValid,
		},
		{
			name: "expired beats already redeemed",
			mutate: func(c *domain.Coupon) {
				c.ValidUntil = at(-time.Second)
				c.RedeemedByStudentIDs = []string{"s1"}
			},
			want: ReasonExpired,
		},
		{
			name: "already redeemed beats fully redeemed",
			mutate: func(c *domain.Coupon) {
				c.MaxRedemptions = 1
				c.RedeemedByStudentIDs = []string{"s1"}
			},
			want: ReasonAlreadyRedeemed,
		},
		{
			name: "fully redeemed",
			mutate: func(c *domain.Coupon) {
				c.MaxRedemptions = 1
				c.RedeemedByStudentIDs = []string{"s9"}
			},
			want: ReasonFullyRedeemed,
		},
		{
			name: "soft deleted",
			mutate: func(c *domain.Coupon) {
				c.DeletedAt = at(-time.Hour)
				c.Active = false
			},
			want: ReasonNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := activeCoupon()
			tt.mutate(&c)
			v := Validate(c, "s1", now)
			assert.False(t, v.OK)
			assert.Equal(t, tt.want, v.Reason)
		})
	}
}

func TestValidate_WindowIsInclusive(t *testing.T) {
	c := activeCoupon()
	c.ValidFrom = at(0)
	c.ValidUntil = at(0)
	assert.True(t, Validate(c, "s1", now).OK)
}

func TestValidate_NoWindow(t *testing.T) {
	c := activeCoupon()
	c.ValidFrom = nil
	c.ValidUntil = nil
	assert.Equal(t, Verdict{OK: true}, Validate(c, "s1", now))
}

func TestRedeem_ProducesLinkedRecords(t *testing.T) {
	c := activeCoupon()
	gen := ids.NewFixedGenerator("pay-1", "grant-1")

	r, err := Redeem(c, "s1", now, gen)
	require.NoError(t, err)

	assert.Equal(t, "pay-1", r.Payment.ID)
	assert.Equal(t, domain.PaymentVerified, r.Payment.Status)
	assert.Equal(t, domain.PaymentCoupon, r.Payment.Method)
	assert.Equal(t, "FREE30", r.Payment.Reference)
	assert.Equal(t, "s1", r.Payment.StudentID)

	assert.Equal(t, "grant-1", r.Grant.ID)
	assert.Equal(t, r.Payment.ID, r.Grant.SourcePaymentID)
	assert.Equal(t, c.Scope, r.Grant.Scope)
	require.NotNil(t, r.Grant.ValidUntil)
	assert.True(t, c.ValidUntil.Equal(*r.Grant.ValidUntil))

	assert.Equal(t, []string{"s1"}, r.Coupon.RedeemedByStudentIDs)
	assert.Empty(t, c.RedeemedByStudentIDs, "input coupon must not be modified")
}

func TestRedeem_RejectsInvalid(t *testing.T) {
	c := activeCoupon()
	c.RedeemedByStudentIDs = []string{"s1"}

	_, err := Redeem(c, "s1", now, ids.NewFixedGenerator())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ReasonAlreadyRedeemed)
}

func TestScenario_FREE30(t *testing.T) {
	c := activeCoupon()

	r, err := Redeem(c, "s1", now, ids.NewSequenceGenerator("id"))
	require.NoError(t, err)

	assert.Equal(t, Verdict{Reason: ReasonAlreadyRedeemed}, Validate(r.Coupon, "s1", now))
	assert.Equal(t, Verdict{OK: true}, Validate(r.Coupon, "s2", now))
}
