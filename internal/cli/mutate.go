package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/learnsync/internal/domain"
)

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var name, role, email, school, level string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the signed-in user on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.device.RegisterUser(cmd.Context(), domain.User{
				ID:       rootOpts.Config.DeviceUser,
				Name:     name,
				Email:    email,
				Role:     domain.Role(role),
				SchoolID: school,
				Level:    level,
			})
			if err != nil {
				return fail(f, err)
			}
			return f.Result(u, fmt.Sprintf("Registered %s (%s) as %s", u.Name, u.ID, u.Role))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleStudent), "student|teacher|school_admin|system_admin")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&school, "school", "", "school id")
	cmd.Flags().StringVar(&level, "level", "", "class level, e.g. P5")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var answers []int

	cmd := &cobra.Command{
		Use:   "submit <lesson-id>",
		Short: "Complete a lesson, answering its quiz",
		Long: `Mark a lesson completed. If the lesson has a quiz, --answers gives the
chosen option index for each question, in order.

Example:
  learnsync submit l-fractions --answers 0,2,1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.device.CheckLessonAccess(cmd.Context(), args[0])
			if err != nil {
				return fail(f, err)
			}
			if !decision.Allowed {
				return refused(f, decision.Reason, map[string]string{"lesson": args[0]})
			}

			sub, err := a.device.SubmitLesson(cmd.Context(), args[0], answers)
			if err != nil {
				return fail(f, err)
			}
			text := fmt.Sprintf("Completed %s", args[0])
			if sub.Attempt != nil {
				text += fmt.Sprintf(": scored %d/%d", sub.Attempt.Score, sub.Attempt.MaxScore)
			}
			return f.Result(sub, text)
		},
	}

	cmd.Flags().IntSliceVar(&answers, "answers", nil, "quiz answers as option indexes")
	return cmd
}

// NewRedeemCommand creates the redeem command.
func NewRedeemCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <code>",
		Short: "Redeem a coupon code for a license",
		Long: `Validate a coupon code against the device's copy of the coupon and, if it
passes, record the payment and license locally. The authority re-checks the
redemption on the next sync and may still refuse it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.device.RedeemCoupon(cmd.Context(), args[0])
			if err != nil {
				return fail(f, err)
			}
			if !res.Verdict.OK {
				return refused(f, res.Verdict.Reason, map[string]string{"code": args[0]})
			}
			return f.Result(res, fmt.Sprintf("Redeemed %s: license %s (%s)",
				res.Payment.Reference, res.Grant.ID, res.Grant.Scope))
		},
	}
}

// NewPayCommand creates the pay command.
func NewPayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pay <reference>",
		Short: "Record a mobile money payment for verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.device.SubmitMobileMoneyPayment(cmd.Context(), args[0])
			if err != nil {
				return fail(f, err)
			}
			return f.Result(p, fmt.Sprintf("Payment %s recorded, pending verification", p.ID))
		},
	}
}

// NewVerifyPaymentCommand creates the verify-payment command.
func NewVerifyPaymentCommand(rootOpts *RootOptions) *cobra.Command {
	var scope, until string

	cmd := &cobra.Command{
		Use:   "verify-payment <payment-id>",
		Short: "Verify a pending payment and grant a license (admin)",
		Long: `Verify a pending payment and grant its student a license.

--scope is one of: full, level:<level>, subject:<subject>,
curriculum_subject:<id>.

Example:
  learnsync verify-payment 0192f3a0-... --scope level:P5 --valid-until 2026-12-31T23:59:59Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			s, err := domain.ParseScope(scope)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --scope", err)
			}
			validUntil, err := parseOptionalTime(until)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --valid-until", err)
			}

			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.device.VerifyPayment(cmd.Context(), args[0], s, validUntil)
			if err != nil {
				return fail(f, err)
			}
			return f.Result(v, fmt.Sprintf("Payment %s verified: license %s (%s) for %s",
				v.Payment.ID, v.Grant.ID, v.Grant.Scope, v.Grant.StudentID))
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "full", "license scope")
	cmd.Flags().StringVar(&until, "valid-until", "", "license expiry (RFC 3339)")
	return cmd
}

// NewCouponCommand creates the coupon command group.
func NewCouponCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupon",
		Short: "Manage coupons (admin)",
	}

	var scope, from, until string
	var max int
	create := &cobra.Command{
		Use:   "create <code>",
		Short: "Create or redefine a coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			s, err := domain.ParseScope(scope)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --scope", err)
			}
			validFrom, err := parseOptionalTime(from)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --valid-from", err)
			}
			validUntil, err := parseOptionalTime(until)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --valid-until", err)
			}

			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.device.CreateCoupon(cmd.Context(), domain.Coupon{
				Code:           args[0],
				Scope:          s,
				ValidFrom:      validFrom,
				ValidUntil:     validUntil,
				MaxRedemptions: max,
				Active:         true,
			})
			if err != nil {
				return fail(f, err)
			}
			return f.Result(c, fmt.Sprintf("Coupon %s: %s, %s", c.Code, c.Scope, plural(c.MaxRedemptions, "redemption")))
		},
	}
	create.Flags().StringVar(&scope, "scope", "full", "license scope")
	create.Flags().IntVar(&max, "max", 1, "maximum redemptions")
	create.Flags().StringVar(&from, "valid-from", "", "start of validity (RFC 3339)")
	create.Flags().StringVar(&until, "valid-until", "", "end of validity (RFC 3339)")

	deactivate := &cobra.Command{
		Use:   "deactivate <code>",
		Short: "Deactivate a coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.device.DeactivateCoupon(cmd.Context(), args[0])
			if err != nil {
				return fail(f, err)
			}
			return f.Result(c, fmt.Sprintf("Coupon %s deactivated", c.Code))
		},
	}

	cmd.AddCommand(create, deactivate)
	return cmd
}

// NewMessageCommand creates the message command.
func NewMessageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "message <recipient-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.device.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return fail(f, err)
			}
			return f.Result(m, fmt.Sprintf("Message %s queued for %s", m.ID, m.RecipientID))
		},
	}
}

// NewNotificationsCommand creates the notifications command.
func NewNotificationsCommand(rootOpts *RootOptions) *cobra.Command {
	var markRead string

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications, or mark one read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if markRead != "" {
				n, err := a.device.MarkNotificationRead(cmd.Context(), markRead)
				if err != nil {
					return fail(f, err)
				}
				return f.Result(n, fmt.Sprintf("Notification %s marked read", n.ID))
			}

			notes, err := a.device.Notifications(cmd.Context())
			if err != nil {
				return fail(f, err)
			}
			var b strings.Builder
			if len(notes) == 0 {
				b.WriteString("No notifications")
			}
			for i, n := range notes {
				if i > 0 {
					b.WriteByte('\n')
				}
				mark := "*"
				if n.ReadAt != nil {
					mark = " "
				}
				fmt.Fprintf(&b, "%s %s  %s: %s", mark, n.ID, n.Title, n.Body)
			}
			return f.Result(notes, b.String())
		},
	}

	cmd.Flags().StringVar(&markRead, "read", "", "mark the notification with this id read")
	return cmd
}

// NewAccessCommand creates the access command.
func NewAccessCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "access <lesson-id>",
		Short: "Check whether the signed-in user may open a lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.device.CheckLessonAccess(cmd.Context(), args[0])
			if err != nil {
				return fail(f, err)
			}
			text := "Allowed"
			if !decision.Allowed {
				text = "Denied: " + decision.Reason
			}
			return f.Result(decision, text)
		},
	}
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(unix, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
