package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/learnsync/internal/authority"
	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/digest"
	"github.com/roach88/learnsync/internal/domain"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			who := ev.Device
			if who == "" {
				who = "-"
			}
			fmt.Fprintf(&buf, "  [%d] %s %s %s %v\n", ev.Seq, who, ev.Action, ev.Outcome, ev.Detail)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the world after the last step.
type AssertionContext struct {
	Ctx       context.Context
	Authority *authority.Authority
	Nodes     map[string]*Node
}

// convergedEntities are compared by the converged assertion. Audit rows
// travel with the admin event that wrote them, so they converge too.
var convergedEntities = domain.SyncedEntities

func assertOutboxCounts(actx *AssertionContext, a Assertion) error {
	counts, err := actx.Nodes[a.Device].Queue.Counts(actx.Ctx)
	if err != nil {
		return err
	}
	var mismatches []string
	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			mismatches = append(mismatches, fmt.Sprintf("%s=%d (want %d)", name, got, *want))
		}
	}
	check("queued", a.Queued, counts.Queued)
	check("pushed", a.Pushed, counts.Pushed)
	check("failed", a.Failed, counts.Failed)
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertOutboxCounts,
			Expected: fmt.Sprintf("outbox of %s matches", a.Device),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

func assertAccess(actx *AssertionContext, a Assertion) error {
	decision, err := actx.Nodes[a.Device].Device.CheckLessonAccess(actx.Ctx, a.Lesson)
	if err != nil {
		return err
	}
	if decision.Allowed != *a.Allowed {
		return &AssertionError{
			Type:     AssertAccess,
			Expected: fmt.Sprintf("%s access to %s allowed=%t", a.Device, a.Lesson, *a.Allowed),
			Actual:   fmt.Sprintf("allowed=%t %s", decision.Allowed, decision.Reason),
		}
	}
	return nil
}

func assertGrants(actx *AssertionContext, a Assertion) error {
	grants, err := actx.Nodes[a.Device].Device.Grants(actx.Ctx)
	if err != nil {
		return err
	}
	if len(grants) != *a.Count {
		return &AssertionError{
			Type:     AssertGrants,
			Expected: fmt.Sprintf("%d active grants for %s", *a.Count, a.Device),
			Actual:   fmt.Sprintf("%d", len(grants)),
		}
	}
	return nil
}

func assertRemoteRedemptions(actx *AssertionContext, a Assertion) error {
	c, err := actx.Authority.Coupon(actx.Ctx, a.Code)
	if err != nil {
		return fmt.Errorf("coupon %s: %w", a.Code, err)
	}
	if a.Students != nil && !sameStrings(c.RedeemedByStudentIDs, a.Students) {
		return &AssertionError{
			Type:     AssertRemoteRedemptions,
			Expected: fmt.Sprintf("%s redeemed by %v", c.Code, a.Students),
			Actual:   fmt.Sprintf("%v", c.RedeemedByStudentIDs),
		}
	}

	if a.Rejected != nil {
		rejections, err := actx.Authority.Rejections(actx.Ctx)
		if err != nil {
			return err
		}
		var rejected []string
		for _, r := range rejections {
			if r.CouponCode == coupon.NormalizeCode(a.Code) {
				rejected = append(rejected, r.StudentID)
			}
		}
		if !sameStrings(rejected, a.Rejected) {
			return &AssertionError{
				Type:     AssertRemoteRedemptions,
				Expected: fmt.Sprintf("%s rejected for %v", c.Code, a.Rejected),
				Actual:   fmt.Sprintf("%v", rejected),
			}
		}
	}
	return nil
}

func assertNotification(actx *AssertionContext, a Assertion) error {
	notes, err := actx.Nodes[a.Device].Device.Notifications(actx.Ctx)
	if err != nil {
		return err
	}
	var bodies []string
	for _, n := range notes {
		if n.ReadAt != nil {
			continue
		}
		if strings.Contains(n.Body, a.Contains) {
			return nil
		}
		bodies = append(bodies, n.Body)
	}
	return &AssertionError{
		Type:     AssertNotification,
		Expected: fmt.Sprintf("unread notification for %s containing %q", a.Device, a.Contains),
		Actual:   fmt.Sprintf("%q", bodies),
	}
}

// assertConverged compares per-table digests of every listed device with
// the authority's.
func assertConverged(actx *AssertionContext, a Assertion) error {
	want, err := digest.Tables(actx.Ctx, actx.Authority.Store(), convergedEntities)
	if err != nil {
		return err
	}

	var diverged []string
	for _, user := range a.Devices {
		got, err := digest.Tables(actx.Ctx, actx.Nodes[user].Store, convergedEntities)
		if err != nil {
			return err
		}
		if diff := digest.Diff(want, got, convergedEntities); len(diff) > 0 {
			diverged = append(diverged, fmt.Sprintf("%s differs in %v", user, diff))
		}
	}
	if len(diverged) > 0 {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: fmt.Sprintf("%v match the authority", a.Devices),
			Actual:   strings.Join(diverged, "; "),
		}
	}
	return nil
}

// sameStrings compares in order, treating nil and empty as equal.
func sameStrings(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return slices.Equal(a, b)
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertOutboxCounts:
			err = assertOutboxCounts(actx, assertion)
		case AssertAccess:
			err = assertAccess(actx, assertion)
		case AssertGrants:
			err = assertGrants(actx, assertion)
		case AssertRemoteRedemptions:
			err = assertRemoteRedemptions(actx, assertion)
		case AssertNotification:
			err = assertNotification(actx, assertion)
		case AssertConverged:
			err = assertConverged(actx, assertion)
		default:
			err = fmt.Errorf("unknown assertion type %q", assertion.Type)
		}

		if err != nil {
			var ae *AssertionError
			if errors.As(err, &ae) {
				ae.Trace = result.Trace
			}
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	return msgs
}
