package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/learnsync/internal/domain"
)

// Scenario is a multi-device sync story. Each device is one user with its
// own local store; all devices share one mock authority and one clock.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is a CUE catalog file or directory seeded into the authority
	// before the first step. Relative paths resolve against the scenario
	// file's directory.
	Catalog string `yaml:"catalog"`

	// Devices lists the user id signed in on each device.
	Devices []string `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions check the final state after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step actions.
const (
	ActionSubmit       = "submit"
	ActionRedeem       = "redeem"
	ActionPay          = "pay"
	ActionVerify       = "verify"
	ActionMessage      = "message"
	ActionRead         = "read"
	ActionAccess       = "access"
	ActionSync         = "sync"
	ActionOffline      = "offline"
	ActionOnline       = "online"
	ActionFailNextPull = "fail_next_pull"
	ActionAdvance      = "advance"
)

// deviceActions run on a device and require Step.Device.
var deviceActions = map[string]bool{
	ActionSubmit:  true,
	ActionRedeem:  true,
	ActionPay:     true,
	ActionVerify:  true,
	ActionMessage: true,
	ActionRead:    true,
	ActionAccess:  true,
	ActionSync:    true,
}

// Step is one action by a device, the authority, or the clock.
type Step struct {
	Device string `yaml:"device,omitempty"`
	Action string `yaml:"action"`

	Lesson  string `yaml:"lesson,omitempty"`  // submit, access
	Answers []int  `yaml:"answers,omitempty"` // submit
	Code    string `yaml:"code,omitempty"`    // redeem

	// Reference is the mobile money reference for pay, and selects the
	// payment to approve for verify.
	Reference  string `yaml:"reference,omitempty"`
	Scope      string `yaml:"scope,omitempty"`       // verify, in "level:P5" form
	ValidUntil string `yaml:"valid_until,omitempty"` // verify, RFC 3339

	To   string `yaml:"to,omitempty"`   // message
	Body string `yaml:"body,omitempty"` // message

	By string `yaml:"by,omitempty"` // advance, a Go duration

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks the outcome of a single step.
type Expect struct {
	// Outcome is one of ok, refused, allowed, denied or error.
	Outcome string `yaml:"outcome,omitempty"`

	// Reason must be contained in the refusal, denial or error message.
	Reason string `yaml:"reason,omitempty"`

	// Pushed and Failed check a sync report.
	Pushed *int `yaml:"pushed,omitempty"`
	Failed *int `yaml:"failed,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	// Type specifies the assertion type:
	//   - "outbox_counts": device outbox has the given queued/pushed/failed counts
	//   - "access": device's local access decision for lesson
	//   - "grants": number of active grants for the device user
	//   - "remote_redemptions": authority's redemption list and rejections for code
	//   - "notification": device user has an unread notification containing text
	//   - "converged": listed devices and the authority hold identical synced state
	Type string `yaml:"type"`

	Device  string   `yaml:"device,omitempty"`
	Devices []string `yaml:"devices,omitempty"`

	Queued *int `yaml:"queued,omitempty"`
	Pushed *int `yaml:"pushed,omitempty"`
	Failed *int `yaml:"failed,omitempty"`

	Lesson  string `yaml:"lesson,omitempty"`
	Allowed *bool  `yaml:"allowed,omitempty"`

	Count *int `yaml:"count,omitempty"`

	Code     string   `yaml:"code,omitempty"`
	Students []string `yaml:"students,omitempty"`
	Rejected []string `yaml:"rejected,omitempty"`

	Contains string `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertOutboxCounts      = "outbox_counts"
	AssertAccess            = "access"
	AssertGrants            = "grants"
	AssertRemoteRedemptions = "remote_redemptions"
	AssertNotification      = "notification"
	AssertConverged         = "converged"
)

// LoadScenario reads and parses a scenario YAML file. The catalog path is
// resolved against the file's directory.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) {
		scenario.Catalog = filepath.Join(filepath.Dir(path), scenario.Catalog)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if _, err := os.Stat(s.Catalog); err != nil {
		return fmt.Errorf("catalog not found: %s", s.Catalog)
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d == "" {
			return fmt.Errorf("devices[%d]: user id is required", i)
		}
		if devices[d] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d)
		}
		devices[d] = true
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], devices); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], devices); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step, devices map[string]bool) error {
	if st.Action == "" {
		return fmt.Errorf("steps[%d]: action is required", index)
	}

	switch st.Action {
	case ActionSubmit, ActionAccess:
		if st.Lesson == "" {
			return fmt.Errorf("steps[%d]: lesson is required for %s", index, st.Action)
		}
	case ActionRedeem:
		if st.Code == "" {
			return fmt.Errorf("steps[%d]: code is required for redeem", index)
		}
	case ActionPay:
		if st.Reference == "" {
			return fmt.Errorf("steps[%d]: reference is required for pay", index)
		}
	case ActionVerify:
		if st.Reference == "" {
			return fmt.Errorf("steps[%d]: reference is required for verify", index)
		}
		if _, err := domain.ParseScope(st.Scope); err != nil {
			return fmt.Errorf("steps[%d]: scope: %w", index, err)
		}
		if st.ValidUntil != "" {
			if _, err := time.Parse(time.RFC3339, st.ValidUntil); err != nil {
				return fmt.Errorf("steps[%d]: valid_until: %w", index, err)
			}
		}
	case ActionMessage:
		if st.To == "" || st.Body == "" {
			return fmt.Errorf("steps[%d]: to and body are required for message", index)
		}
	case ActionAdvance:
		d, err := time.ParseDuration(st.By)
		if err != nil {
			return fmt.Errorf("steps[%d]: by: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: by must be positive", index)
		}
	case ActionRead, ActionSync, ActionOffline, ActionOnline, ActionFailNextPull:
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}

	if deviceActions[st.Action] {
		if !devices[st.Device] {
			return fmt.Errorf("steps[%d]: %s needs a known device, got %q", index, st.Action, st.Device)
		}
	} else if st.Device != "" {
		return fmt.Errorf("steps[%d]: %s does not run on a device", index, st.Action)
	}

	if st.Expect != nil {
		switch st.Expect.Outcome {
		case "", OutcomeOK, OutcomeRefused, OutcomeAllowed, OutcomeDenied, OutcomeError:
		default:
			return fmt.Errorf("steps[%d].expect: unknown outcome %q", index, st.Expect.Outcome)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, devices map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needDevice := func() error {
		if !devices[a.Device] {
			return fmt.Errorf("assertions[%d]: %s needs a known device, got %q", index, a.Type, a.Device)
		}
		return nil
	}

	switch a.Type {
	case AssertOutboxCounts:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Queued == nil && a.Pushed == nil && a.Failed == nil {
			return fmt.Errorf("assertions[%d]: outbox_counts needs at least one of queued, pushed, failed", index)
		}
	case AssertAccess:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Lesson == "" || a.Allowed == nil {
			return fmt.Errorf("assertions[%d]: lesson and allowed are required for access", index)
		}
	case AssertGrants:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for grants", index)
		}
	case AssertRemoteRedemptions:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for remote_redemptions", index)
		}
	case AssertNotification:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Contains == "" {
			return fmt.Errorf("assertions[%d]: contains is required for notification", index)
		}
	case AssertConverged:
		if len(a.Devices) == 0 {
			return fmt.Errorf("assertions[%d]: devices list is required for converged", index)
		}
		for _, d := range a.Devices {
			if !devices[d] {
				return fmt.Errorf("assertions[%d]: unknown device %q", index, d)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
