package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScopeType discriminates the LicenseScope union.
type ScopeType string

const (
	ScopeFull              ScopeType = "full"
	ScopeLevel             ScopeType = "level"
	ScopeSubject           ScopeType = "subject"
	ScopeCurriculumSubject ScopeType = "curriculum_subject"
)

// LicenseScope is one of:
//
//	{"type":"full"}
//	{"type":"level","level":"..."}
//	{"type":"subject","subject":"..."}
//	{"type":"curriculum_subject","curriculumSubjectId":"..."}
//
// Only the field belonging to Type is meaningful; the JSON codec enforces it.
type LicenseScope struct {
	Type                ScopeType
	Level               string
	Subject             string
	CurriculumSubjectID string
}

func FullScope() LicenseScope { return LicenseScope{Type: ScopeFull} }

func LevelScope(level string) LicenseScope {
	return LicenseScope{Type: ScopeLevel, Level: level}
}

func SubjectScope(subject string) LicenseScope {
	return LicenseScope{Type: ScopeSubject, Subject: subject}
}

func CurriculumSubjectScope(id string) LicenseScope {
	return LicenseScope{Type: ScopeCurriculumSubject, CurriculumSubjectID: id}
}

// ParseScope reads the compact CLI form: "full", "level:<l>", "subject:<s>"
// or "curriculum_subject:<id>".
func ParseScope(s string) (LicenseScope, error) {
	kind, value, _ := strings.Cut(strings.TrimSpace(s), ":")
	scope := LicenseScope{Type: ScopeType(kind)}
	switch scope.Type {
	case ScopeFull:
	case ScopeLevel:
		scope.Level = value
	case ScopeSubject:
		scope.Subject = value
	case ScopeCurriculumSubject:
		scope.CurriculumSubjectID = value
	}
	if err := scope.Validate(); err != nil {
		return LicenseScope{}, err
	}
	return scope, nil
}

// Validate checks that the discriminator is known and its field is set.
func (s LicenseScope) Validate() error {
	switch s.Type {
	case ScopeFull:
		return nil
	case ScopeLevel:
		if s.Level == "" {
			return fmt.Errorf("scope %q requires level", s.Type)
		}
	case ScopeSubject:
		if s.Subject == "" {
			return fmt.Errorf("scope %q requires subject", s.Type)
		}
	case ScopeCurriculumSubject:
		if s.CurriculumSubjectID == "" {
			return fmt.Errorf("scope %q requires curriculumSubjectId", s.Type)
		}
	default:
		return fmt.Errorf("unknown scope type %q", s.Type)
	}
	return nil
}

// String renders the compact form accepted by ParseScope.
func (s LicenseScope) String() string {
	switch s.Type {
	case ScopeLevel:
		return "level:" + s.Level
	case ScopeSubject:
		return "subject:" + s.Subject
	case ScopeCurriculumSubject:
		return "curriculum_subject:" + s.CurriculumSubjectID
	default:
		return string(s.Type)
	}
}

type scopeJSON struct {
	Type                ScopeType `json:"type"`
	Level               string    `json:"level,omitempty"`
	Subject             string    `json:"subject,omitempty"`
	CurriculumSubjectID string    `json:"curriculumSubjectId,omitempty"`
}

func (s LicenseScope) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := scopeJSON{Type: s.Type}
	switch s.Type {
	case ScopeLevel:
		out.Level = s.Level
	case ScopeSubject:
		out.Subject = s.Subject
	case ScopeCurriculumSubject:
		out.CurriculumSubjectID = s.CurriculumSubjectID
	}
	return json.Marshal(out)
}

func (s *LicenseScope) UnmarshalJSON(data []byte) error {
	var in scopeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode license scope: %w", err)
	}
	scope := LicenseScope{Type: in.Type}
	switch in.Type {
	case ScopeLevel:
		scope.Level = in.Level
	case ScopeSubject:
		scope.Subject = in.Subject
	case ScopeCurriculumSubject:
		scope.CurriculumSubjectID = in.CurriculumSubjectID
	}
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("decode license scope: %w", err)
	}
	*s = scope
	return nil
}
