package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/learnsync/internal/domain"
)

// Type tags which local mutation an event replays remotely.
type Type string

const (
	TypeUserRegister       Type = "user_register"
	TypeLessonSubmit       Type = "lesson_submit"
	TypeCouponRedeemed     Type = "coupon_redeemed"
	TypePaymentRecorded    Type = "payment_recorded"
	TypePaymentVerified    Type = "payment_verified"
	TypeLicenseGrantUpsert Type = "license_grant_upsert"
	TypeCouponUpsert       Type = "coupon_upsert"
	TypeMessageSend        Type = "message_send"
	TypeNotificationRead   Type = "notification_read"
)

// Types lists every event type in declaration order.
var Types = []Type{
	TypeUserRegister,
	TypeLessonSubmit,
	TypeCouponRedeemed,
	TypePaymentRecorded,
	TypePaymentVerified,
	TypeLicenseGrantUpsert,
	TypeCouponUpsert,
	TypeMessageSend,
	TypeNotificationRead,
}

// Status is the sync status of an event.
type Status string

const (
	StatusQueued Status = "queued"
	StatusPushed Status = "pushed"
	StatusFailed Status = "failed"
)

// Payload is the body of an event. The set of implementations is closed:
// only this package can add one, and Decode must learn it too.
type Payload interface {
	Type() Type
	sealed()
}

type UserRegister struct {
	User domain.User `json:"user"`
}

// LessonSubmit carries the student's progress row and, when the lesson had
// a quiz, the attempt that produced it.
type LessonSubmit struct {
	Progress domain.Progress     `json:"progress"`
	Attempt  *domain.QuizAttempt `json:"attempt,omitempty"`
}

// CouponRedeemed is the redemption intent. The authority re-validates the
// coupon and either appends StudentID or rejects the redemption together
// with PaymentID and GrantID.
type CouponRedeemed struct {
	Code       string    `json:"code"`
	StudentID  string    `json:"studentId"`
	PaymentID  string    `json:"paymentId"`
	GrantID    string    `json:"grantId"`
	RedeemedAt time.Time `json:"redeemedAt"`
}

type PaymentRecorded struct {
	Payment domain.Payment `json:"payment"`
}

// PaymentVerified carries the audit row the admin device wrote, so the
// authority stores it under the same id.
type PaymentVerified struct {
	PaymentID  string           `json:"paymentId"`
	VerifiedBy string           `json:"verifiedBy"`
	VerifiedAt time.Time        `json:"verifiedAt"`
	Audit      *domain.AuditLog `json:"audit,omitempty"`
}

type LicenseGrantUpsert struct {
	Grant domain.LicenseGrant `json:"grant"`
}

type CouponUpsert struct {
	Coupon domain.Coupon    `json:"coupon"`
	Audit  *domain.AuditLog `json:"audit,omitempty"`
}

type MessageSend struct {
	Message domain.Message `json:"message"`
}

type NotificationRead struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

func (UserRegister) Type() Type       { return TypeUserRegister }
func (LessonSubmit) Type() Type       { return TypeLessonSubmit }
func (CouponRedeemed) Type() Type     { return TypeCouponRedeemed }
func (PaymentRecorded) Type() Type    { return TypePaymentRecorded }
func (PaymentVerified) Type() Type    { return TypePaymentVerified }
func (LicenseGrantUpsert) Type() Type { return TypeLicenseGrantUpsert }
func (CouponUpsert) Type() Type       { return TypeCouponUpsert }
func (MessageSend) Type() Type        { return TypeMessageSend }
func (NotificationRead) Type() Type   { return TypeNotificationRead }

func (UserRegister) sealed()       {}
func (LessonSubmit) sealed()       {}
func (CouponRedeemed) sealed()     {}
func (PaymentRecorded) sealed()    {}
func (PaymentVerified) sealed()    {}
func (LicenseGrantUpsert) sealed() {}
func (CouponUpsert) sealed()       {}
func (MessageSend) sealed()        {}
func (NotificationRead) sealed()   {}

// Decode parses raw as the payload of an event of type t.
func Decode(t Type, raw []byte) (Payload, error) {
	switch t {
	case TypeUserRegister:
		return decodeAs[UserRegister](t, raw)
	case TypeLessonSubmit:
		return decodeAs[LessonSubmit](t, raw)
	case TypeCouponRedeemed:
		return decodeAs[CouponRedeemed](t, raw)
	case TypePaymentRecorded:
		return decodeAs[PaymentRecorded](t, raw)
	case TypePaymentVerified:
		return decodeAs[PaymentVerified](t, raw)
	case TypeLicenseGrantUpsert:
		return decodeAs[LicenseGrantUpsert](t, raw)
	case TypeCouponUpsert:
		return decodeAs[CouponUpsert](t, raw)
	case TypeMessageSend:
		return decodeAs[MessageSend](t, raw)
	case TypeNotificationRead:
		return decodeAs[NotificationRead](t, raw)
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", t)
	}
}

func decodeAs[P Payload](t Type, raw []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// Event is one outbox entry.
type Event struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Type       Type      `json:"type"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	SyncStatus Status    `json:"syncStatus"`
	LastError  string    `json:"lastError,omitempty"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var in struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode outbox event: %w", err)
	}
	p, err := Decode(in.Type, in.Payload)
	if err != nil {
		return err
	}
	*e = Event(in.plain)
	e.Payload = p
	return nil
}
