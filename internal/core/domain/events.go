package domain

import "time"

// NotificationKind names the message template the dispatcher should render.
type NotificationKind string

const (
	NotificationEmailVerification NotificationKind = "email_verification"
	NotificationPasswordResetLink NotificationKind = "password_reset_link"
	NotificationPasswordResetOTP  NotificationKind = "password_reset_otp"
	NotificationPasswordChanged   NotificationKind = "password_changed"
	NotificationAccountLocked     NotificationKind = "account_locked"
	NotificationTwoFactorEnabled  NotificationKind = "two_factor_enabled"
	NotificationTwoFactorDisabled NotificationKind = "two_factor_disabled"
)

// Notification is an outbound message request for the notification dispatcher.
type Notification struct {
	Kind       NotificationKind
	Recipient  string
	IdentityID string
	Context    map[string]any
}

// SecurityEventKind enumerates audit events observable by an external monitor.
type SecurityEventKind string

const (
	SecurityEventAccountLocked          SecurityEventKind = "account_locked"
	SecurityEventAccountUnlocked        SecurityEventKind = "account_unlocked"
	SecurityEventTwoFactorFailed        SecurityEventKind = "two_factor_failed"
	SecurityEventRefreshTokenReplay     SecurityEventKind = "refresh_token_replay"
	SecurityEventPasswordResetCompleted SecurityEventKind = "password_reset_completed"
	SecurityEventLoginUnknownIdentity   SecurityEventKind = "login_unknown_identity"
	SecurityEventAccountAnonymized      SecurityEventKind = "account_anonymized"
	SecurityEventOTPAttemptsExhausted   SecurityEventKind = "otp_attempts_exhausted"
)

// SecurityEvent represents the payload for security audit messages.
type SecurityEvent struct {
	ID         string
	Kind       SecurityEventKind
	IdentityID string
	Email      string
	IP         string
	OccurredAt time.Time
	Details    map[string]any
}
