package domain

// TwoFactorStatus enumerates the enrollment states of TOTP 2FA.
type TwoFactorStatus string

const (
	TwoFactorStatusDisabled TwoFactorStatus = "disabled"
	TwoFactorStatusPending  TwoFactorStatus = "pending"
	TwoFactorStatusEnabled  TwoFactorStatus = "enabled"
)

// TwoFactorState is the tagged enrollment state of an identity.
// The zero value is Disabled. A secret exists only in Pending and Enabled.
type TwoFactorState struct {
	status TwoFactorStatus
	secret string
}

// TwoFactorDisabled returns the state without any secret.
func TwoFactorDisabled() TwoFactorState {
	return TwoFactorState{status: TwoFactorStatusDisabled}
}

// TwoFactorPending returns the state awaiting confirmation of secret.
func TwoFactorPending(secret string) TwoFactorState {
	if secret == "" {
		return TwoFactorDisabled()
	}
	return TwoFactorState{status: TwoFactorStatusPending, secret: secret}
}

// TwoFactorEnabled returns the active state for secret.
func TwoFactorEnabled(secret string) TwoFactorState {
	if secret == "" {
		return TwoFactorDisabled()
	}
	return TwoFactorState{status: TwoFactorStatusEnabled, secret: secret}
}

// ParseTwoFactorState rebuilds a state from its persisted columns.
func ParseTwoFactorState(status string, secret *string) TwoFactorState {
	value := ""
	if secret != nil {
		value = *secret
	}
	switch TwoFactorStatus(status) {
	case TwoFactorStatusPending:
		return TwoFactorPending(value)
	case TwoFactorStatusEnabled:
		return TwoFactorEnabled(value)
	default:
		return TwoFactorDisabled()
	}
}

// Status reports the enrollment state.
func (s TwoFactorState) Status() TwoFactorStatus {
	if s.status == "" {
		return TwoFactorStatusDisabled
	}
	return s.status
}

// Enabled reports whether logins require a TOTP code.
func (s TwoFactorState) Enabled() bool {
	return s.Status() == TwoFactorStatusEnabled
}

// Secret returns the shared secret when one is held.
func (s TwoFactorState) Secret() (string, bool) {
	if s.secret == "" {
		return "", false
	}
	return s.secret, true
}

// SecretPtr returns the secret as a nullable column value.
func (s TwoFactorState) SecretPtr() *string {
	if s.secret == "" {
		return nil
	}
	secret := s.secret
	return &secret
}
