package security

import (
	"errors"
	"testing"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

func TestPasswordPolicyAcceptsDefaultStrength(t *testing.T) {
	policy := NewPasswordPolicy(PasswordPolicyConfig{MinLength: 8, MinCharacterClasses: 3})

	if err := policy.Validate("Secret123", "a@x.com", "alice"); err != nil {
		t.Fatalf("expected password to pass validation, got %v", err)
	}
}

func TestPasswordPolicyViolations(t *testing.T) {
	policy := NewPasswordPolicy(PasswordPolicyConfig{MinLength: 8, MinCharacterClasses: 3, MinStrengthScore: 3})

	assertViolation := func(password, expectedCode string, inputs ...string) {
		t.Helper()
		err := policy.Validate(password, inputs...)
		if err == nil {
			t.Fatalf("expected validation error for %s", expectedCode)
		}
		var vErr *PasswordValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected PasswordValidationError, got %T", err)
		}
		if vErr.Code != expectedCode {
			t.Fatalf("expected %s code, got %s", expectedCode, vErr.Code)
		}
	}

	assertViolation("Short1!", "min_length")
	assertViolation("lowercasepassword", "character_classes")
	assertViolation("Alice1234", "user_input", "alice1234@example.com")
	assertViolation("Password123", "weak_password")
}

func TestPasswordPolicyStrengthScore(t *testing.T) {
	password := "C0mplex!Passphrase#2025"
	if strength := zxcvbn.PasswordStrength(password, nil); strength.Score < 3 {
		t.Fatalf("test password unexpectedly weak: score=%d", strength.Score)
	}

	policy := NewPasswordPolicy(PasswordPolicyConfig{MinLength: 12, MinCharacterClasses: 4, MinStrengthScore: 3})
	if err := policy.Validate(password); err != nil {
		t.Fatalf("expected password to pass validation, got %v", err)
	}
}

func TestCustomPasswordValidator(t *testing.T) {
	validator := NewPasswordValidator(
		MinLengthRule(4),
		MaxLengthRule(6),
	)

	if err := validator.Validate("abc"); err == nil {
		t.Fatalf("expected validation error for short password")
	}
	if err := validator.Validate("abcdefg"); err == nil {
		t.Fatalf("expected validation error for long password")
	}
	if err := validator.Validate("abcd"); err != nil {
		t.Fatalf("expected password to pass custom validation, got %v", err)
	}
}
