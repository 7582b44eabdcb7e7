package security

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"io"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPConfig configures secret generation and code validation.
type TOTPConfig struct {
	Issuer string
	Period uint
	// Skew is the number of periods accepted on either side of the current one.
	Skew   uint
	Digits int
	QRSize int
}

// TOTPKey is a freshly generated shared secret.
type TOTPKey struct {
	Secret          string
	ProvisioningURI string
	QRCodePNG       []byte
}

// QRCodeDataURL returns the QR image as an inline data URL.
func (k TOTPKey) QRCodeDataURL() string {
	if len(k.QRCodePNG) == 0 {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(k.QRCodePNG)
}

// TOTP generates and validates RFC 6238 codes.
type TOTP struct {
	cfg  TOTPConfig
	rand io.Reader
}

// NewTOTP returns a TOTP helper. A nil rand uses crypto/rand.
func NewTOTP(cfg TOTPConfig, rand io.Reader) *TOTP {
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}
	return &TOTP{cfg: cfg, rand: rand}
}

// Generate creates a new secret for accountName along with its provisioning URI and QR image.
func (t *TOTP) Generate(accountName string) (TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.cfg.Issuer,
		AccountName: accountName,
		Period:      t.cfg.Period,
		SecretSize:  20,
		Digits:      otp.Digits(t.cfg.Digits),
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        t.rand,
	})
	if err != nil {
		return TOTPKey{}, fmt.Errorf("generate totp secret: %w", err)
	}

	image, err := t.qrCode(key.URL())
	if err != nil {
		return TOTPKey{}, err
	}

	return TOTPKey{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodePNG:       image,
	}, nil
}

func (t *TOTP) qrCode(content string) ([]byte, error) {
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, t.cfg.QRSize, t.cfg.QRSize)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("encode qr png: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate reports whether code matches secret within the configured skew around at.
func (t *TOTP) Validate(secret, code string, at time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at.UTC(), t.opts())
	return err == nil && ok
}

// Code computes the code for secret at the given moment.
func (t *TOTP) Code(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at.UTC(), t.opts())
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.cfg.Period,
		Skew:      t.cfg.Skew,
		Digits:    otp.Digits(t.cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}
