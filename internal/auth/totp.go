package auth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/quantrail/tickfabric/errs"
)

// TOTP generates time-based one-time passwords for the broker login flow.
type TOTP struct {
	secret string
	period uint
	digits otp.Digits
	algo   otp.Algorithm
}

// TOTPOption overrides a generator default (6 digits, 30 s, SHA1).
type TOTPOption func(*TOTP)

// WithDigits sets the code length.
func WithDigits(d otp.Digits) TOTPOption {
	return func(t *TOTP) { t.digits = d }
}

// WithPeriod sets the step length in seconds.
func WithPeriod(seconds uint) TOTPOption {
	return func(t *TOTP) { t.period = seconds }
}

// WithAlgorithm sets the HMAC hash.
func WithAlgorithm(a otp.Algorithm) TOTPOption {
	return func(t *TOTP) { t.algo = a }
}

// NewTOTP constructs a generator over a base32 secret.
func NewTOTP(secretBase32 string, opts ...TOTPOption) (*TOTP, error) {
	if secretBase32 == "" {
		return nil, errs.New("auth.totp", errs.CodeInvalid, errs.WithMessage("empty secret"))
	}
	t := &TOTP{
		secret: secretBase32,
		period: 30,
		digits: otp.DigitsSix,
		algo:   otp.AlgorithmSHA1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Now returns the code for the current step.
func (t *TOTP) Now() (string, error) {
	return t.At(time.Now())
}

// At returns the code for the step containing ts.
func (t *TOTP) At(ts time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(t.secret, ts, totp.ValidateOpts{
		Period:    t.period,
		Digits:    t.digits,
		Algorithm: t.algo,
	})
	if err != nil {
		return "", errs.Wrap("auth.totp", errs.CodeInvalid, err)
	}
	return code, nil
}

// Verify checks code against the step containing ts, with one step of skew
// in either direction.
func (t *TOTP) Verify(code string, ts time.Time) bool {
	ok, err := totp.ValidateCustom(code, t.secret, ts, totp.ValidateOpts{
		Period:    t.period,
		Skew:      1,
		Digits:    t.digits,
		Algorithm: t.algo,
	})
	return err == nil && ok
}
