// ABOUTME: Phone one-time codes: issue a 6-digit code, verify it, consume it
// ABOUTME: Codes are stored bcrypt-hashed with an expiry, a resend window and an attempt limit

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/pairchat/internal/profile"
	"github.com/2389/pairchat/internal/store"
)

// OTP errors
var (
	ErrCodeInvalid      = errors.New("invalid code")
	ErrCodeExpired      = errors.New("code expired")
	ErrTooManyAttempts  = errors.New("too many attempts")
	ErrResendTooSoon    = errors.New("code requested too recently")
	ErrPhoneUnsupported = errors.New("invalid phone number")
)

const (
	codeDigits            = 6
	defaultOTPTTL         = 5 * time.Minute
	defaultResendInterval = 30 * time.Second
	defaultMaxAttempts    = 5
)

// OTPConfig tunes code issuance.
type OTPConfig struct {
	TTL            time.Duration
	ResendInterval time.Duration
	MaxAttempts    int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// OTPService issues and checks login codes.
type OTPService struct {
	codes  store.OTPStore
	cfg    OTPConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewOTPService creates an OTPService. Pass nil logger for default.
func NewOTPService(codes store.OTPStore, cfg OTPConfig, logger *slog.Logger) *OTPService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultOTPTTL
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = defaultResendInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &OTPService{
		codes:  codes,
		cfg:    cfg,
		logger: logger.With("component", "otp"),
		now:    time.Now,
	}
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func normalize(phone string) (string, error) {
	phone = profile.NormalizePhone(phone)
	if len(phone) < 5 {
		return "", ErrPhoneUnsupported
	}
	return phone, nil
}

// RequestCode issues a fresh code for phone, replacing any previous one.
// Delivering the code to the phone is the caller's concern.
func (o *OTPService) RequestCode(ctx context.Context, phone string) (string, error) {
	phone, err := normalize(phone)
	if err != nil {
		return "", err
	}
	now := o.now().UTC()

	existing, err := o.codes.GetOTP(ctx, phone)
	switch {
	case err == nil:
		if now.Sub(existing.CreatedAt) < o.cfg.ResendInterval {
			return "", ErrResendTooSoon
		}
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("reading code: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), o.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing code: %w", err)
	}

	err = o.codes.SaveOTP(ctx, &store.OTPCode{
		Phone:     phone,
		CodeHash:  string(hash),
		CreatedAt: now,
		ExpiresAt: now.Add(o.cfg.TTL),
	})
	if err != nil {
		return "", fmt.Errorf("saving code: %w", err)
	}

	o.logger.Debug("login code issued", "phone", phone, "code", code)
	return code, nil
}

// VerifyCode checks code against the phone's pending code without
// consuming it. Wrong guesses count toward the attempt limit.
func (o *OTPService) VerifyCode(ctx context.Context, phone, code string) error {
	phone, err := normalize(phone)
	if err != nil {
		return err
	}

	pending, err := o.codes.GetOTP(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCodeInvalid
	}
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}

	if o.now().After(pending.ExpiresAt) {
		o.discard(ctx, phone)
		return ErrCodeExpired
	}
	if pending.Attempts >= o.cfg.MaxAttempts {
		o.discard(ctx, phone)
		return ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword([]byte(pending.CodeHash), []byte(code)) != nil {
		if err := o.codes.IncrementOTPAttempts(ctx, phone); err != nil {
			o.logger.Warn("recording failed attempt", "phone", phone, "error", err)
		}
		return ErrCodeInvalid
	}
	return nil
}

// Consume removes the phone's code after a successful login.
func (o *OTPService) Consume(ctx context.Context, phone string) error {
	phone, err := normalize(phone)
	if err != nil {
		return err
	}
	return o.codes.DeleteOTP(ctx, phone)
}

func (o *OTPService) discard(ctx context.Context, phone string) {
	if err := o.codes.DeleteOTP(ctx, phone); err != nil {
		o.logger.Warn("discarding code", "phone", phone, "error", err)
	}
}
