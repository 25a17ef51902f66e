package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"otterchat.org/internal/common"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/store"
)

const (
	defaultPendingTTL = 15 * time.Minute
	codeDigits        = 6

	// maxVerifyMisses wrong codes discard a pending signup.
	maxVerifyMisses = 5
)

// Notifier delivers out-of-band messages such as verification codes.
type Notifier interface {
	Send(ctx context.Context, email, subject, body string) error
}

// BanChecker reports live ban membership.
type BanChecker interface {
	IsBanned(username string) bool
}

// Service implements signup, verification, login and session resume.
type Service struct {
	accounts store.AccountStore
	bans     BanChecker
	notifier Notifier
	tokens   *TokenIssuer
	pending  *pendingStore

	now        func() time.Time
	pendingTTL time.Duration
	newCode    func() (string, error)
	dummyHash  string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithNotifier sets the verification code sender.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithTokens enables resume tokens.
func WithTokens(ti *TokenIssuer) ServiceOption {
	return func(s *Service) error {
		s.tokens = ti
		return nil
	}
}

// WithPendingTTL sets how long a verification code stays valid. Zero disables expiry.
func WithPendingTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl < 0 {
			return errors.New("auth: pending ttl must not be negative")
		}
		s.pendingTTL = ttl
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithCodeGenerator overrides verification code generation.
func WithCodeGenerator(gen func() (string, error)) ServiceOption {
	return func(s *Service) error {
		if gen != nil {
			s.newCode = gen
		}
		return nil
	}
}

// NewService wires the onboarding service.
func NewService(accounts store.AccountStore, bans BanChecker, opts ...ServiceOption) (*Service, error) {
	if accounts == nil || bans == nil {
		return nil, errors.New("auth: accounts and ban checker are required")
	}
	s := &Service{
		accounts:   accounts,
		bans:       bans,
		pending:    newPendingStore(maxVerifyMisses),
		now:        time.Now,
		pendingTTL: defaultPendingTTL,
		newCode:    randomCode,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword("otterchat-timing-placeholder")
	if err != nil {
		return nil, err
	}
	s.dummyHash = hash
	return s, nil
}

// Signup validates uniqueness and e-mails a verification code. The account is
// created only by Verify.
func (s *Service) Signup(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if username == "" || email == "" || password == "" {
		return common.ErrInvalidInput
	}

	if _, err := s.accounts.AccountByName(ctx, username); err == nil {
		return common.ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		obs.Error("account lookup failed", map[string]any{"op": "signup", "err": err})
	}
	if _, err := s.accounts.AccountByEmail(ctx, email); err == nil {
		return common.ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		obs.Error("account lookup failed", map[string]any{"op": "signup", "err": err})
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	code, err := s.newCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	s.pending.put(PendingSignup{
		Email:        email,
		Code:         code,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	})

	if s.notifier != nil {
		body := fmt.Sprintf("Your otterchat verification code is %s.", code)
		if err := s.notifier.Send(ctx, email, "Verify your otterchat account", body); err != nil {
			obs.Warn("verification code delivery failed", map[string]any{"username": username, "err": err})
		}
	}
	return nil
}

// Verify consumes the pending signup for email and creates the account.
func (s *Service) Verify(ctx context.Context, email, code string) (store.Account, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return store.Account{}, common.ErrInvalidCode
	}
	now := s.now().UTC()
	rec, ok := s.pending.take(email, func(p PendingSignup) bool {
		if s.expired(p, now) {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(p.Code), []byte(code)) == 1
	})
	if !ok {
		return store.Account{}, common.ErrInvalidCode
	}

	// The name may have been claimed by a rename since Signup checked it.
	if _, err := s.accounts.AccountByName(ctx, rec.Username); err == nil {
		return store.Account{}, common.ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		s.pending.restore(rec)
		return store.Account{}, fmt.Errorf("lookup account: %w", err)
	}

	acc := store.Account{
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		Email:        rec.Email,
		Screenname:   rec.Username,
		JoinedAt:     now,
	}
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Account{}, common.ErrUsernameTaken
		}
		s.pending.restore(rec)
		return store.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acc, nil
}

// Login checks the ban set first, then the credentials.
func (s *Service) Login(ctx context.Context, username, password string) (store.Account, error) {
	username = strings.TrimSpace(username)
	if s.bans.IsBanned(username) {
		return store.Account{}, common.ErrBanned
	}
	acc, err := s.accounts.GetAccount(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			obs.Error("account lookup failed", map[string]any{"op": "login", "err": err})
		}
		// Same bcrypt work for unknown users as for a wrong password.
		_ = VerifyPassword(s.dummyHash, password)
		return store.Account{}, common.ErrInvalidCredentials
	}
	if err := VerifyPassword(acc.PasswordHash, password); err != nil {
		return store.Account{}, common.ErrInvalidCredentials
	}
	return acc, nil
}

// Resume rebinds an identity from a resume token.
func (s *Service) Resume(ctx context.Context, token string) (store.Account, error) {
	if s.tokens == nil {
		return store.Account{}, common.ErrInvalidToken
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return store.Account{}, err
	}
	if s.bans.IsBanned(claims.Subject) {
		return store.Account{}, common.ErrBanned
	}
	acc, err := s.accounts.GetAccount(ctx, claims.Subject)
	if err != nil {
		return store.Account{}, common.ErrInvalidToken
	}
	return acc, nil
}

// IssueToken returns a resume token for username, or "" when tokens are disabled.
func (s *Service) IssueToken(username string) (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	return s.tokens.Issue(username)
}

// PendingCount returns the number of unverified signups.
func (s *Service) PendingCount() int { return s.pending.len() }

// StartSweeper drops expired pending signups at the given interval until the
// returned stop function is called. It is a no-op when expiry is disabled.
func (s *Service) StartSweeper(interval time.Duration) func() {
	if s.pendingTTL <= 0 || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
	return cancel
}

// SweepExpired removes pending signups older than the TTL.
func (s *Service) SweepExpired() int {
	if s.pendingTTL <= 0 {
		return 0
	}
	return s.pending.sweep(s.now().UTC().Add(-s.pendingTTL))
}

func (s *Service) expired(p PendingSignup, now time.Time) bool {
	return s.pendingTTL > 0 && now.Sub(p.CreatedAt) > s.pendingTTL
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
