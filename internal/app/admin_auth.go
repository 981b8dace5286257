package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid admin password")
	ErrInvalidToken       = errors.New("invalid or expired admin token")
)

const tokenIssuer = "bustracker"

// AdminAuth checks the admin password against the stored bcrypt hash and
// issues HS256 session tokens.
type AdminAuth struct {
	store  busdb.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAdminAuth returns an AdminAuth signing with secret. An empty secret is
// replaced by a random one, which invalidates tokens on restart.
func NewAdminAuth(store busdb.Store, secret string, ttl time.Duration) (*AdminAuth, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AdminAuth{store: store, secret: key, ttl: ttl, now: time.Now}, nil
}

// EnsureAdminCredential stores a hash of password unless a credential
// already exists. It reports whether one was created.
func (a *AdminAuth) EnsureAdminCredential(ctx context.Context, password string) (bool, error) {
	_, err := a.store.GetAdminCredential(ctx, models.AdminUsername)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, busdb.ErrNotFound) {
		return false, fmt.Errorf("loading admin credential: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hashing admin password: %w", err)
	}
	err = a.store.SaveAdminCredential(ctx, models.AdminCredential{
		Username:     models.AdminUsername,
		PasswordHash: string(hash),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Login verifies password and returns a signed token with its expiry.
func (a *AdminAuth) Login(ctx context.Context, password string) (string, time.Time, error) {
	cred, err := a.store.GetAdminCredential(ctx, models.AdminUsername)
	if errors.Is(err, busdb.ErrNotFound) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("loading admin credential: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	expiresAt := now.Add(a.ttl).Truncate(time.Second).UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   models.AdminUsername,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing admin token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify accepts only unexpired HS256 tokens issued for the admin.
func (a *AdminAuth) Verify(token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(models.AdminUsername),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (app *Application) RequestHasInvalidAdminToken(r *http.Request) bool {
	token := BearerToken(r)
	if token == "" || app.Auth == nil {
		return true
	}
	return app.Auth.Verify(token) != nil
}
