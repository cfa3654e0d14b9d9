package report

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "dermatrust"

// ErrInvalidDownloadToken indicates the token failed validation.
var ErrInvalidDownloadToken = errors.New("report: invalid download token")

// DownloadClaims binds a short-lived download link to one report and the
// user it was issued to.
type DownloadClaims struct {
	ReportID string `json:"report_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies report download tokens with HS256.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. ttl bounds link lifetime.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("report: download token secret is not configured")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a download token for reportID on behalf of userID.
func (t *TokenIssuer) Issue(reportID, userID string) (string, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return "", errors.New("report: reportID is required")
	}
	now := t.now().UTC()
	claims := DownloadClaims{
		ReportID: reportID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature, issuer and expiry and returns the claims.
func (t *TokenIssuer) Verify(token string) (*DownloadClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidDownloadToken
	}
	parsed, err := jwt.ParseWithClaims(token, &DownloadClaims{}, func(tk *jwt.Token) (any, error) {
		if tk.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidDownloadToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidDownloadToken
	}
	claims, ok := parsed.Claims.(*DownloadClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidDownloadToken
	}
	if claims.Issuer != issuer || claims.ReportID == "" {
		return nil, ErrInvalidDownloadToken
	}
	return claims, nil
}
