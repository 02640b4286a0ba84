package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL defines the validity period for license bearer tokens. Clients
// check in far more often than this; the long TTL only bounds fully offline use.
const DefaultTTL = 30 * 24 * time.Hour

// Verification failures distinguished for the check-in path.
var (
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
)

// Claims carries the license snapshot embedded in issued bearer tokens.
// Validity is always re-derived from live rows at check-in; the snapshot
// exists for client display and for the fingerprint binding.
type Claims struct {
	LicenseID     string `json:"lid"`
	AppCode       string `json:"app"`
	DeviceHash    string `json:"dvh"`
	LicenseStatus string `json:"lst"`
	MaxDevices    int    `json:"maxd"`
	AppVersion    string `json:"ver,omitempty"`
	UserEmail     string `json:"eml,omitempty"`
	UserName      string `json:"nam,omitempty"`
	jwt.RegisteredClaims
}

// Config bundles the parameters required to build a Service.
type Config struct {
	PrivateKeyPath string
	PublicKeyPath  string
	Issuer         string
	TTL            time.Duration
	Clock          func() time.Time
}

// Service issues and verifies RS256-signed license bearer tokens. Signing is
// asymmetric so stateless verifier instances only ever need the public half.
type Service struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

// NewService loads the key pair from the configured paths and constructs a
// Service. The private key is mandatory; when no public key path is given the
// public half is derived from the private key.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, errors.New("token: private key path must be configured")
	}

	private, err := LoadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	public := &private.PublicKey
	if strings.TrimSpace(cfg.PublicKeyPath) != "" {
		public, err = LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
	}

	return NewServiceWithKeys(private, public, cfg.Issuer, cfg.TTL, cfg.Clock), nil
}

// NewServiceWithKeys constructs a Service from in-memory keys.
func NewServiceWithKeys(private *rsa.PrivateKey, public *rsa.PublicKey, issuer string, ttl time.Duration, clock func() time.Time) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	if public == nil && private != nil {
		public = &private.PublicKey
	}

	return &Service{
		private: private,
		public:  public,
		issuer:  issuer,
		ttl:     ttl,
		now:     clock,
	}
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue signs the supplied claims and returns the compact token together with
// its absolute expiry.
func (s *Service) Issue(claims Claims) (string, time.Time, error) {
	if s.private == nil {
		return "", time.Time{}, errors.New("token: service has no private key")
	}
	if claims.LicenseID == "" {
		return "", time.Time{}, errors.New("token: license id is required")
	}
	if claims.DeviceHash == "" {
		return "", time.Time{}, errors.New("token: device hash is required")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.LicenseID,
		Issuer:    s.issuer,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims).SignedString(s.private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify checks the signature and expiry of a compact token and returns its
// claims. Failures collapse to ErrExpired or ErrInvalidSignature so callers
// can report the two cases distinctly without inspecting library errors.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrInvalidSignature
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidSignature
	}
	if claims.LicenseID == "" {
		return nil, ErrInvalidSignature
	}

	return &claims, nil
}
