// Package token issues and verifies capability tokens: signed, expiring
// credentials that bind an authorization decision to the exact content of
// one action. An executor must present the token, and the runtime
// re-verifies it independently; a caller's claim that a token was already
// checked is never trusted.
package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/contracts"
)

// Claims is the capability claim set. The subject is the canonical
// content hash of the authorized action.
type Claims struct {
	jwt.RegisteredClaims
	RunID         string         `json:"run_id"`
	PolicyVersion string         `json:"policy_version"`
	RiskScore     float64        `json:"risk_score"`
	Tier          contracts.Tier `json:"tier"`
}

// SignedToken abstracts the signing primitive. Any HMAC or asymmetric
// scheme satisfies it; the cryptographic library is an implementation
// detail, not part of the contract.
type SignedToken interface {
	Sign(claims *Claims) (string, error)
	Parse(raw string) (*Claims, error)
}

// jwtSigner implements SignedToken with golang-jwt.
type jwtSigner struct {
	method  jwt.SigningMethod
	signKey any
	keyFunc jwt.Keyfunc
}

// NewHMAC returns a SignedToken using HS256 with a shared secret held
// only by the issuing side.
func NewHMAC(secret []byte) SignedToken {
	return &jwtSigner{
		method:  jwt.SigningMethodHS256,
		signKey: secret,
		keyFunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		},
	}
}

// NewEd25519 returns a SignedToken using EdDSA. Verification needs only
// the public key, so executors can hold the verifier half.
func NewEd25519(priv ed25519.PrivateKey) SignedToken {
	pub := priv.Public()
	return &jwtSigner{
		method:  jwt.SigningMethodEdDSA,
		signKey: priv,
		keyFunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return pub, nil
		},
	}
}

func (s *jwtSigner) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(s.method, claims).SignedString(s.signKey)
}

func (s *jwtSigner) Parse(raw string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, s.keyFunc)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// Service is the capability token service.
type Service struct {
	signer SignedToken
	clock  func() time.Time
	trail  audit.Trail
}

// NewService creates a token service over the given signer.
func NewService(signer SignedToken) *Service {
	return &Service{signer: signer, clock: time.Now, trail: audit.Discard{}}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTrail records verification rejections to the given audit trail.
func (s *Service) WithTrail(trail audit.Trail) *Service {
	s.trail = trail
	return s
}

// Issue signs a capability for the given action content hash. The nonce
// makes every issuance unique even for identical claims.
func (s *Service) Issue(actionHash, runID, policyVersion string, riskScore float64,
	tier contracts.Tier, ttl time.Duration) (string, error) {

	now := s.clock().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   actionHash,
			Issuer:    "warden/policy",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RunID:         runID,
		PolicyVersion: policyVersion,
		RiskScore:     riskScore,
		Tier:          tier,
	}
	return s.signer.Sign(claims)
}

// Verify checks the token against the action presented for execution.
// Three independent checks, each surfaced distinctly for audit:
// signature, expiry, and hash binding. Any single failure invalidates
// the token and is written to the trail.
func (s *Service) Verify(ctx context.Context, action *contracts.ActionSpec, raw string) (*Claims, error) {
	claims, err := s.signer.Parse(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, s.reject(ctx, action, contracts.NewViolation(contracts.TokenExpired,
				"capability token expired"))
		}
		return nil, s.reject(ctx, action, contracts.NewViolation(contracts.TokenSignatureInvalid,
			"capability token rejected: %v", err))
	}

	// The jwt library already validated exp against wall time; re-check
	// against the injected clock so tests and skewed verifiers agree.
	if claims.ExpiresAt != nil && s.clock().After(claims.ExpiresAt.Time) {
		return nil, s.reject(ctx, action, contracts.NewViolation(contracts.TokenExpired,
			"capability token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339)))
	}

	hash, err := action.ContentHash()
	if err != nil {
		return nil, err
	}
	if hash != claims.Subject {
		return nil, s.reject(ctx, action, contracts.NewViolation(contracts.TokenHashMismatch,
			"action content hash %s does not match authorized hash %s", hash, claims.Subject))
	}
	return claims, nil
}

func (s *Service) reject(ctx context.Context, action *contracts.ActionSpec, v *contracts.Violation) error {
	_ = s.trail.Record(ctx, audit.EventTokenRejected, contracts.ActorSystem, "token-service",
		"ACTION", action.ID, map[string]any{"kind": string(v.Kind), "detail": v.Detail})
	return v
}
