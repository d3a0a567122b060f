package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operantsec/warden/pkg/contracts"
)

func testAction() *contracts.ActionSpec {
	return &contracts.ActionSpec{
		ID:            "act-1",
		RunID:         "run-1",
		Tool:          "nmap",
		Args:          []string{"-sV", "-p", "443"},
		Target:        "app.example.com",
		Proposer:      "agent-7",
		Justification: "service enumeration on approved host",
		CreatedAt:     time.Now(),
	}
}

func issueFor(t *testing.T, svc *Service, action *contracts.ActionSpec, ttl time.Duration) string {
	t.Helper()
	hash, err := action.ContentHash()
	require.NoError(t, err)
	raw, err := svc.Issue(hash, action.RunID, "policy-v1", 0.2, contracts.TierA, ttl)
	require.NoError(t, err)
	return raw
}

func TestIssueThenVerify(t *testing.T) {
	svc := NewService(NewHMAC([]byte("test-secret")))
	action := testAction()
	raw := issueFor(t, svc, action, time.Hour)

	claims, err := svc.Verify(context.Background(), action, raw)
	require.NoError(t, err)
	assert.Equal(t, "run-1", claims.RunID)
	assert.Equal(t, "policy-v1", claims.PolicyVersion)
	assert.Equal(t, contracts.TierA, claims.Tier)
	assert.InDelta(t, 0.2, claims.RiskScore, 1e-9)
	assert.NotEmpty(t, claims.ID, "nonce must be set")
}

func TestVerifyEd25519(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc := NewService(NewEd25519(priv))
	action := testAction()
	raw := issueFor(t, svc, action, time.Hour)

	_, err = svc.Verify(context.Background(), action, raw)
	require.NoError(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	svc := NewService(NewHMAC([]byte("test-secret"))).WithClock(func() time.Time { return past })
	action := testAction()
	raw := issueFor(t, svc, action, time.Hour) // expired an hour ago in real time

	svc = NewService(NewHMAC([]byte("test-secret")))
	_, err := svc.Verify(context.Background(), action, raw)
	require.Error(t, err)
	assert.Equal(t, contracts.TokenExpired, contracts.KindOf(err))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issuer := NewService(NewHMAC([]byte("issuer-secret")))
	action := testAction()
	raw := issueFor(t, issuer, action, time.Hour)

	verifier := NewService(NewHMAC([]byte("other-secret")))
	_, err := verifier.Verify(context.Background(), action, raw)
	require.Error(t, err)
	assert.Equal(t, contracts.TokenSignatureInvalid, contracts.KindOf(err))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := NewService(NewHMAC([]byte("test-secret")))
	_, err := svc.Verify(context.Background(), testAction(), "not.a.token")
	require.Error(t, err)
	assert.Equal(t, contracts.TokenSignatureInvalid, contracts.KindOf(err))
}

func TestVerifyRejectsMutatedAction(t *testing.T) {
	svc := NewService(NewHMAC([]byte("test-secret")))
	action := testAction()
	raw := issueFor(t, svc, action, time.Hour)

	// Even whitespace drift in any content field breaks the binding.
	mutated := *action
	mutated.Target = action.Target + " "
	_, err := svc.Verify(context.Background(), &mutated, raw)
	require.Error(t, err)
	assert.Equal(t, contracts.TokenHashMismatch, contracts.KindOf(err))

	mutated = *action
	mutated.Args = []string{"-sV", "-p", "444"}
	_, err = svc.Verify(context.Background(), &mutated, raw)
	require.Error(t, err)
	assert.Equal(t, contracts.TokenHashMismatch, contracts.KindOf(err))
}
