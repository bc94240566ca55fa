package sign_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"driveline/internal/domain"
	"driveline/internal/sign"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func testGoal() domain.Goal {
	return domain.Goal{
		GoalSetID:   "gs-1",
		Environment: "ci",
		UniqueName:  "build",
		State:       domain.Requested,
		Fulfillment: domain.Fulfillment{Method: domain.FulfillmentSDM, Name: "build"},
		PreConditions: []domain.GoalKey{
			{Environment: "ci", UniqueName: "lint"},
		},
		Data:          `{"container":{"containers":[{"name":"main","image":"golang:1.23"}]}}`,
		ExternalURLs:  []string{"https://ci.example.com/run/1"},
		RetryFeasible: true,
		Push:          domain.Push{Provider: "github", Owner: "acme", Repo: "shop", Branch: "main", SHA: "abc123"},
		Version:       3,
		TS:            "2024-01-01T00:00:00Z",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	signer := sign.NewSigner(priv)
	verifier := sign.NewVerifier(pub)

	signed := signer.Sign(testGoal())
	if signed.Signature == "" {
		t.Fatal("no signature produced")
	}
	if err := verifier.Verify(signed); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyAcceptsAnyConfiguredKey(t *testing.T) {
	pubA, privA := testKeyPair(t)
	pubB, _ := testKeyPair(t)

	signed := sign.NewSigner(privA).Sign(testGoal())
	verifier := sign.NewVerifier(pubB, pubA)
	if err := verifier.Verify(signed); err != nil {
		t.Fatalf("verify with second key: %v", err)
	}
}

func TestVerifyRejectsUnsigned(t *testing.T) {
	pub, _ := testKeyPair(t)
	err := sign.NewVerifier(pub).Verify(testGoal())
	if !errors.Is(err, sign.ErrUnsigned) {
		t.Fatalf("err = %v, want ErrUnsigned", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := testKeyPair(t)
	pubOther, _ := testKeyPair(t)

	signed := sign.NewSigner(priv).Sign(testGoal())
	err := sign.NewVerifier(pubOther).Verify(signed)
	if !errors.Is(err, sign.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestTamperedFieldsFailVerification(t *testing.T) {
	pub, priv := testKeyPair(t)
	verifier := sign.NewVerifier(pub)

	tampers := map[string]func(*domain.Goal){
		"state":       func(g *domain.Goal) { g.State = domain.Success },
		"version":     func(g *domain.Goal) { g.Version = 99 },
		"sha":         func(g *domain.Goal) { g.Push.SHA = "def456" },
		"data":        func(g *domain.Goal) { g.Data = `{"container":{}}` },
		"fulfillment": func(g *domain.Goal) { g.Fulfillment.Name = "deploy" },
		"preconditions": func(g *domain.Goal) {
			g.PreConditions = append(g.PreConditions, domain.GoalKey{Environment: "ci", UniqueName: "extra"})
		},
		"retry": func(g *domain.Goal) { g.RetryFeasible = false },
		"approval": func(g *domain.Goal) {
			g.Approval = &domain.Stamp{UserID: "mallory", TS: "2024-01-01T00:00:00Z"}
		},
	}
	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			signed := sign.NewSigner(priv).Sign(testGoal())
			tamper(&signed)
			if err := verifier.Verify(signed); !errors.Is(err, sign.ErrBadSignature) {
				t.Fatalf("tampered %s: err = %v, want ErrBadSignature", name, err)
			}
		})
	}
}

func TestCanonicalStringExcludesSignature(t *testing.T) {
	g := testGoal()
	plain := sign.CanonicalString(g)
	g.Signature = "deadbeef"
	if sign.CanonicalString(g) != plain {
		t.Fatal("signature field leaked into canonical string")
	}
}

func TestKeyPairFiles(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "signing.key")
	pubPath := filepath.Join(dir, "signing.pub")
	if err := sign.GenerateKeyPair(privPath, pubPath); err != nil {
		t.Fatalf("generate: %v", err)
	}

	priv, err := sign.LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("load private: %v", err)
	}
	pub, err := sign.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("load public: %v", err)
	}
	signed := sign.NewSigner(priv).Sign(testGoal())
	if err := sign.NewVerifier(pub).Verify(signed); err != nil {
		t.Fatalf("verify with loaded keys: %v", err)
	}

	if _, err := sign.LoadPrivateKey(pubPath); err == nil {
		t.Fatal("expected length error loading public key as private")
	}
}
