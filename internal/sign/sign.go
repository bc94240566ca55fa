package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"driveline/internal/domain"
)

// RejectionDescription is the fixed description written to a goal
// record that fails signature verification.
const RejectionDescription = "goal signature rejected"

var (
	// ErrUnsigned marks a goal that arrived without a signature while
	// verification is enforced.
	ErrUnsigned = errors.New("goal has no signature")
	// ErrBadSignature marks a goal whose signature validates against
	// none of the configured verification keys.
	ErrBadSignature = errors.New("goal signature does not validate")
)

// CanonicalString serializes the security-relevant goal fields in a
// fixed order. Every field listed here is covered by the signature;
// omitting one would allow an undetected tamper of that field. The
// opaque data payload is bound via its SHA-256 digest so canonical
// strings stay bounded regardless of payload size.
func CanonicalString(g domain.Goal) string {
	var b strings.Builder
	write := func(field, value string) {
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	write("uniqueName", g.UniqueName)
	write("environment", g.Environment)
	write("goalSetId", g.GoalSetID)
	write("state", string(g.State))
	write("ts", g.TS)
	write("version", strconv.FormatInt(g.Version, 10))
	write("provider", g.Push.Provider)
	write("owner", g.Push.Owner)
	write("repo", g.Push.Repo)
	write("sha", g.Push.SHA)
	write("branch", g.Push.Branch)
	write("fulfillmentMethod", g.Fulfillment.Method)
	write("fulfillmentName", g.Fulfillment.Name)
	write("fulfillmentRegistration", g.Fulfillment.Registration)
	keys := make([]string, len(g.PreConditions))
	for i, k := range g.PreConditions {
		keys[i] = k.String()
	}
	write("preConditions", strings.Join(keys, ","))
	sum := sha256.Sum256([]byte(g.Data))
	write("dataSha256", hex.EncodeToString(sum[:]))
	write("externalUrls", strings.Join(g.ExternalURLs, ","))
	prov := make([]string, len(g.Provenance))
	for i, p := range g.Provenance {
		prov[i] = p.Registration + "/" + p.Name + "@" + p.Version + ":" + p.TS
	}
	write("provenance", strings.Join(prov, ","))
	write("retryFeasible", strconv.FormatBool(g.RetryFeasible))
	write("approvalRequired", strconv.FormatBool(g.ApprovalRequired))
	write("approval", stampString(g.Approval))
	write("preApprovalRequired", strconv.FormatBool(g.PreApprovalRequired))
	write("preApproval", stampString(g.PreApproval))
	return b.String()
}

func stampString(s *domain.Stamp) string {
	if s == nil {
		return ""
	}
	return s.UserID + "@" + s.ChannelID + ":" + s.TS
}

// Signer produces detached hex-encoded ed25519 signatures over the
// canonical goal serialization.
type Signer struct {
	key ed25519.PrivateKey
}

func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign returns the goal with its Signature field populated. The input
// is not mutated.
func (s *Signer) Sign(g domain.Goal) domain.Goal {
	g.Signature = ""
	sig := ed25519.Sign(s.key, []byte(CanonicalString(g)))
	g.Signature = hex.EncodeToString(sig)
	return g
}

// Verifier validates goal signatures against a set of trusted keys.
type Verifier struct {
	keys []ed25519.PublicKey
}

func NewVerifier(keys ...ed25519.PublicKey) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks the goal's signature against every configured key.
// Returns ErrUnsigned for a missing signature and ErrBadSignature when
// no key validates it. The signature field itself is excluded from the
// signed content.
func (v *Verifier) Verify(g domain.Goal) error {
	if g.Signature == "" {
		return fmt.Errorf("goal %s: %w", g.Key(), ErrUnsigned)
	}
	sig, err := hex.DecodeString(g.Signature)
	if err != nil {
		return fmt.Errorf("goal %s: hex-decoding signature: %w", g.Key(), ErrBadSignature)
	}
	unsigned := g
	unsigned.Signature = ""
	message := []byte(CanonicalString(unsigned))
	for _, key := range v.keys {
		if ed25519.Verify(key, message, sig) {
			return nil
		}
	}
	return fmt.Errorf("goal %s: %w", g.Key(), ErrBadSignature)
}

// GenerateKeyPair writes a hex-encoded ed25519 key pair to the given
// paths. The private key file is created with owner-only permissions.
func GenerateKeyPair(privatePath, publicPath string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	if err := os.WriteFile(privatePath, []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(publicPath, []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a hex-encoded ed25519 private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("hex-decoding signing key %s: %w", path, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key %s has wrong length: got %d bytes, want %d", path, len(keyBytes), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadPublicKey reads a hex-encoded ed25519 public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verification key %s: %w", path, err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("hex-decoding verification key %s: %w", path, err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verification key %s has wrong length: got %d bytes, want %d", path, len(keyBytes), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(keyBytes), nil
}
