package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Signer produces and checks the opaque signature carried by verification responses
type Signer interface {
	AgentID() string
	Sign(data []byte) (string, error)
	Verify(data []byte, signature string) bool
	PublicKey() string
}

// Digest returns the fixed-length content hash used for evidence integrity and dedup.
// It is a 128-bit BLAKE2b digest rendered as 32 hex characters.
func Digest(data []byte) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only fails for sizes outside 1..64 or oversized keys
		panic(err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ResponsePayload is the canonical byte string a verifier signs
func ResponsePayload(requestID string, verdict bool, confidence float64, agentID string) []byte {
	return []byte(fmt.Sprintf("%s-%t-%.2f-%s", requestID, verdict, confidence, agentID))
}

// Ed25519Signer signs the BLAKE2b-256 digest of a payload with an ed25519 key
type Ed25519Signer struct {
	agentID string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	logger  *slog.Logger
}

// NewEd25519Signer creates a signer from a base64 encoded ed25519 seed or private key.
// An empty key generates an ephemeral key pair.
func NewEd25519Signer(agentID, encodedKey string, logger *slog.Logger) (*Ed25519Signer, error) {
	var priv ed25519.PrivateKey

	if encodedKey == "" {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		priv = generated
		logger.Warn("No signing key configured, generated ephemeral key", "agent_id", agentID)
	} else {
		raw, err := base64.StdEncoding.DecodeString(encodedKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode signing key: %w", err)
		}
		switch len(raw) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("signing key has invalid length %d", len(raw))
		}
	}

	signer := &Ed25519Signer{
		agentID: agentID,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		logger:  logger,
	}

	logger.Info("Response signer initialized", "agent_id", agentID, "public_key", signer.PublicKey())
	return signer, nil
}

// AgentID returns the identity the signer signs as
func (s *Ed25519Signer) AgentID() string { return s.agentID }

// PublicKey returns the base64 encoded public key peers use to verify us
func (s *Ed25519Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Sign signs data and returns a base64 encoded signature
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("signer for %s has no usable private key", s.agentID)
	}
	digest := blake2b.Sum256(data)
	sig := ed25519.Sign(s.priv, digest[:])
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by this signer
func (s *Ed25519Signer) Verify(data []byte, signature string) bool {
	return verifyWith(s.pub, data, signature)
}

func verifyWith(pub ed25519.PublicKey, data []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest := blake2b.Sum256(data)
	return ed25519.Verify(pub, digest[:], sig)
}

// Keyring holds the public keys of known peers
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring creates a keyring from agent id -> base64 public key pairs
func NewKeyring(encoded map[string]string) (*Keyring, error) {
	k := &Keyring{keys: make(map[string]ed25519.PublicKey)}
	for agentID, key := range encoded {
		if err := k.Add(agentID, key); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Add registers or replaces a peer key
func (k *Keyring) Add(agentID, encodedKey string) error {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return fmt.Errorf("failed to decode public key for %s: %w", agentID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s has invalid length %d", agentID, len(raw))
	}

	k.mu.Lock()
	k.keys[agentID] = ed25519.PublicKey(raw)
	k.mu.Unlock()
	return nil
}

// Len returns the number of known peers
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Verify checks a peer signature. An empty keyring runs in dev mode and accepts
// every peer; otherwise unknown peers are rejected.
func (k *Keyring) Verify(agentID string, data []byte, signature string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(k.keys) == 0 {
		return true
	}
	pub, ok := k.keys[agentID]
	if !ok {
		return false
	}
	return verifyWith(pub, data, signature)
}
