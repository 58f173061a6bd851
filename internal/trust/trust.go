// Package trust implements the signature verifier (C2): resolving a
// device's signing key and checking an envelope's signature against it,
// with a cache that keeps positive and negative lookups for different
// lengths of time.
package trust

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"sync"
	"time"

	"github.com/roastery/ingest/internal/envelope"
)

// Reason enumerates why an envelope failed verification, or is absent
// a failure reason entirely when verified.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMissingSig  Reason = "MISSING_SIG"
	ReasonMissingKid  Reason = "MISSING_KID"
	ReasonUnknownKid  Reason = "UNKNOWN_KID"
	ReasonRevokedKey  Reason = "REVOKED_KEY"
	ReasonBadSig      Reason = "BAD_SIGNATURE"
)

// Annotation is the per-envelope trust verdict, orthogonal to whether
// the envelope is accepted downstream -- a failed annotation never
// drops the envelope, it only marks it.
type Annotation struct {
	Verified bool
	Kid      string
	Reason   Reason
}

// KeyAlgorithm selects which signature scheme a key uses.
type KeyAlgorithm string

const (
	AlgEd25519   KeyAlgorithm = "ed25519"
	AlgECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

// Key is a resolved device public key plus revocation metadata.
type Key struct {
	Kid       string
	Algorithm KeyAlgorithm
	Public    interface{} // ed25519.PublicKey or *ecdsa.PublicKey
	RevokedAt *time.Time
}

// KeyResolver looks up a device's public key by kid. Resolve only needs
// to report found/not-found; caching is the Verifier's job so every
// resolver implementation gets it uniformly. This package provides the
// static fallback map (StaticResolver) and ChainResolver to combine
// resolvers; it has no remote identity-service resolver.
type KeyResolver interface {
	Resolve(kid string) (Key, bool, error)
}

// StaticResolver resolves keys from a fixed kid -> base64(SPKI) map,
// the static fallback described in spec.md §4.2. It never changes
// after construction.
type StaticResolver struct {
	keys map[string]Key
}

// NewStaticResolver parses a kid -> base64(SubjectPublicKeyInfo) map
// into a StaticResolver. Keys whose encoding can't be parsed are
// skipped, not fatal -- a single bad entry in an operator-supplied map
// must not take down the whole fallback resolver.
func NewStaticResolver(encoded map[string]string) (*StaticResolver, []error) {
	keys := make(map[string]Key, len(encoded))
	var errs []error
	for kid, b64 := range encoded {
		key, err := parseSPKI(kid, b64)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keys[kid] = key
	}
	return &StaticResolver{keys: keys}, errs
}

func (s *StaticResolver) Resolve(kid string) (Key, bool, error) {
	k, ok := s.keys[kid]
	return k, ok, nil
}

// ChainResolver tries each resolver in order, returning the first hit.
type ChainResolver struct {
	Resolvers []KeyResolver
}

func (c *ChainResolver) Resolve(kid string) (Key, bool, error) {
	for _, r := range c.Resolvers {
		key, ok, err := r.Resolve(kid)
		if err != nil {
			return Key{}, false, err
		}
		if ok {
			return key, true, nil
		}
	}
	return Key{}, false, nil
}

type cacheEntry struct {
	key     Key
	found   bool
	expires time.Time
}

// Verifier is the C2 signature verifier. It wraps a KeyResolver with a
// cache distinguishing positive and negative lookups -- the same
// asymmetric-TTL shape as a DNS resolver cache, required so a slow-to-
// propagate new key isn't masked forever by an early negative lookup.
type Verifier struct {
	resolver KeyResolver

	positiveTTL time.Duration
	negativeTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewVerifier builds a Verifier over resolver. Zero durations fall
// back to the defaults: 5 minutes positive, 15 seconds negative.
func NewVerifier(resolver KeyResolver, positiveTTL, negativeTTL time.Duration) *Verifier {
	if positiveTTL <= 0 {
		positiveTTL = 5 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 15 * time.Second
	}
	return &Verifier{
		resolver:    resolver,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		cache:       make(map[string]cacheEntry),
	}
}

// Annotate implements the C2 algorithm verbatim: missing sig/kid,
// then resolve (cached), then check revocation, then verify the
// signature over the envelope's canonical bytes.
func (v *Verifier) Annotate(env envelope.Envelope) Annotation {
	if len(env.Sig) == 0 {
		return Annotation{Verified: false, Reason: ReasonMissingSig}
	}
	if env.Kid == "" {
		return Annotation{Verified: false, Reason: ReasonMissingKid}
	}

	key, ok, err := v.lookup(env.Kid)
	if err != nil || !ok {
		return Annotation{Verified: false, Kid: env.Kid, Reason: ReasonUnknownKid}
	}
	if key.RevokedAt != nil {
		return Annotation{Verified: false, Kid: env.Kid, Reason: ReasonRevokedKey}
	}

	if verifySignature(key, env.CanonicalBytes(), env.Sig) {
		return Annotation{Verified: true, Kid: env.Kid}
	}
	return Annotation{Verified: false, Kid: env.Kid, Reason: ReasonBadSig}
}

func (v *Verifier) lookup(kid string) (Key, bool, error) {
	v.mu.Lock()
	if entry, ok := v.cache[kid]; ok && time.Now().Before(entry.expires) {
		v.mu.Unlock()
		return entry.key, entry.found, nil
	}
	v.mu.Unlock()

	key, found, err := v.resolver.Resolve(kid)
	if err != nil {
		return Key{}, false, err
	}

	ttl := v.negativeTTL
	if found {
		ttl = v.positiveTTL
	}
	v.mu.Lock()
	v.cache[kid] = cacheEntry{key: key, found: found, expires: time.Now().Add(ttl)}
	v.mu.Unlock()

	return key, found, nil
}

func verifySignature(key Key, message, sig []byte) bool {
	switch key.Algorithm {
	case AlgEd25519:
		pub, ok := key.Public.(ed25519.PublicKey)
		if !ok {
			return false
		}
		return ed25519.Verify(pub, message, sig)
	case AlgECDSAP256:
		pub, ok := key.Public.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	default:
		return false
	}
}

func parseSPKI(kid, b64 string) (Key, error) {
	der, err := decodeAnyBase64(b64)
	if err != nil {
		return Key{}, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return Key{}, err
	}
	switch p := pub.(type) {
	case ed25519.PublicKey:
		return Key{Kid: kid, Algorithm: AlgEd25519, Public: p}, nil
	case *ecdsa.PublicKey:
		if p.Curve != elliptic.P256() {
			return Key{}, unsupportedCurveErr(kid)
		}
		return Key{Kid: kid, Algorithm: AlgECDSAP256, Public: p}, nil
	default:
		return Key{}, unsupportedKeyTypeErr(kid)
	}
}
