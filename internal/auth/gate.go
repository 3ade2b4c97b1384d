package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// HeaderSSOPayload carries the base64 SSO payload.
	HeaderSSOPayload = "X-Discourse-SSO"
	// HeaderSSOSignature carries the hex HMAC-SHA256 signature of the payload.
	HeaderSSOSignature = "X-Discourse-Sig"
	// HeaderDevUserID carries the development bypass identifier.
	HeaderDevUserID = "X-Dev-User-Id"

	queryParamSSOPayload   = "sso"
	queryParamSSOSignature = "sig"

	devBypassUsername = "dev_user"
)

// Environment names the deployment the process runs in.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
)

// ParseEnvironment validates a configured environment name.
func ParseEnvironment(value string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(value))) {
	case EnvironmentProduction:
		return EnvironmentProduction, nil
	case EnvironmentDevelopment:
		return EnvironmentDevelopment, nil
	default:
		return "", fmt.Errorf("auth: unknown environment %q", value)
	}
}

// UnsignedPolicy decides whether payloads arriving without a signature are trusted.
//
// The allow mode exists for deployments where the payload can only be delivered by the
// identity provider itself (the forum embeds the app in an iframe it populates). It offers
// no cryptographic proof of identity; deployments reachable by arbitrary clients should deny.
type UnsignedPolicy string

const (
	UnsignedPolicyAllow UnsignedPolicy = "allow"
	UnsignedPolicyDeny  UnsignedPolicy = "deny"
)

// ParseUnsignedPolicy validates a configured unsigned payload policy.
func ParseUnsignedPolicy(value string) (UnsignedPolicy, error) {
	switch UnsignedPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case UnsignedPolicyAllow:
		return UnsignedPolicyAllow, nil
	case UnsignedPolicyDeny:
		return UnsignedPolicyDeny, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownUnsignedMode, value)
	}
}

// TrustTier records how strongly an identity was established.
type TrustTier string

const (
	TrustTierBypass   TrustTier = "bypass"
	TrustTierSigned   TrustTier = "signed"
	TrustTierUnsigned TrustTier = "unsigned"
)

// StoredUser is the canonical user row returned by the identity store.
type StoredUser struct {
	ID         int64
	ExternalID int64
	Username   string
	Email      string
}

// IdentityStore persists claims atomically keyed by external id.
type IdentityStore interface {
	UpsertUser(ctx context.Context, claim Claim) (StoredUser, error)
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	UserID      int64
	ExternalID  int64
	Username    string
	Email       string
	DisplayName string
	Tier        TrustTier
}

// Credentials are the raw authentication inputs of a single request.
type Credentials struct {
	Payload   string
	Signature string
	DevUserID string
}

// CredentialsFromRequest collects SSO headers, falling back to the sso/sig query
// parameters used by the browser entry point.
func CredentialsFromRequest(r *http.Request) Credentials {
	if r == nil {
		return Credentials{}
	}
	credentials := Credentials{
		Payload:   r.Header.Get(HeaderSSOPayload),
		Signature: strings.TrimSpace(r.Header.Get(HeaderSSOSignature)),
		DevUserID: strings.TrimSpace(r.Header.Get(HeaderDevUserID)),
	}
	if strings.TrimSpace(credentials.Payload) == "" && r.URL != nil {
		query := r.URL.Query()
		credentials.Payload = query.Get(queryParamSSOPayload)
		credentials.Signature = strings.TrimSpace(query.Get(queryParamSSOSignature))
	}
	return credentials
}

// GateConfig describes the dependencies of the session trust gate.
type GateConfig struct {
	Verifier       *SignatureVerifier
	Store          IdentityStore
	Environment    Environment
	UnsignedPolicy UnsignedPolicy
}

// Gate decides whether a request is authenticated and resolves its canonical identity.
type Gate struct {
	verifier       *SignatureVerifier
	store          IdentityStore
	allowBypass    bool
	unsignedPolicy UnsignedPolicy
}

// NewGate constructs a Gate. The development bypass is enabled only when the
// environment is explicitly development.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Store == nil {
		return nil, errMissingIdentityStore
	}
	policy := cfg.UnsignedPolicy
	if policy == "" {
		policy = UnsignedPolicyAllow
	}
	if _, err := ParseUnsignedPolicy(string(policy)); err != nil {
		return nil, err
	}
	return &Gate{
		verifier:       cfg.Verifier,
		store:          cfg.Store,
		allowBypass:    cfg.Environment == EnvironmentDevelopment,
		unsignedPolicy: policy,
	}, nil
}

// Authenticate applies the trust policy in order: development bypass, signed payload,
// unsigned payload. Rejections return before the identity store is touched.
func (g *Gate) Authenticate(ctx context.Context, credentials Credentials) (Identity, error) {
	if identity, ok := g.bypassIdentity(credentials.DevUserID); ok {
		return identity, nil
	}

	// The signature covers the payload bytes exactly as sent; only decoding trims.
	payload := credentials.Payload
	hasPayload := strings.TrimSpace(payload) != ""
	signature := strings.TrimSpace(credentials.Signature)

	var tier TrustTier
	switch {
	case hasPayload && signature != "":
		if !g.verifier.Verify(payload, signature) {
			return Identity{}, ErrSignatureInvalid
		}
		tier = TrustTierSigned
	case hasPayload:
		if g.unsignedPolicy != UnsignedPolicyAllow {
			return Identity{}, errUnsignedPayloadRejected
		}
		tier = TrustTierUnsigned
	default:
		return Identity{}, ErrCredentialsMissing
	}

	claim, err := DecodePayload(payload)
	if err != nil {
		return Identity{}, err
	}

	// A client disconnect must not abort the upsert half way.
	stored, err := g.store.UpsertUser(context.WithoutCancel(ctx), claim)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return Identity{
		UserID:      stored.ID,
		ExternalID:  stored.ExternalID,
		Username:    stored.Username,
		Email:       stored.Email,
		DisplayName: claim.DisplayName,
		Tier:        tier,
	}, nil
}

func (g *Gate) bypassIdentity(rawUserID string) (Identity, bool) {
	if !g.allowBypass {
		return Identity{}, false
	}
	trimmed := strings.TrimSpace(rawUserID)
	if trimmed == "" {
		return Identity{}, false
	}
	userID, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, false
	}
	return Identity{
		UserID:     userID,
		ExternalID: userID,
		Username:   devBypassUsername,
		Tier:       TrustTierBypass,
	}, true
}
