package auth

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	payloadKeyNonce      = "nonce"
	payloadKeyExternalID = "external_id"
	payloadKeyUsername   = "username"
	payloadKeyEmail      = "email"
	payloadKeyName       = "name"
)

// Claim is the identity asserted by a decoded SSO payload.
type Claim struct {
	ExternalID  int64
	Username    string
	Email       string
	DisplayName string
	Nonce       string
}

// DecodePayload turns a base64 SSO payload into a validated Claim.
// Both external_id and username are mandatory; every failure is reported as a *DecodeError.
// Surrounding whitespace and line breaks in the base64 text are ignored. The form body is
// parsed strictly: a bare ';' separator or a bad percent escape is rejected as invalid_form.
func DecodePayload(encoded string) (Claim, error) {
	raw, err := decodeBase64(strings.TrimSpace(encoded))
	if err != nil {
		return Claim{}, newDecodeError(reasonInvalidBase64, err)
	}
	if !utf8.Valid(raw) {
		return Claim{}, newDecodeError(reasonInvalidUTF8, nil)
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return Claim{}, newDecodeError(reasonInvalidForm, err)
	}

	rawExternalID := strings.TrimSpace(values.Get(payloadKeyExternalID))
	if rawExternalID == "" {
		return Claim{}, newDecodeError(reasonMissingExternalID, nil)
	}
	externalID, err := strconv.ParseInt(rawExternalID, 10, 64)
	if err != nil {
		return Claim{}, newDecodeError(reasonInvalidExternalID, err)
	}
	if externalID <= 0 {
		return Claim{}, newDecodeError(reasonInvalidExternalID, nil)
	}

	username := strings.TrimSpace(values.Get(payloadKeyUsername))
	if username == "" {
		return Claim{}, newDecodeError(reasonMissingUsername, nil)
	}

	return Claim{
		ExternalID:  externalID,
		Username:    username,
		Email:       strings.TrimSpace(values.Get(payloadKeyEmail)),
		DisplayName: strings.TrimSpace(values.Get(payloadKeyName)),
		Nonce:       values.Get(payloadKeyNonce),
	}, nil
}

// EncodePayload produces the base64 form-encoded payload DecodePayload accepts.
// Optional fields are omitted when empty.
func EncodePayload(claim Claim) string {
	values := url.Values{}
	values.Set(payloadKeyExternalID, strconv.FormatInt(claim.ExternalID, 10))
	values.Set(payloadKeyUsername, claim.Username)
	if claim.Email != "" {
		values.Set(payloadKeyEmail, claim.Email)
	}
	if claim.DisplayName != "" {
		values.Set(payloadKeyName, claim.DisplayName)
	}
	if claim.Nonce != "" {
		values.Set(payloadKeyNonce, claim.Nonce)
	}
	return base64.StdEncoding.EncodeToString([]byte(values.Encode()))
}

// decodeBase64 accepts padded standard base64 and falls back to the unpadded form.
func decodeBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err == nil {
		return raw, nil
	}
	if unpadded, rawErr := base64.RawStdEncoding.DecodeString(encoded); rawErr == nil {
		return unpadded, nil
	}
	return nil, err
}
