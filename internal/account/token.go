package account

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenIssuer is the iss claim of every minted token.
	TokenIssuer = "https://business.gemini.google"
	// TokenAudience is the aud claim of every minted token.
	TokenAudience = "https://biz-discoveryengine.googleapis.com"
	// TokenLifetime is exp minus iat.
	TokenLifetime = 300 * time.Second
)

// tokenHeader and tokenClaims marshal in field order, which the upstream
// expects byte for byte.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type tokenClaims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// MintToken signs a short-lived bearer token for one account.
// key is the decoded key exchange secret, keyID its identifier and csesidx
// the account's session scoping id.
func MintToken(key []byte, keyID, csesidx string, now time.Time) (string, error) {
	iat := now.Unix()

	header, err := encodeSegment(tokenHeader{
		Alg: jwt.SigningMethodHS256.Alg(),
		Typ: "JWT",
		Kid: keyID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token header: %w", err)
	}

	payload, err := encodeSegment(tokenClaims{
		Iss: TokenIssuer,
		Aud: TokenAudience,
		Sub: "csesidx/" + csesidx,
		Iat: iat,
		Exp: iat + int64(TokenLifetime/time.Second),
		Nbf: iat,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}

	signingString := header + "." + payload
	sig, err := jwt.SigningMethodHS256.Sign(signingString, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// DecodeKey decodes the xsrfToken returned by the key exchange into MAC key bytes.
// The value is base64url; padding is optional.
func DecodeKey(xsrfToken string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(xsrfToken, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key material: %w", err)
	}
	return key, nil
}

// encodeSegment renders v as compact JSON without HTML escaping and encodes it.
func encodeSegment(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return kqEncode(strings.TrimSuffix(buf.String(), "\n")), nil
}

// kqEncode is the segment encoding the web app uses: each code point above
// 255 contributes its low then high byte, everything else one byte, and the
// result is base64url without padding.
func kqEncode(s string) string {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 255 {
			b = append(b, byte(r&0xff), byte(r>>8))
		} else {
			b = append(b, byte(r))
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
