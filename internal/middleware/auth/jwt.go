package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
)

// MethodJWT and MethodAPIKey identify which validator produced a Result.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
)

// Result is produced by a successful authentication.
type Result struct {
	Principal string
	Method    string
	Metadata  map[string]interface{}
	// Key holds the raw API key for api_key results; empty otherwise.
	Key string
}

// JWTValidator validates bearer tokens from the Authorization header.
type JWTValidator struct {
	algorithm string
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	audience  []string
	parser    *jwt.Parser
}

// NewJWTValidator creates a JWT validator. The configuration must carry
// exactly one of secret (HS*) or public_key (RS*, PEM-encoded PKIX or
// PKCS#1).
func NewJWTValidator(cfg config.JWTConfig) (*JWTValidator, error) {
	if (cfg.Secret == "") == (cfg.PublicKey == "") {
		return nil, errors.New(errors.KindInvalidConfig, "jwt: exactly one of secret or public_key must be configured")
	}

	v := &JWTValidator{
		algorithm: cfg.Algorithm,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
	}

	if v.algorithm == "" {
		if cfg.Secret != "" {
			v.algorithm = "HS256"
		} else {
			v.algorithm = "RS256"
		}
	}

	switch {
	case strings.HasPrefix(v.algorithm, "HS"):
		if cfg.Secret == "" {
			return nil, errors.Newf(errors.KindInvalidConfig, "jwt: algorithm %s requires a secret", v.algorithm)
		}
		v.secret = []byte(cfg.Secret)

	case strings.HasPrefix(v.algorithm, "RS"):
		if cfg.PublicKey == "" {
			return nil, errors.Newf(errors.KindInvalidConfig, "jwt: algorithm %s requires a public_key", v.algorithm)
		}
		pub, err := parseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		v.publicKey = pub

	default:
		return nil, errors.Newf(errors.KindInvalidConfig, "jwt: unsupported algorithm %q", v.algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithExpirationRequired(),
	}
	if cfg.ClockSkewSecs > 0 {
		opts = append(opts, jwt.WithLeeway(time.Duration(cfg.ClockSkewSecs)*time.Second))
	}
	v.parser = jwt.NewParser(opts...)

	return v, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New(errors.KindInvalidConfig, "jwt: public_key is not valid PEM")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New(errors.KindInvalidConfig, "jwt: public_key is not an RSA key")
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "jwt: failed to parse public_key")
	}
	return rsaPub, nil
}

// Validate verifies the bearer token on the request. The algorithm,
// signature and exp claim are always checked; issuer and audience only
// when configured.
func (v *JWTValidator) Validate(r *http.Request) (*Result, error) {
	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, errors.ErrMissingCredentials
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if v.secret != nil {
			return v.secret, nil
		}
		return v.publicKey, nil
	}

	token, err := v.parser.Parse(tokenString, keyFunc)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidToken, "Invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.KindInvalidToken, "Invalid token claims")
	}

	if v.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.issuer {
			return nil, errors.New(errors.KindInvalidToken, "Invalid token issuer")
		}
	}

	if len(v.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAudience(aud, v.audience) {
			return nil, errors.New(errors.KindInvalidToken, "Invalid token audience")
		}
	}

	principal, _ := claims.GetSubject()

	metadata := make(map[string]interface{}, len(claims))
	for k, val := range claims {
		metadata[k] = val
	}

	return &Result{
		Principal: principal,
		Method:    MethodJWT,
		Metadata:  metadata,
	}, nil
}

// extractBearer pulls the token out of an Authorization: Bearer header.
func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

func containsAudience(tokenAud jwt.ClaimStrings, expected []string) bool {
	for _, ta := range tokenAud {
		for _, ea := range expected {
			if ta == ea {
				return true
			}
		}
	}
	return false
}
