// Package challenge computes, publishes, and verifies ACME challenge
// material for dns-01 and http-01.
package challenge

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "challenge"))
}

// KeyAuthorization concatenates a challenge token with the account key
// thumbprint (RFC 8555 section 8.1).
func KeyAuthorization(token, thumbprint string) string {
	return token + "." + thumbprint
}

// DNS01TXTValue is the value published in the _acme-challenge TXT record:
// the base64url SHA-256 digest of the key authorization.
func DNS01TXTValue(keyAuth string) string {
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// DNS01RecordName returns the _acme-challenge FQDN for a domain. Wildcard
// prefixes are stripped; a wildcard and its base domain share one record
// name.
func DNS01RecordName(domain string) string {
	if len(domain) > 2 && domain[:2] == "*." {
		domain = domain[2:]
	}
	return "_acme-challenge." + domain
}
