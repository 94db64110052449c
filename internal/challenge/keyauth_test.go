package challenge

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyAuthorization(t *testing.T) {
	assert.Equal(t, "token123.thumb456", KeyAuthorization("token123", "thumb456"))
}

func TestDNS01TXTValue(t *testing.T) {
	keyAuth := "evaGxfADs6pSRb2LAv9IZf17Dt3juxGJ-PCt92wr-oA.nP1qzpXGymHBrUEepNY9HCsQk7K8KhOypzEt62jcerQ"
	digest := sha256.Sum256([]byte(keyAuth))
	want := base64.RawURLEncoding.EncodeToString(digest[:])
	assert.Equal(t, want, DNS01TXTValue(keyAuth))
	// base64url, no padding
	assert.NotContains(t, DNS01TXTValue(keyAuth), "=")
}

func TestDNS01RecordName(t *testing.T) {
	assert.Equal(t, "_acme-challenge.example.com", DNS01RecordName("example.com"))
	// A wildcard shares the base domain's record name.
	assert.Equal(t, "_acme-challenge.example.com", DNS01RecordName("*.example.com"))
	assert.Equal(t, "_acme-challenge.a.b.example.com", DNS01RecordName("a.b.example.com"))
}
