package model

import (
	"encoding/json"
	"time"
)

// Order status values shared by every issuance path (RFC 8555 section 7.1.6,
// plus the internal "created" state before the order has been submitted).
const (
	StatusCreated    = "created"
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Challenge types supported by the engine.
const (
	ChallengeDNS01  = "dns-01"
	ChallengeHTTP01 = "http-01"
)

// Order modes. A "client" order is driven entirely by this system against an
// upstream CA; a "proxy" order is owned by an external ACME client that we
// relay upstream; a "local" order is issued from an internally managed CA.
const (
	ModeClient = "client"
	ModeProxy  = "proxy"
	ModeLocal  = "local"
)

// Environments an upstream account can be registered against. Staging and
// production are distinct accounts even on the same CA.
const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Account is an identity registered with an upstream ACME CA. One exists per
// (directory URL, environment) pair. The private key must survive restarts or
// every order placed under it becomes unrenewable.
type Account struct {
	ID             string    `json:"id" db:"id"`
	DirectoryURL   string    `json:"directoryUrl" db:"directory_url"`
	Environment    string    `json:"environment" db:"environment"`
	KeyPEM         string    `json:"-" db:"key_pem"`
	AccountURL     string    `json:"accountUrl" db:"account_url"`
	Contact        []string  `json:"contact,omitempty" db:"contact"`
	TermsAgreed    bool      `json:"termsOfServiceAgreed" db:"tos_agreed"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// Registered reports whether the account has completed upstream registration.
func (a *Account) Registered() bool {
	return a != nil && a.AccountURL != ""
}

// Order is a unit of certificate work, tracked from creation through
// finalization. It is mutated only by the order state machine, under the
// per-order lock, and is retained after completion for renewal and audit.
type Order struct {
	ID            string   `json:"id" db:"id"`
	AccountID     string   `json:"-" db:"account_id"`
	Mode          string   `json:"mode" db:"mode"`
	Status        string   `json:"status" db:"status"`
	Domains       []string `json:"domains" db:"-"`
	ChallengeType string   `json:"challengeType" db:"challenge_type"`
	Environment   string   `json:"environment" db:"environment"`

	// Local issuance.
	IssuerID string `json:"-" db:"issuer_id"`
	CSRPEM   string `json:"-" db:"csr_pem"`

	// Upstream bookkeeping (client and proxy modes).
	UpstreamOrderURL       string `json:"-" db:"upstream_order_url"`
	UpstreamFinalizeURL    string `json:"-" db:"upstream_finalize_url"`
	UpstreamCertificateURL string `json:"-" db:"upstream_certificate_url"`

	// AuthzURLs is the full set of upstream authorization URLs recorded when
	// the upstream order was created. Correlating an upstream authorization
	// back to its local order is always an exact match against these
	// per-order sets, never an inference from a global in-flight list,
	// request ordering, or the client key.
	AuthzURLs []string `json:"authorizations,omitempty" db:"-"`

	// AuthzMap maps locally minted authorization IDs to upstream
	// authorization URLs for proxied orders.
	AuthzMap map[string]string `json:"-" db:"-"`

	// ClientThumbprint is the JWK thumbprint of the external ACME client that
	// owns a proxied order. Every follow-up call on the order must present
	// the same key.
	ClientThumbprint string `json:"-" db:"client_thumbprint"`

	Error             *ProblemDetails `json:"error,omitempty" db:"-"`
	CertificateSerial string          `json:"-" db:"certificate_serial"`

	AutoRenew       bool      `json:"autoRenew" db:"auto_renew"`
	RenewalFailures int       `json:"-" db:"renewal_failures"`
	LastAttemptAt   time.Time `json:"-" db:"last_attempt_at"`
	LastRenewalAt   time.Time `json:"-" db:"last_renewal_at"`
	LastErrorAt     time.Time `json:"-" db:"last_error_at"`

	ExpiresAt      time.Time `json:"expires" db:"expires_at"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// Terminal reports whether the order has reached a final state.
func (o *Order) Terminal() bool {
	return o.Status == StatusValid || o.Status == StatusInvalid
}

// OwnsAuthzURL reports whether the given upstream authorization URL belongs
// to this order's recorded set.
func (o *Order) OwnsAuthzURL(url string) bool {
	for _, u := range o.AuthzURLs {
		if u == url {
			return true
		}
	}
	return false
}

// Identifier is a domain (or other identifier) named in an order.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Authorization is the proof-of-control state for one identifier of a
// locally served order.
type Authorization struct {
	ID         string       `json:"id" db:"id"`
	OrderID    string       `json:"-" db:"order_id"`
	Identifier Identifier   `json:"identifier" db:"-"`
	Status     string       `json:"status" db:"status"`
	Expires    time.Time    `json:"expires,omitempty" db:"expires_at"`
	Challenges []*Challenge `json:"challenges" db:"-"`
	Wildcard   bool         `json:"wildcard" db:"wildcard"`
	CreatedAt  time.Time    `json:"-" db:"created_at"`
}

// Challenge is one way of satisfying an authorization on the local server.
type Challenge struct {
	ID              string          `json:"id" db:"id"`
	AuthorizationID string          `json:"-" db:"authorization_id"`
	Type            string          `json:"type" db:"type"`
	URL             string          `json:"url" db:"-"`
	Status          string          `json:"status" db:"status"`
	Token           string          `json:"token" db:"token"`
	Validated       time.Time       `json:"validated,omitempty" db:"validated_at"`
	Error           *ProblemDetails `json:"error,omitempty" db:"-"`
	CreatedAt       time.Time       `json:"-" db:"created_at"`
}

// Nonce is a single-use anti-replay token issued by the local ACME server.
type Nonce struct {
	Value     string    `db:"value"`
	ExpiresAt time.Time `db:"expires_at"`
	IssuedAt  time.Time `db:"issued_at"`
}

// CertificateData is a stored issued certificate.
type CertificateData struct {
	SerialNumber   string    `db:"serial_number"`
	CertificatePEM string    `db:"certificate_pem"`
	ChainPEM       string    `db:"chain_pem"`
	IssuedAt       time.Time `db:"issued_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	OrderID        string    `db:"order_id"`
	Revoked        bool      `db:"revoked"`
	RevokedAt      time.Time `db:"revoked_at,omitempty"`
}

// DomainPolicy decides, per domain, which issuing path an order may take.
// Looked up by exact match; an entry covers subdomains beneath it, and
// wildcard requests against it, only when WildcardAllowed is set.
type DomainPolicy struct {
	Domain          string    `json:"domain" db:"domain"`
	Upstream        bool      `json:"upstream" db:"upstream"`
	DirectoryURL    string    `json:"directoryUrl,omitempty" db:"directory_url"`
	IssuerID        string    `json:"issuerId,omitempty" db:"issuer_id"`
	AutoApprove     bool      `json:"autoApprove" db:"auto_approve"`
	WildcardAllowed bool      `json:"wildcardAllowed" db:"wildcard_allowed"`
	AutoRenew       bool      `json:"autoRenew" db:"auto_renew"`
	CreatedAt       time.Time `json:"-" db:"created_at"`
}

// ProviderBinding maps a domain suffix (zone) to a DNS backend and its
// credentials, used to automate dns-01 challenges. Looked up by
// longest-suffix match against the order's domains.
type ProviderBinding struct {
	Suffix      string            `json:"suffix" db:"suffix"`
	Type        string            `json:"type" db:"type"`
	Zone        string            `json:"zone" db:"zone"`
	Credentials map[string]string `json:"-" db:"-"`
	CreatedAt   time.Time         `json:"-" db:"created_at"`
}

// ProblemDetails is an ACME error object (RFC 7807 / RFC 8555 section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}

func (p *ProblemDetails) Error() string {
	if p == nil {
		return ""
	}
	return p.Type + ": " + p.Detail
}
