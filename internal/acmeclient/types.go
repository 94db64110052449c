package acmeclient

import (
	"fmt"
	"time"

	"github.com/acmegate/acmegate/internal/model"
)

// Directory is the ACME directory object (RFC 8555 section 7.1.1).
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	NewAuthz   string `json:"newAuthz,omitempty"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
	Meta       struct {
		TermsOfService          string   `json:"termsOfService,omitempty"`
		Website                 string   `json:"website,omitempty"`
		CAAIdentities           []string `json:"caaIdentities,omitempty"`
		ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
	} `json:"meta,omitempty"`
}

// OrderResponse is an upstream order object. The Location header of the
// creating POST is carried in URL.
type OrderResponse struct {
	URL            string             `json:"-"`
	Status         string             `json:"status"`
	Expires        time.Time          `json:"expires,omitempty"`
	Identifiers    []model.Identifier `json:"identifiers"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize"`
	Certificate    string             `json:"certificate,omitempty"`
	Error          *model.ProblemDetails `json:"error,omitempty"`
}

// AuthorizationResponse is an upstream authorization object.
type AuthorizationResponse struct {
	URL        string              `json:"-"`
	Identifier model.Identifier    `json:"identifier"`
	Status     string              `json:"status"`
	Expires    time.Time           `json:"expires,omitempty"`
	Challenges []ChallengeResponse `json:"challenges"`
	Wildcard   bool                `json:"wildcard,omitempty"`
}

// ChallengeResponse is an upstream challenge object.
type ChallengeResponse struct {
	Type      string                `json:"type"`
	URL       string                `json:"url"`
	Status    string                `json:"status"`
	Token     string                `json:"token"`
	Validated string                `json:"validated,omitempty"`
	Error     *model.ProblemDetails `json:"error,omitempty"`
}

// DNS01Challenge returns the dns-01 challenge, if the authorization offers one.
func (a *AuthorizationResponse) DNS01Challenge() (ChallengeResponse, bool) {
	for _, ch := range a.Challenges {
		if ch.Type == "dns-01" {
			return ch, true
		}
	}
	return ChallengeResponse{}, false
}

// newOrderPayload is the body of a newOrder request.
type newOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
}

// newAccountPayload is the body of a newAccount request.
type newAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
}

// finalizePayload carries the base64url DER CSR to the finalize endpoint.
type finalizePayload struct {
	CSR string `json:"csr"`
}

// ProblemError is a structured upstream error response. The Retry-After
// header, when the CA sent one, is preserved so rate limits can be honored.
type ProblemError struct {
	Problem    model.ProblemDetails
	StatusCode int
	RetryAfter time.Duration
}

func (e *ProblemError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Problem.Error())
}

// IsRateLimited reports whether the problem is an RFC 8555 rateLimited error.
func (e *ProblemError) IsRateLimited() bool {
	return e.Problem.Type == "urn:ietf:params:acme:error:rateLimited"
}

// IsBadNonce reports whether the problem is a badNonce rejection, which
// callers may retry once with a fresh nonce.
func (e *ProblemError) IsBadNonce() bool {
	return e.Problem.Type == "urn:ietf:params:acme:error:badNonce"
}
