package acmeserver_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/testutils"
)

func TestHandleDirectory_Success(t *testing.T) {
	serverInstance, _, _ := testutils.SetupTestServer(t)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	expectedBaseURL := testutils.TestExternalURL + "/acme"
	expectedIndexURL := expectedBaseURL + "/directory"

	resp, err := testServer.Client().Get(testServer.URL + "/acme/directory")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode, "Expected status OK")
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json", "Expected application/json content type")
	expectedLink := fmt.Sprintf("<%s>;rel=\"index\"", expectedIndexURL)
	assert.Equal(t, expectedLink, resp.Header.Get("Link"), "Expected correct Link header")

	dir := decodeJSON(t, resp)
	assert.Equal(t, expectedBaseURL+"/new-nonce", dir["newNonce"])
	assert.Equal(t, expectedBaseURL+"/new-account", dir["newAccount"])
	assert.Equal(t, expectedBaseURL+"/new-order", dir["newOrder"])
	require.NotNil(t, dir["meta"], "Meta field should not be nil")
}
