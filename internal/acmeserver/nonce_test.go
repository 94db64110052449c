package acmeserver_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/testutils"
)

func TestHandleNewNonce_Success(t *testing.T) {
	serverInstance, _, _ := testutils.SetupTestServer(t)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	nonceURL := testServer.URL + "/acme/new-nonce"
	expectedDirURL := testutils.TestExternalURL + "/acme/directory"
	expectedLink := fmt.Sprintf("<%s>;rel=\"index\"", expectedDirURL)
	client := testServer.Client()

	var firstNonce string

	t.Run("HEAD request", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodHead, nonceURL, nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode, "HEAD: Expected 204 No Content")
		firstNonce = resp.Header.Get("Replay-Nonce")
		assert.NotEmpty(t, firstNonce, "HEAD: Replay-Nonce header should not be empty")
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"), "HEAD: Expected Cache-Control: no-store")
		assert.Equal(t, expectedLink, resp.Header.Get("Link"), "HEAD: Expected correct Link header")

		bodyBytes, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, bodyBytes, "HEAD: Body should be empty")
	})

	t.Run("GET request", func(t *testing.T) {
		resp, err := client.Get(nonceURL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET: Expected 200 OK")
		secondNonce := resp.Header.Get("Replay-Nonce")
		assert.NotEmpty(t, secondNonce, "GET: Replay-Nonce header should not be empty")
		assert.NotEqual(t, firstNonce, secondNonce, "GET: Nonce should be different from HEAD request")
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"), "GET: Expected Cache-Control: no-store")
		assert.Equal(t, expectedLink, resp.Header.Get("Link"), "GET: Expected correct Link header")
	})
}
