package ports_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Amund211/conduit/internal/ports"
	"github.com/stretchr/testify/require"
)

const PROD_DOMAIN_SUFFIX = "conduit.dev"
const STAGING_DOMAIN_SUFFIX = "conduit-dashboard.pages.dev"

type originRule struct {
	origin  string
	allowed bool
}

func TestNewDomainSuffixes(t *testing.T) {
	t.Parallel()

	_, err := ports.NewDomainSuffixes(".conduit.dev")
	require.Error(t, err)

	_, err = ports.NewDomainSuffixes("https://conduit.dev")
	require.Error(t, err)

	_, err = ports.NewDomainSuffixes(PROD_DOMAIN_SUFFIX, STAGING_DOMAIN_SUFFIX)
	require.NoError(t, err)
}

func TestCORS(t *testing.T) {
	t.Parallel()
	allowedOrigins, err := ports.NewDomainSuffixes(
		PROD_DOMAIN_SUFFIX,
		STAGING_DOMAIN_SUFFIX,
	)
	require.NoError(t, err)

	cases := []originRule{
		// Prod
		{origin: "https://conduit.dev", allowed: true},
		{origin: "https://www.conduit.dev", allowed: true},
		{origin: "https://dashboard.conduit.dev", allowed: true},
		// Staging
		{origin: "https://3f2a9c1d.conduit-dashboard.pages.dev", allowed: true},
		{origin: "https://conduit-dashboard.pages.dev", allowed: true},
		// Other pages
		{origin: "conduit.dev", allowed: false},
		{origin: "http://conduit.dev", allowed: false},
		{origin: "https://example.com", allowed: false},
		{origin: "https://www.example.com", allowed: false},
		// Similar-looking domains
		{origin: "https://myconduit.dev", allowed: false},
		{origin: "https://www.myconduit.dev", allowed: false},
		{origin: "https://conduit.dev.example.com", allowed: false},
		{origin: "https://superconduit-dashboard.pages.dev", allowed: false},
		{origin: "https://x.otherconduit-dashboard.pages.dev", allowed: false},
		// Weird cases
		{origin: "", allowed: false},
		{origin: "conduit", allowed: false},
		{origin: "pages.dev", allowed: false},
	}

	runCORSTest := func(t *testing.T, handler http.HandlerFunc, method string, c originRule, handlerStatusCode int, handlerBody []byte) {
		req := httptest.NewRequest(method, "https://api.conduit.dev/v1/events", nil)
		req.Header.Set("Origin", c.origin)
		w := httptest.NewRecorder()

		handler(w, req)

		resp := w.Result()

		require.Equal(t, "Origin", resp.Header.Get("Vary"))

		// The handler runs for everything except allowed preflight requests
		if method != http.MethodOptions || !c.allowed {
			require.Equal(t, handlerStatusCode, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, handlerBody, body)
		}

		if c.allowed {
			require.Equal(t, c.origin, resp.Header.Get("Access-Control-Allow-Origin"))

			if method == http.MethodOptions {
				require.Equal(t, http.StatusNoContent, resp.StatusCode)
				require.Equal(t, "GET,POST", resp.Header.Get("Access-Control-Allow-Methods"))
				require.Equal(t, "Content-Type, X-User-Id, X-Request-Id", resp.Header.Get("Access-Control-Allow-Headers"))
				require.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))
			} else {
				require.Empty(t, resp.Header.Get("Access-Control-Allow-Methods"))
				require.Empty(t, resp.Header.Get("Access-Control-Allow-Headers"))
			}
		} else {
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Methods"))
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Headers"))
		}
	}

	t.Run("BuildCORSMiddleware", func(t *testing.T) {
		middleware := ports.BuildCORSMiddleware(allowedOrigins)

		handler := middleware(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("Hello, world!"))
			},
		)

		for _, c := range cases {
			t.Run(fmt.Sprintf("Origin:'%s'", c.origin), func(t *testing.T) {
				t.Parallel()
				for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
					t.Run(method, func(t *testing.T) {
						t.Parallel()

						runCORSTest(t, handler, method, c, http.StatusOK, []byte("Hello, world!"))
					})
				}
			})
		}
	})

	t.Run("BuildCORSHandler", func(t *testing.T) {
		handler := ports.BuildCORSHandler(allowedOrigins)

		for _, c := range cases {
			t.Run(fmt.Sprintf("Origin:'%s'", c.origin), func(t *testing.T) {
				t.Parallel()
				for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
					t.Run(method, func(t *testing.T) {
						t.Parallel()

						runCORSTest(t, handler, method, c, http.StatusNoContent, []byte{})
					})
				}
			})
		}
	})
}
