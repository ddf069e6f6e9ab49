package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"pail/internal/api"
	"pail/internal/blob"
	"pail/internal/cache"
	"pail/internal/engine"
	"pail/internal/metadata"
)

// newTestServer builds the full stack on a temporary filesystem and SQLite
// database and serves it over httptest.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dataDir := t.TempDir()

	meta, err := metadata.Open(context.Background(), filepath.Join(dataDir, "metadata.sqlite"))
	require.NoError(t, err, "opening metadata store")
	t.Cleanup(func() { meta.Close() })

	metaCache, err := cache.New(32)
	require.NoError(t, err, "creating cache")

	registry := prometheus.NewRegistry()
	eng := engine.New(meta, blob.NewStore(filepath.Join(dataDir, "objects")), metaCache, engine.NewMetrics(registry))

	httpSrv := httptest.NewServer(api.New(eng, registry).Handler())
	t.Cleanup(httpSrv.Close)

	return httpSrv
}

func doRequest(t *testing.T, client *http.Client, method, url string, body io.Reader) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err, "creating request")

	resp, err := client.Do(req)
	require.NoError(t, err, "performing request")
	return resp
}

func TestObjectLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	// Create the bucket.
	resp := doRequest(t, client, http.MethodPut, srv.URL+"/buckets/docs", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create bucket status")

	resp = doRequest(t, client, http.MethodHead, srv.URL+"/buckets/docs", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "head bucket status")

	// Upload without a Content-Type header; the server resolves one.
	resp = doRequest(t, client, http.MethodPut, srv.URL+"/objects/docs/a/b.txt", strings.NewReader("hello"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "put object status")
	require.Equal(t, `"5d41402abc4b2a76b9719d911017c592"`, resp.Header.Get("ETag"), "ETag header")

	// Download and verify payload plus response metadata.
	resp = doRequest(t, client, http.MethodGet, srv.URL+"/objects/docs/a/b.txt", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "get object status")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "content type")
	require.Equal(t, "5", resp.Header.Get("Content-Length"), "content length")
	require.Equal(t, `"5d41402abc4b2a76b9719d911017c592"`, resp.Header.Get("ETag"), "ETag header")
	require.NotEmpty(t, resp.Header.Get("Last-Modified"), "Last-Modified header")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading body")
	require.Equal(t, "hello", string(body), "payload")

	// Delete, then both a get and a second delete report not-found.
	resp = doRequest(t, client, http.MethodDelete, srv.URL+"/objects/docs/a/b.txt", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "delete object status")

	resp = doRequest(t, client, http.MethodGet, srv.URL+"/objects/docs/a/b.txt", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "get after delete status")

	resp = doRequest(t, client, http.MethodDelete, srv.URL+"/objects/docs/a/b.txt", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "second delete status")
}

func TestCreateBucketConflict(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	resp := doRequest(t, client, http.MethodPut, srv.URL+"/buckets/dup", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "first create status")

	resp = doRequest(t, client, http.MethodPut, srv.URL+"/buckets/dup", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode, "duplicate create status")

	var errBody struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody), "decoding error body")
	require.Contains(t, errBody.Detail, "dup", "error detail should name the bucket")
}

func TestHeadMissingBucket(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp := doRequest(t, srv.Client(), http.MethodHead, srv.URL+"/buckets/ghost", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "head missing bucket status")
}

func TestListBuckets(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	for _, b := range []string{"bucket1", "bucket2"} {
		resp := doRequest(t, client, http.MethodPut, srv.URL+"/buckets/"+b, nil)
		resp.Body.Close()
		require.Equalf(t, http.StatusCreated, resp.StatusCode, "create bucket %s status", b)
	}

	resp := doRequest(t, client, http.MethodGet, srv.URL+"/buckets/", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "list buckets status")

	var listResp struct {
		Buckets []struct {
			Name      string    `json:"name"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"buckets"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listResp), "decoding bucket list")

	found := map[string]bool{}
	for _, b := range listResp.Buckets {
		found[b.Name] = true
		require.False(t, b.CreatedAt.IsZero(), "created_at should be set")
	}
	for _, want := range []string{"bucket1", "bucket2"} {
		require.Truef(t, found[want], "expected bucket %q in listing", want)
	}
}

func TestDeleteBucket(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	resp := doRequest(t, client, http.MethodPut, srv.URL+"/buckets/short-lived", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create bucket status")

	resp = doRequest(t, client, http.MethodPut, srv.URL+"/objects/short-lived/x.txt", strings.NewReader("x"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "put object status")

	resp = doRequest(t, client, http.MethodDelete, srv.URL+"/buckets/short-lived", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "delete bucket status")

	resp = doRequest(t, client, http.MethodHead, srv.URL+"/buckets/short-lived", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "head deleted bucket status")

	resp = doRequest(t, client, http.MethodGet, srv.URL+"/objects/short-lived/x.txt", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "get object in deleted bucket status")

	resp = doRequest(t, client, http.MethodDelete, srv.URL+"/buckets/short-lived", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "second delete bucket status")
}

func TestPutObjectMissingBucket(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp := doRequest(t, srv.Client(), http.MethodPut, srv.URL+"/objects/ghost/key.txt", strings.NewReader("x"))
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "put into missing bucket status")
}

func TestPutObjectHonorsContentTypeHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	resp := doRequest(t, client, http.MethodPut, srv.URL+"/buckets/docs", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create bucket status")

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/objects/docs/data", strings.NewReader(`{"k":"v"}`))
	require.NoError(t, err, "creating request")
	req.Header.Set("Content-Type", "application/json")

	resp, err = client.Do(req)
	require.NoError(t, err, "performing request")
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "put object status")

	resp = doRequest(t, client, http.MethodGet, srv.URL+"/objects/docs/data", nil)
	resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"), "content type should echo the upload header")
}

func TestStatusAndHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	resp := doRequest(t, client, http.MethodGet, srv.URL+"/", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "status endpoint")

	var status struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status), "decoding status body")
	require.NotEmpty(t, status.Message, "status message")

	resp = doRequest(t, client, http.MethodGet, srv.URL+"/livez", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "livez endpoint")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	client := srv.Client()

	// Generate some traffic first so counters exist.
	resp := doRequest(t, client, http.MethodPut, srv.URL+"/buckets/metrics-test", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create bucket status")

	resp = doRequest(t, client, http.MethodGet, srv.URL+"/metrics", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "metrics endpoint")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading metrics body")
	require.Contains(t, string(body), "pail_http_requests_total", "HTTP request counter should be exported")
}
