package s3signer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink() Sink {
	return Sink{
		Region:          "us-east-1",
		Bucket:          "settld-archive",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 24, 18, 30, 0, 0, time.UTC)
}

func TestBuildPutHeaders(t *testing.T) {
	c := New(testSink())
	body := []byte("archive bytes")

	req, err := c.BuildPut("acme/ml_tok/close-pack.json", body, "application/json", fixedNow())
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "settld-archive.s3.us-east-1.amazonaws.com", req.URL.Host)
	assert.Equal(t, "/acme/ml_tok/close-pack.json", req.URL.Path)
	assert.Equal(t, "20260824T183000Z", req.Header.Get("X-Amz-Date"))

	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), req.Header.Get("X-Amz-Content-Sha256"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Empty(t, req.Header.Get("X-Amz-Security-Token"))

	auth := req.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260824/us-east-1/s3/aws4_request, "))
	assert.Contains(t, auth, "SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date, ")
	require.Contains(t, auth, "Signature=")
	sig := auth[strings.Index(auth, "Signature=")+len("Signature="):]
	assert.Len(t, sig, 64)
	_, err = hex.DecodeString(sig)
	assert.NoError(t, err)
}

func TestBuildPutIsDeterministic(t *testing.T) {
	c := New(testSink())
	a, err := c.BuildPut("k", []byte("x"), "", fixedNow())
	require.NoError(t, err)
	b, err := c.BuildPut("k", []byte("x"), "", fixedNow())
	require.NoError(t, err)
	assert.Equal(t, a.Header.Get("Authorization"), b.Header.Get("Authorization"))

	// Any input change moves the signature.
	diff, err := c.BuildPut("k", []byte("y"), "", fixedNow())
	require.NoError(t, err)
	assert.NotEqual(t, a.Header.Get("Authorization"), diff.Header.Get("Authorization"))

	later, err := c.BuildPut("k", []byte("x"), "", fixedNow().Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, a.Header.Get("Authorization"), later.Header.Get("Authorization"))
}

func TestBuildPutSessionTokenAndSSE(t *testing.T) {
	sink := testSink()
	sink.SessionToken = "FwoGZXIvYXdzEXAMPLE"
	sink.SSE = "aws:kms"
	sink.KMSKeyID = "arn:aws:kms:us-east-1:111122223333:key/abc"
	c := New(sink)

	req, err := c.BuildPut("k", []byte("x"), "", fixedNow())
	require.NoError(t, err)
	assert.Equal(t, "FwoGZXIvYXdzEXAMPLE", req.Header.Get("X-Amz-Security-Token"))
	assert.Equal(t, "aws:kms", req.Header.Get("X-Amz-Server-Side-Encryption"))
	assert.Equal(t, sink.KMSKeyID, req.Header.Get("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"))
	assert.Contains(t, req.Header.Get("Authorization"), "x-amz-security-token")
	assert.Contains(t, req.Header.Get("Authorization"), "x-amz-server-side-encryption")

	sink.SSE = "AES256"
	req, err = New(sink).BuildPut("k", []byte("x"), "", fixedNow())
	require.NoError(t, err)
	assert.Equal(t, "AES256", req.Header.Get("X-Amz-Server-Side-Encryption"))
	assert.Empty(t, req.Header.Get("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"))
}

func TestEndpointForms(t *testing.T) {
	sink := testSink()
	host, scheme, basePath := New(sink).endpoint()
	assert.Equal(t, "settld-archive.s3.us-east-1.amazonaws.com", host)
	assert.Equal(t, "https", scheme)
	assert.Empty(t, basePath)

	sink.PathStyle = true
	host, _, basePath = New(sink).endpoint()
	assert.Equal(t, "s3.us-east-1.amazonaws.com", host)
	assert.Equal(t, "/settld-archive", basePath)

	sink.Endpoint = "http://minio.internal:9000"
	host, scheme, basePath = New(sink).endpoint()
	assert.Equal(t, "minio.internal:9000", host)
	assert.Equal(t, "http", scheme)
	assert.Equal(t, "/settld-archive", basePath)
}

func TestCanonicalURI(t *testing.T) {
	assert.Equal(t, "/bucket/plain-key.json", canonicalURI("/bucket/plain-key.json"))
	assert.Equal(t, "/b/a%20b/c%2Bd", canonicalURI("/b/a b/c+d"))
	assert.Equal(t, "/b/caf%C3%A9", canonicalURI("/b/café"))
	assert.Equal(t, "/b/ok-._~", canonicalURI("/b/ok-._~"))
	// Separators survive encoding.
	assert.Equal(t, 3, strings.Count(canonicalURI("/a/b/c"), "/"))
}

func TestSigningKeyChain(t *testing.T) {
	a := signingKey("secret", "20260824", "us-east-1")
	assert.Equal(t, a, signingKey("secret", "20260824", "us-east-1"))
	assert.NotEqual(t, a, signingKey("secret", "20260825", "us-east-1"))
	assert.NotEqual(t, a, signingKey("secret", "20260824", "eu-west-1"))
	assert.NotEqual(t, a, signingKey("other", "20260824", "us-east-1"))
	assert.Len(t, a, sha256.Size)
}

func TestPutAgainstEndpoint(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	sink := testSink()
	sink.Endpoint = srv.URL
	res, err := New(sink).Put("acme/run.json", []byte(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/settld-archive/acme/run.json", gotPath)
	assert.Contains(t, gotAuth, "AWS4-HMAC-SHA256")
	assert.Equal(t, `{"ok":true}`, string(gotBody))
}

func TestPutNon2xxResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<Error><Code>AccessDenied</Code></Error>"))
	}))
	defer srv.Close()

	sink := testSink()
	sink.Endpoint = srv.URL
	res, err := New(sink).Put("k", []byte("x"), "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, res.BodyText, "AccessDenied")
}
