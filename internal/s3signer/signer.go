// Package s3signer implements AWS Signature Version 4 for single-object
// PUTs. The archive sink is the only S3 surface of the service, so the
// signer is deliberately SDK-free: one canonical request, one signed
// header set, no chunked uploads.
package s3signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const service = "s3"

// Sink describes the destination bucket. Either Endpoint is set (any
// S3-compatible store, path-style) or Region+Bucket address AWS proper
// via the virtual-host form <bucket>.s3.<region>.amazonaws.com.
type Sink struct {
	Region          string
	Bucket          string
	Endpoint        string // e.g. https://minio.internal:9000
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool

	// SSE is "", "AES256" or "aws:kms"; KMSKeyID applies to aws:kms.
	SSE      string
	KMSKeyID string

	TimeoutMs int
}

// PutResult is the outcome of a PUT. OK mirrors a 2xx status.
type PutResult struct {
	OK         bool
	StatusCode int
	BodyText   string
}

// Client signs and executes PUTs against one sink.
type Client struct {
	sink Sink
	http *http.Client
}

// New returns a client for the sink. Default timeout is 30s.
func New(sink Sink) *Client {
	timeout := time.Duration(sink.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{sink: sink, http: &http.Client{Timeout: timeout}}
}

// Put uploads body to key. Non-2xx statuses are returned in the result,
// not as an error; errors are transport-level only.
func (c *Client) Put(key string, body []byte, contentType string) (*PutResult, error) {
	req, err := c.BuildPut(key, body, contentType, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	return &PutResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		BodyText:   string(text),
	}, nil
}

// BuildPut constructs the signed request for the given instant. Split
// from Put so the canonicalization is testable against fixed times.
func (c *Client) BuildPut(key string, body []byte, contentType string, now time.Time) (*http.Request, error) {
	host, scheme, basePath := c.endpoint()
	path := basePath + "/" + strings.TrimPrefix(key, "/")

	payloadHash := sha256.Sum256(body)
	payloadHex := hex.EncodeToString(payloadHash[:])
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	u := &url.URL{Scheme: scheme, Host: host, Path: path, RawPath: canonicalURI(path)}
	req, err := http.NewRequest(http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Host", host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHex)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.sink.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", c.sink.SessionToken)
	}
	switch c.sink.SSE {
	case "AES256":
		req.Header.Set("X-Amz-Server-Side-Encryption", "AES256")
	case "aws:kms":
		req.Header.Set("X-Amz-Server-Side-Encryption", "aws:kms")
		if c.sink.KMSKeyID != "" {
			req.Header.Set("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id", c.sink.KMSKeyID)
		}
	}

	canonHeaders, signedHeaders := canonicalHeaders(req)
	canonical := strings.Join([]string{
		http.MethodPut,
		canonicalURI(path),
		"", // no query string on a plain PUT
		canonHeaders,
		signedHeaders,
		payloadHex,
	}, "\n")

	scope := strings.Join([]string{dateStamp, c.sink.Region, service, "aws4_request"}, "/")
	canonicalSum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(canonicalSum[:]),
	}, "\n")

	key4 := signingKey(c.sink.SecretAccessKey, dateStamp, c.sink.Region)
	signature := hex.EncodeToString(hmacSHA256(key4, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.sink.AccessKeyID, scope, signedHeaders, signature))
	return req, nil
}

// endpoint resolves (host, scheme, basePath) for the sink.
func (c *Client) endpoint() (host, scheme, basePath string) {
	if c.sink.Endpoint != "" {
		u, err := url.Parse(c.sink.Endpoint)
		if err == nil && u.Host != "" {
			scheme = u.Scheme
			if scheme == "" {
				scheme = "https"
			}
			return u.Host, scheme, "/" + c.sink.Bucket
		}
		return c.sink.Endpoint, "https", "/" + c.sink.Bucket
	}
	if c.sink.PathStyle {
		return fmt.Sprintf("s3.%s.amazonaws.com", c.sink.Region), "https", "/" + c.sink.Bucket
	}
	return fmt.Sprintf("%s.s3.%s.amazonaws.com", c.sink.Bucket, c.sink.Region), "https", ""
}

// canonicalURI percent-encodes each path segment per RFC 3986 unreserved
// characters, preserving the "/" separators.
func canonicalURI(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

func uriEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// canonicalHeaders lowercases names, collapses value whitespace and
// sorts; returns the canonical block and the signed-header list.
func canonicalHeaders(req *http.Request) (string, string) {
	names := []string{"host"}
	values := map[string]string{"host": req.Header.Get("Host")}
	for name := range req.Header {
		lower := strings.ToLower(name)
		if lower == "host" || lower == "authorization" {
			continue
		}
		names = append(names, lower)
		values[lower] = strings.Join(strings.Fields(req.Header.Get(name)), " ")
	}
	sort.Strings(names)

	var block strings.Builder
	for _, n := range names {
		block.WriteString(n)
		block.WriteString(":")
		block.WriteString(values[n])
		block.WriteString("\n")
	}
	return block.String(), strings.Join(names, ";")
}

// signingKey derives HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region),
// "s3"), "aws4_request").
func signingKey(secret, dateStamp, region string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
