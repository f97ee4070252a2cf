// Package sigv4 signs S3-compatible object store requests with the
// AWS Signature Version 4 scheme. Only the header-based variant with the
// host, x-amz-content-sha256 and x-amz-date headers is supported.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm     = "AWS4-HMAC-SHA256"
	SignedHeaders = "host;x-amz-content-sha256;x-amz-date"

	HeaderDate        = "X-Amz-Date"
	HeaderContentHash = "X-Amz-Content-Sha256"

	timeFormat  = "20060102T150405Z"
	shortFormat = "20060102"
)

// EmptyPayloadHash is the SHA-256 of an empty body
const EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// SigningError is returned when a request cannot be signed
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sigv4: %s: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Credentials identify the signing principal
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Signer produces SigV4 headers. A Signer is safe for concurrent use;
// every call computes a fresh timestamp and signature.
type Signer struct {
	Credentials Credentials
	Region      string
	Service     string
	Now         func() time.Time
}

// New returns a Signer for the s3 service
func New(creds Credentials, region string) *Signer {
	return &Signer{Credentials: creds, Region: region, Service: "s3", Now: time.Now}
}

// Signature is the result of signing one request
type Signature struct {
	Date             string // x-amz-date value
	PayloadHash      string
	CanonicalRequest string
	StringToSign     string
	Signature        string
	Authorization    string
}

// Header returns the headers that must accompany the request
func (s Signature) Header() http.Header {
	h := make(http.Header)
	h.Set("Authorization", s.Authorization)
	h.Set(HeaderDate, s.Date)
	h.Set(HeaderContentHash, s.PayloadHash)
	return h
}

// Sign computes the signature for a request. path is the unescaped object
// path starting with "/". payload may be nil for bodyless requests.
func (s *Signer) Sign(method, host, path string, query url.Values, payload []byte) (Signature, error) {
	if s.Credentials.AccessKeyID == "" || s.Credentials.SecretAccessKey == "" {
		return Signature{}, &SigningError{Op: "credentials", Err: fmt.Errorf("access key and secret are required")}
	}
	if s.Region == "" {
		return Signature{}, &SigningError{Op: "scope", Err: fmt.Errorf("region is required")}
	}
	if host == "" {
		return Signature{}, &SigningError{Op: "canonical request", Err: fmt.Errorf("host is required")}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now().UTC()
	amzDate := t.Format(timeFormat)
	date := t.Format(shortFormat)

	service := s.Service
	if service == "" {
		service = "s3"
	}

	payloadHash := EmptyPayloadHash
	if len(payload) > 0 {
		h, err := hashHex(payload)
		if err != nil {
			return Signature{}, &SigningError{Op: "payload hash", Err: err}
		}
		payloadHash = h
	}

	canonical := strings.Join([]string{
		method,
		CanonicalURI(path),
		CanonicalQuery(query),
		"host:" + host + "\n" +
			"x-amz-content-sha256:" + payloadHash + "\n" +
			"x-amz-date:" + amzDate + "\n",
		SignedHeaders,
		payloadHash,
	}, "\n")

	canonicalHash, err := hashHex([]byte(canonical))
	if err != nil {
		return Signature{}, &SigningError{Op: "canonical request hash", Err: err}
	}

	scope := date + "/" + s.Region + "/" + service + "/aws4_request"
	stringToSign := strings.Join([]string{Algorithm, amzDate, scope, canonicalHash}, "\n")

	key, err := SigningKey(s.Credentials.SecretAccessKey, date, s.Region, service)
	if err != nil {
		return Signature{}, &SigningError{Op: "signing key", Err: err}
	}
	sig, err := hmacSHA256(key, []byte(stringToSign))
	if err != nil {
		return Signature{}, &SigningError{Op: "signature", Err: err}
	}
	signature := hex.EncodeToString(sig)

	return Signature{
		Date:             amzDate,
		PayloadHash:      payloadHash,
		CanonicalRequest: canonical,
		StringToSign:     stringToSign,
		Signature:        signature,
		Authorization: fmt.Sprintf("%s Credential=%s/%s,SignedHeaders=%s,Signature=%s",
			Algorithm, s.Credentials.AccessKeyID, scope, SignedHeaders, signature),
	}, nil
}

// SignRequest signs req in place. The body must be passed separately since
// it has usually been consumed into a reader already.
func (s *Signer) SignRequest(req *http.Request, payload []byte) error {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	sig, err := s.Sign(req.Method, host, req.URL.Path, req.URL.Query(), payload)
	if err != nil {
		return err
	}
	for k, v := range sig.Header() {
		req.Header[k] = v
	}
	return nil
}

// SigningKey derives the key via the HMAC chain
// "AWS4"+secret -> date -> region -> service -> "aws4_request".
func SigningKey(secret, date, region, service string) ([]byte, error) {
	key := []byte("AWS4" + secret)
	for _, part := range []string{date, region, service, "aws4_request"} {
		next, err := hmacSHA256(key, []byte(part))
		if err != nil {
			return nil, err
		}
		key = next
	}
	return key, nil
}

// CanonicalURI escapes every path segment and keeps the separators
func CanonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

// CanonicalQuery encodes and sorts the query parameters by key, then value.
// Parameters without a value keep their trailing "=".
func CanonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(query))
	for k, vs := range query {
		ek := uriEncode(k)
		if len(vs) == 0 {
			pairs = append(pairs, pair{ek, ""})
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{ek, uriEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// uriEncode percent-encodes everything except the RFC 3986 unreserved set
func uriEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func hashHex(b []byte) (string, error) {
	h := sha256.New()
	if _, err := h.Write(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hmacSHA256(key, data []byte) ([]byte, error) {
	m := hmac.New(sha256.New, key)
	if _, err := m.Write(data); err != nil {
		return nil, err
	}
	return m.Sum(nil), nil
}
