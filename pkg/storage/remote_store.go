package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/selfenc/pkg/cache"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

// RemoteStore keeps chunks in an S3-compatible bucket, one object per
// address, with a bounded in-memory read cache.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	signer  Signer
	cache   *cache.Cache[xorname.XorName, []byte]
}

// RemoteConfig describes the bucket a RemoteStore talks to.
type RemoteConfig struct {
	Endpoint string
	Bucket   string
	// Prefix is prepended to every object key.
	Prefix string
	Client *http.Client
	// CacheEntries bounds the read cache. Negative disables it; zero means 512.
	CacheEntries int
	CacheBytes   int64
	CacheTTL     time.Duration
}

// Signer signs HTTP requests for the remote provider.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with a signer.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "RemoteStore", "endpoint and bucket required")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "RemoteStore", "bucket")
	}
	base := strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket
	if prefix := strings.Trim(cfg.Prefix, "/"); prefix != "" {
		base += "/" + prefix
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	if signer == nil {
		signer = unsigned{}
	}
	store := &RemoteStore{client: client, baseURL: base, signer: signer}
	if cfg.CacheEntries == 0 {
		cfg.CacheEntries = 512
	}
	if cfg.CacheEntries > 0 {
		store.cache = cache.New[xorname.XorName, []byte](cache.Options[[]byte]{
			Capacity: cfg.CacheEntries,
			MaxBytes: cfg.CacheBytes,
			TTL:      cfg.CacheTTL,
			Cost:     func(b []byte) int64 { return int64(len(b)) },
		})
	}
	return store, nil
}

// Put uploads a chunk unless an object already exists at its address.
func (r *RemoteStore) Put(ctx context.Context, addr xorname.XorName, data []byte) error {
	const op = "RemoteStore.Put"
	exists, err := r.Exists(ctx, addr)
	if err != nil {
		return writeFailed(op, addr, err)
	}
	if exists {
		return nil
	}
	md5Sum := md5.Sum(data)
	digest := sha256.Sum256(data)
	payloadHash := hex.EncodeToString(digest[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(addr), bytes.NewReader(data))
	if err != nil {
		return writeFailed(op, addr, err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	resp, err := r.do(req, payloadHash)
	if err != nil {
		return writeFailed(op, addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return writeFailed(op, addr, statusError("put", resp))
	}
	r.cachePut(addr, data)
	return nil
}

// Get downloads a chunk, serving repeated reads from the cache.
func (r *RemoteStore) Get(ctx context.Context, addr xorname.XorName) ([]byte, error) {
	const op = "RemoteStore.Get"
	if data, ok := r.cacheGet(addr); ok {
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(addr), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, addr.String(), err)
	}
	resp, err := r.do(req, emptyPayloadHash)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, addr.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound(op, addr, nil)
	}
	if resp.StatusCode >= 300 {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, addr.String(), statusError("get", resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, addr.String(), err)
	}
	r.cachePut(addr, data)
	return data, nil
}

// GetBatch fetches addrs concurrently.
func (r *RemoteStore) GetBatch(ctx context.Context, addrs []xorname.XorName) ([][]byte, error) {
	return GetBatchFrom(ctx, r, addrs, DefaultBatchConcurrency)
}

// Exists issues a HEAD for addr.
func (r *RemoteStore) Exists(ctx context.Context, addr xorname.XorName) (bool, error) {
	if _, ok := r.cacheGet(addr); ok {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.objectURL(addr), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.do(req, emptyPayloadHash)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("remote head %s", resp.Status)
	}
}

// CacheStats reports the read cache counters.
func (r *RemoteStore) CacheStats() cache.Stats {
	if r.cache == nil {
		return cache.Stats{}
	}
	return r.cache.Stats()
}

func (r *RemoteStore) do(req *http.Request, payloadHash string) (*http.Response, error) {
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", req.URL.Host)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

func (r *RemoteStore) objectURL(addr xorname.XorName) string {
	return r.baseURL + "/" + addr.String()
}

func (r *RemoteStore) cacheGet(addr xorname.XorName) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	if data, ok := r.cache.Get(addr); ok {
		return append([]byte(nil), data...), true
	}
	return nil, false
}

func (r *RemoteStore) cachePut(addr xorname.XorName, data []byte) {
	if r.cache == nil || len(data) == 0 {
		return
	}
	r.cache.Set(addr, append([]byte(nil), data...))
}

func statusError(method string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("remote %s %s: %s", method, resp.Status, strings.TrimSpace(string(body)))
}

var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

type unsigned struct{}

func (unsigned) Sign(*http.Request, string) error { return nil }

// APIKeySigner authenticates against a chunk server with a shared key.
type APIKeySigner struct {
	Key string
}

func (a APIKeySigner) Sign(req *http.Request, _ string) error {
	if a.Key != "" {
		req.Header.Set("X-API-Key", a.Key)
	}
	return nil
}

// S3Config describes the parameters for AWS S3-compatible stores.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore with AWS SigV4 signing.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "NewS3Store", "access key, secret key and region required")
	}
	return NewRemoteStore(cfg.RemoteConfig, &S3Signer{
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		Token:     cfg.SessionToken,
	})
}

// S3Signer implements AWS Signature Version 4 for the s3 service.
type S3Signer struct {
	AccessKey string
	SecretKey string
	Region    string
	Token     string
	Now       func() time.Time
}

func (s *S3Signer) Sign(req *http.Request, payloadHash string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	if s.Token != "" {
		req.Header.Set("x-amz-security-token", s.Token)
	}
	if payloadHash == "" {
		payloadHash = emptyPayloadHash
	}
	headers, signed := sigv4Headers(req.Header)
	canonicalRequest := strings.Join([]string{
		req.Method,
		sigv4URI(req.URL),
		sigv4Query(req.URL),
		headers,
		signed,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.Region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	key := hmacSHA256([]byte("AWS4"+s.SecretKey), dateStamp)
	for _, part := range []string{s.Region, "s3", "aws4_request"} {
		key = hmacSHA256(key, part)
	}
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.AccessKey, scope, signed, signature))
	return nil
}

func sigv4URI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func sigv4Query(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// sigv4Headers returns the canonical header block and the signed header list.
func sigv4Headers(h http.Header) (string, string) {
	lower := make(map[string][]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		lower[lk] = append(lower[lk], v...)
	}
	keys := make([]string, 0, len(lower))
	for k := range lower {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := lower[k]
		sort.Strings(vs)
		fmt.Fprintf(&b, "%s:%s\n", k, strings.TrimSpace(strings.Join(vs, ",")))
	}
	return b.String(), strings.Join(keys, ";")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
