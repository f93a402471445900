// Package fetcher downloads feed documents over HTTP.
package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/http/httpproxy"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultMaxSize   = 2 << 20
	DefaultUserAgent = "rss_relay/1.0"
	maxRedirects     = 5
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProxyPolicy selects how feed requests reach the network.
type ProxyPolicy int

const (
	// ProxyEnvironment honours HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
	ProxyEnvironment ProxyPolicy = iota
	// ProxyDirect always connects directly.
	ProxyDirect
)

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	MaxSize   int64
	UserAgent string
}

// Conditional carries validators from the previous successful fetch.
type Conditional struct {
	ETag         string
	LastModified string
}

// Response is a successful fetch.
type Response struct {
	Body         []byte
	ETag         string
	LastModified string
	// NotModified is set when the server answered 304; Body is empty.
	NotModified bool
}

// Fetcher downloads feed documents.
type Fetcher struct {
	client HTTPClient
	opts   Options
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Fetcher{client: client, opts: opts}
}

// NewHTTPClient builds the client used for feed requests.
func NewHTTPClient(policy ProxyPolicy) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = ProxyFunc(policy)
	return &http.Client{
		Transport:     tr,
		CheckRedirect: checkRedirect,
	}
}

// ProxyFunc returns the transport proxy function for policy.
func ProxyFunc(policy ProxyPolicy) func(*http.Request) (*url.URL, error) {
	if policy == ProxyDirect {
		return nil
	}
	fn := httpproxy.FromEnvironment().ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return fn(req.URL)
	}
}

func checkRedirect(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}

// Fetch downloads the document at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cond Conditional) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return &Response{
			NotModified:  true,
			ETag:         firstNonEmpty(resp.Header.Get("ETag"), cond.ETag),
			LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), cond.LastModified),
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			Kind:       KindHTTP,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if resp.ContentLength > f.opts.MaxSize {
		return nil, f.tooLarge(rawURL, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxSize+1))
	if err != nil {
		return nil, classify(ctx, rawURL, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.opts.MaxSize {
		return nil, f.tooLarge(rawURL, -1)
	}

	return &Response{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func (f *Fetcher) tooLarge(rawURL string, declared int64) error {
	limit := humanize.Bytes(uint64(f.opts.MaxSize)) //nolint:gosec // MaxSize is positive
	var err error
	if declared > 0 {
		err = fmt.Errorf("declared size %s exceeds limit %s", humanize.Bytes(uint64(declared)), limit)
	} else {
		err = fmt.Errorf("body exceeds limit %s", limit)
	}
	return &FetchError{Kind: KindTooLarge, URL: rawURL, Err: err}
}

func classify(ctx context.Context, rawURL string, err error) error {
	fe := &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		fe.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = KindTimeout
	case isTLS(err):
		fe.Kind = KindTLS
	}
	return fe
}

func isTLS(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
