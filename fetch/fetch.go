// Package fetch downloads resources over plain HTTP with a Chrome TLS
// fingerprint, for assets that need no rendering (files, images, APIs).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"

	tls2 "github.com/refraction-networking/utls"

	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/models"
)

// Fetcher performs HTTP requests with a Chrome TLS fingerprint (utls).
type Fetcher struct {
	cfg   config.FetchConfig
	proxy string
}

// New creates a Fetcher. proxy, if non-empty, routes every download.
func New(cfg config.FetchConfig, proxy string) *Fetcher {
	return &Fetcher{cfg: cfg, proxy: proxy}
}

// Fetch downloads the resource at targetURL. The body is capped at the
// configured maximum size; larger resources fail rather than truncate.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*models.Download, error) {
	u, err := url.Parse(targetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, models.NewEngineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("locator %q is not an http(s) URL", targetURL), err)
	}

	fctx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSChrome(ctx, network, addr, f.proxy)
		},
	}
	if f.proxy != "" {
		proxyURL, err := url.Parse(f.proxy)
		if err == nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{Transport: transport}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, models.NewEngineError(models.ErrCodeFetchFailed, "failed to build request", err)
	}
	req.Header.Set("User-Agent", config.DefaultUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, models.NewEngineError(models.ErrCodeCancelled, "download cancelled", err)
		}
		return nil, models.NewEngineError(models.ErrCodeFetchFailed,
			fmt.Sprintf("request to %s failed", targetURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, models.NewEngineError(models.ErrCodeFetchFailed,
			fmt.Sprintf("HTTP %d for %s", resp.StatusCode, targetURL), nil)
	}

	// Read one byte past the cap so oversized bodies are detected instead
	// of silently truncated.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxSize+1))
	if err != nil {
		return nil, models.NewEngineError(models.ErrCodeFetchFailed, "failed to read body", err)
	}
	if int64(len(body)) > f.cfg.MaxSize {
		return nil, models.NewEngineError(models.ErrCodeFetchFailed,
			fmt.Sprintf("resource exceeds the %d byte limit", f.cfg.MaxSize), nil)
	}

	return &models.Download{
		Data:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    filenameFor(resp.Header.Get("Content-Disposition"), u),
		Size:        int64(len(body)),
		SourceURL:   targetURL,
	}, nil
}

// filenameFor derives a filename from the Content-Disposition header,
// falling back to the last URL path segment.
func filenameFor(disposition string, u *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// dialTLSChrome establishes a TLS connection using a Chrome fingerprint via utls.
func dialTLSChrome(ctx context.Context, network, addr, proxy string) (net.Conn, error) {
	var rawConn net.Conn
	var err error

	dialer := &net.Dialer{}

	if proxy != "" {
		proxyURL, parseErr := url.Parse(proxy)
		if parseErr == nil && (proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h") {
			// SOCKS5 tunnels the raw conn; TLS is layered on top below.
			socksConn, socksErr := dialer.DialContext(ctx, "tcp", proxyURL.Host)
			if socksErr != nil {
				return nil, fmt.Errorf("socks5 dial: %w", socksErr)
			}
			rawConn = socksConn
		}
	}

	if rawConn == nil {
		rawConn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls2.UClient(rawConn, &tls2.Config{
		ServerName:         host,
		InsecureSkipVerify: false,
	}, tls2.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
