// Package util holds small helpers shared by the coordinator's adapters.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// transportCache reuses transports per proxy URL so provider calls share connections.
var (
	transportCache      = make(map[string]*http.Transport)
	transportCacheMutex sync.RWMutex
)

const (
	defaultDialTimeout           = 30 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
)

// NewHTTPClient returns a client routed through proxyURL when set.
// Supported schemes are socks5, http and https. An invalid proxy URL is an error
// rather than a silent direct connection.
func NewHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	proxyURL = strings.TrimSpace(proxyURL)

	transportCacheMutex.RLock()
	transport, ok := transportCache[proxyURL]
	transportCacheMutex.RUnlock()

	if !ok {
		var err error
		if proxyURL == "" {
			transport = buildDefaultTransport()
		} else if transport, err = buildProxyTransport(proxyURL); err != nil {
			return nil, err
		}
		transportCacheMutex.Lock()
		if cached, exists := transportCache[proxyURL]; exists {
			transport = cached
		} else {
			transportCache[proxyURL] = transport
		}
		transportCacheMutex.Unlock()
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// buildProxyTransport creates a transport for a SOCKS5 or HTTP(S) proxy.
func buildProxyTransport(proxyURL string) (*http.Transport, error) {
	parsedURL, errParse := url.Parse(proxyURL)
	if errParse != nil {
		return nil, fmt.Errorf("parse proxy url: %w", errParse)
	}

	switch parsedURL.Scheme {
	case "socks5", "socks5h":
		dialer, errSOCKS5 := proxy.FromURL(parsedURL, proxy.Direct)
		if errSOCKS5 != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", errSOCKS5)
		}
		transport := buildDefaultTransport()
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		return transport, nil
	case "http", "https":
		transport := buildDefaultTransport()
		transport.Proxy = http.ProxyURL(parsedURL)
		return transport, nil
	default:
		log.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsedURL.Scheme)
	}
}

func buildDefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
	}
}
