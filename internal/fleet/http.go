package fleet

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// HTTPClient returns a client that doesn't share connections, so a
// readiness check never reuses a socket opened before the app restarted.
func HTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   -1,
			DisableKeepAlives:     true,
		},
	}
}

// getApp requests path from the app and reports Pending for anything other
// than a 200. Connection errors are expected while the unit starts.
func getApp(
	ctx context.Context,
	client *http.Client,
	addr netip.AddrPort,
	path string,
) error {
	uri := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("new request with context: %w", err)
	}
	rsp, err := client.Do(req)
	if err != nil {
		return Pending("get %s: %v", uri, err)
	}
	defer func() { _ = rsp.Body.Close() }()
	_, _ = io.Copy(io.Discard, rsp.Body)

	if rsp.StatusCode != http.StatusOK {
		return Pending("get %s: status %d", uri, rsp.StatusCode)
	}
	return nil
}
