package health

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// NetworkProbe reads the current network path.
type NetworkProbe interface {
	Probe(ctx context.Context) NetworkSample
}

// StaticProbe reports a fixed link type as online without measurements.
type StaticProbe struct {
	LinkType string
}

// Probe implements NetworkProbe.
func (p StaticProbe) Probe(context.Context) NetworkSample {
	return NetworkSample{Online: true, LinkType: p.LinkType}
}

// maxProbeBytes bounds the body read used for the downlink estimate.
const maxProbeBytes = 256 << 10

// HTTPProbe measures RTT as time to response headers and downlink as body
// throughput of a GET against URL. A failed connection reports offline.
type HTTPProbe struct {
	URL      string
	LinkType string
	Client   *http.Client
}

// NewHTTPProbe creates a probe against url.
func NewHTTPProbe(url, linkType string) *HTTPProbe {
	return &HTTPProbe{
		URL:      url,
		LinkType: linkType,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe implements NetworkProbe.
func (p *HTTPProbe) Probe(ctx context.Context) NetworkSample {
	sample := NetworkSample{LinkType: p.LinkType}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return sample
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		// Timeouts mean the path exists but is bad; anything else is offline.
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			sample.Online = true
			sample.Measured = true
			sample.RTT = time.Since(start)
		}
		return sample
	}
	defer resp.Body.Close()

	sample.Online = true
	sample.Measured = true
	sample.RTT = time.Since(start)

	bodyStart := time.Now()
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBytes))
	elapsed := time.Since(bodyStart)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	// A tiny body says little about bandwidth; treat it as the RTT-bound rate.
	if n < 4<<10 {
		elapsed += sample.RTT
	}
	sample.DownlinkMbps = float64(n*8) / elapsed.Seconds() / 1e6
	return sample
}
