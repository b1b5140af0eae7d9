package dispatcher

import (
	"net/http"
	"strings"
)

// hopByHop headers are never forwarded from the client to upstream; each hop
// is expected to set its own. The response direction uses responseStrip.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// responseStrip is the exact hop-by-hop set stripped from the upstream
// response before it is forwarded to the client: Content-Encoding and
// Content-Length describe the upstream's own framing of its body (which
// net/http re-frames when copying), and Transfer-Encoding/Connection are
// classic hop-by-hop headers. This is deliberately narrower than the
// request-direction hopByHop set above -- a response never carries
// Proxy-Authenticate/Te/Trailer/Upgrade in this proxy's traffic, and
// stripping only these four keeps everything else (including ratelimit
// and request-id headers upstream sets) passing through untouched.
var responseStrip = map[string]struct{}{
	"Content-Encoding":  {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// skipRequestHeaders are dropped from the inbound request before it is
// rebuilt for upstream: Host belongs to the transport, Authorization/
// X-Api-Key are replaced by the selected subscription's own credential, and
// Content-Length/Transfer-Encoding are recomputed by net/http for the new
// body.
var skipRequestHeaders = map[string]struct{}{
	"Host":              {},
	"Authorization":     {},
	"X-Api-Key":         {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
}

// bearerPrefix identifies subscription credentials that must be sent as an
// OAuth bearer token rather than the classic x-api-key header.
const bearerPrefix = "sk-ant-oat"

// buildUpstreamHeaders copies the inbound request's headers, stripping
// hop-by-hop and credential headers, then injects the selected
// subscription's own credential in the form its prefix implies.
func buildUpstreamHeaders(src http.Header, secret string) http.Header {
	out := make(http.Header, len(src)+1)
	for key, vals := range src {
		if _, skip := hopByHop[key]; skip {
			continue
		}
		if _, skip := skipRequestHeaders[key]; skip {
			continue
		}
		out[key] = vals
	}

	if strings.HasPrefix(secret, bearerPrefix) {
		out.Set("Authorization", "Bearer "+secret)
	} else {
		out.Set("X-Api-Key", secret)
	}
	return out
}

// copyResponseHeaders copies upstream response headers to w, skipping the
// four hop-by-hop headers that must never reach the client unmodified
// (Content-Length in particular is wrong the moment io.Copy re-chunks the
// body, and actively breaks SSE passthrough).
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, vals := range src {
		if _, skip := responseStrip[key]; skip {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
