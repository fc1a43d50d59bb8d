package registry

import (
	"crypto/tls"
	"net/http"
)

// remoteTransport returns the base transport used for registry
// connections. When insecure is set, TLS certificate verification is
// skipped, matching the endpoint's insecure flag.
func remoteTransport(insecure bool) http.RoundTripper {
	if !insecure {
		return http.DefaultTransport
	}
	tr, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := tr.Clone()
	if clone.TLSClientConfig == nil {
		clone.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	clone.TLSClientConfig.InsecureSkipVerify = true
	return clone
}
