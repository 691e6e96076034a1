package interfaces

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Location is a parsed provider URI of the form [scheme]://[auth@]host[:port][/path][?params].
// Secure elements, key stores, artifact sources and attestation providers are all
// configured through locations.
type Location struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname with port
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// NewLocation parses uri and checks its scheme against the supported list.
func NewLocation(uri string, schemes ...string) (Location, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if len(schemes) > 0 && !slices.Contains(schemes, scheme) {
		return Location{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return Location{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the URI with any password redacted.
func (loc Location) String() string {
	u, err := url.Parse(loc.Raw)
	if err != nil {
		return loc.Raw
	}
	return u.Redacted()
}

// HostPath joins host and path, used by schemes that encode a single resource
// identifier across both (file://./relative, ipfs://CID/sub).
func (loc Location) HostPath() string {
	if loc.Host == "" {
		return loc.Path
	}
	if loc.Path == "" {
		return loc.Host
	}
	return loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
}

// GetParam returns a query parameter value.
func (loc Location) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamDefault returns a query parameter value or def when it is not set.
func (loc Location) GetParamDefault(name, def string) string {
	if v := loc.Query.Get(name); v != "" {
		return v
	}
	return def
}

// GetParamBool returns a boolean query parameter value.
func (loc Location) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
