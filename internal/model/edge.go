// Package model defines shared types for the edge.
package model

import (
	"io"
	"net/http"
)

// Request is an inbound request as seen by the dispatcher. It is not
// modified during dispatch. RawPath is percent-decoded; EscapedPath, when
// set, is the same path as received on the wire.
type Request struct {
	Method      string
	Host        string
	RawPath     string
	EscapedPath string
	RawQuery    string
	Header      http.Header
	Body        io.Reader
	RemoteAddr  string
}

// WithPath returns a shallow copy of r addressed to path and escaped, the
// encoded form of path ("" if unknown).
func (r *Request) WithPath(path, escaped string) *Request {
	cp := *r
	cp.RawPath = path
	cp.EscapedPath = escaped
	return &cp
}

// Outcome labels which terminal state produced a response. It is used for
// logs and metrics only and never written to the client.
type Outcome string

// OutcomeContextKey is the echo.Context key under which handlers store the
// Outcome of the request.
const OutcomeContextKey = "edge.outcome"

const (
	OutcomeDiagnostic     Outcome = "diagnostic"
	OutcomeLocal          Outcome = "local"
	OutcomeProxy          Outcome = "proxy"
	OutcomeFallback       Outcome = "fallback"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	OutcomeInternalError  Outcome = "internal_error"
)

// Response is the result of dispatching a Request.
//
// Exactly one of Body and Stream carries the payload: Stream is set (and
// IsStreamed true) for upstream responses passed through as they arrive.
// The consumer must close Stream.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	IsStreamed bool
	Outcome    Outcome
}

// ResolvedPath is a request path resolved against the static root.
type ResolvedPath struct {
	OriginalPath string
	AbsolutePath string
	WithinRoot   bool
}

// RouteKind tags the variant held by a RouteDecision.
type RouteKind int

const (
	RouteNotFound RouteKind = iota
	RouteDiagnostic
	RouteLocalFile
	RouteProxy
)

func (k RouteKind) String() string {
	switch k {
	case RouteDiagnostic:
		return "diagnostic"
	case RouteLocalFile:
		return "local_file"
	case RouteProxy:
		return "proxy"
	default:
		return "not_found"
	}
}

// RouteDecision is the classification of one request. Resolved is set for
// RouteLocalFile and RouteNotFound; TargetID, RewrittenPath and
// AllowWebsocket for RouteProxy.
type RouteDecision struct {
	Kind           RouteKind
	Resolved       ResolvedPath
	TargetID       string
	RewrittenPath  string
	AllowWebsocket bool
	PathRewrite    func(string) string
}

// EscapedUpstreamPath applies the matched rule's rewrite to escaped, the
// encoded form of the request path. It returns "" when escaped is empty.
func (d RouteDecision) EscapedUpstreamPath(escaped string) string {
	if escaped == "" || d.PathRewrite == nil {
		return escaped
	}
	return d.PathRewrite(escaped)
}

// ProxyRule maps a set of path prefixes to an upstream target. Rules are
// built once at startup and only read afterwards.
type ProxyRule struct {
	MatchPrefixes         []string
	TargetID              string
	PathRewrite           func(string) string
	AllowWebsocketUpgrade bool
}
