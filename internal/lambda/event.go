// Package lambda runs the dispatcher once against an API Gateway HTTP API
// (payload format 2.0) event.
package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"asset-edge/internal/content"
	"asset-edge/internal/model"
)

// ErrInvalidEvent is returned for events that cannot be turned into a request.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the subset of an HTTP API event the edge reads.
type Event struct {
	RawPath         string            `json:"rawPath"`
	RawQueryString  string            `json:"rawQueryString"`
	Cookies         []string          `json:"cookies,omitempty"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
	RequestContext  RequestContext    `json:"requestContext"`
}

// RequestContext carries the method and caller address.
type RequestContext struct {
	DomainName string      `json:"domainName"`
	HTTP       HTTPContext `json:"http"`
}

// HTTPContext is requestContext.http.
type HTTPContext struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	SourceIP string `json:"sourceIp"`
}

// Result is the response document printed for the caller.
type Result struct {
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
}

// Handler is the dispatch capability an invocation needs.
type Handler interface {
	Handle(ctx context.Context, req *model.Request) *model.Response
}

// Decode reads one event.
func Decode(r io.Reader) (*Event, error) {
	var ev Event
	dec := json.NewDecoder(r)
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return &ev, nil
}

// Request converts the event into a dispatcher request. A missing path is
// treated as "/" and a missing method as GET.
func (e *Event) Request() (*model.Request, error) {
	path := e.RawPath
	if path == "" {
		path = e.RequestContext.HTTP.Path
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: rawPath %q must start with /", ErrInvalidEvent, path)
	}

	method := strings.ToUpper(e.RequestContext.HTTP.Method)
	if method == "" {
		method = http.MethodGet
	}

	header := make(http.Header, len(e.Headers)+1)
	for k, v := range e.Headers {
		header.Set(k, v)
	}
	if len(e.Cookies) > 0 {
		header.Set("Cookie", strings.Join(e.Cookies, "; "))
	}

	body := []byte(e.Body)
	if e.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(e.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %w", ErrInvalidEvent, err)
		}
		body = decoded
	}

	host := header.Get("Host")
	if host == "" {
		host = e.RequestContext.DomainName
	}

	var remote string
	if ip := e.RequestContext.HTTP.SourceIP; ip != "" {
		remote = net.JoinHostPort(ip, "0")
	}

	return &model.Request{
		Method:     method,
		Host:       host,
		RawPath:    path,
		RawQuery:   e.RawQueryString,
		Header:     header,
		Body:       bytes.NewReader(body),
		RemoteAddr: remote,
	}, nil
}

// Encode turns a response into a Result, draining and closing any stream.
// Bodies whose Content-Type is not textual (text/*, JSON, JavaScript) are
// base64 encoded.
func Encode(resp *model.Response) (*Result, error) {
	body := resp.Body
	if resp.Stream != nil {
		defer func() { _ = resp.Stream.Close() }()
		b, err := io.ReadAll(resp.Stream)
		if err != nil {
			return nil, fmt.Errorf("read response stream: %w", err)
		}
		body = b
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		headers[k] = strings.Join(vals, ", ")
	}

	res := &Result{StatusCode: resp.StatusCode, Headers: headers}
	if len(body) > 0 && !content.IsText(resp.Header.Get("Content-Type")) {
		res.Body = base64.StdEncoding.EncodeToString(body)
		res.IsBase64Encoded = true
	} else {
		res.Body = string(body)
	}
	return res, nil
}

// Invoke decodes one event from in, dispatches it through h and writes the
// JSON result to out.
func Invoke(ctx context.Context, h Handler, in io.Reader, out io.Writer) error {
	ev, err := Decode(in)
	if err != nil {
		return err
	}
	req, err := ev.Request()
	if err != nil {
		return err
	}

	res, err := Encode(h.Handle(ctx, req))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
