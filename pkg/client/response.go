package client

import (
	"fmt"

	"github.com/morezero/porthos/pkg/commsutil"
	"github.com/morezero/porthos/pkg/semver"
	"github.com/morezero/porthos/pkg/status"
	"github.com/morezero/porthos/pkg/transport"
)

// Response is the immutable result of a completed call. Accessors return
// copies so callers cannot alter what other waiters see.
type Response struct {
	content     []byte
	contentType string
	statusCode  int
	headers     map[string]any
}

// NewResponse builds a Response, copying content and headers.
func NewResponse(content []byte, contentType string, statusCode int, headers map[string]any) *Response {
	return &Response{
		content:     append([]byte(nil), content...),
		contentType: contentType,
		statusCode:  statusCode,
		headers:     copyHeaders(headers),
	}
}

// Content returns a copy of the response body.
func (r *Response) Content() []byte {
	return append([]byte(nil), r.content...)
}

// ContentType returns the declared content type.
func (r *Response) ContentType() string { return r.contentType }

// StatusCode returns the statusCode header value, or 0 if the responder sent none.
func (r *Response) StatusCode() int { return r.statusCode }

// StatusText returns the reason phrase for the status code.
func (r *Response) StatusText() string { return status.Text(r.statusCode) }

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool { return status.IsSuccess(r.statusCode) }

// IsClientError reports a 4xx status.
func (r *Response) IsClientError() bool { return status.IsClientError(r.statusCode) }

// IsServerError reports a 5xx status.
func (r *Response) IsServerError() bool { return status.IsServerError(r.statusCode) }

// Headers returns a copy of the response headers.
func (r *Response) Headers() map[string]any { return copyHeaders(r.headers) }

// Header returns a single header value.
func (r *Response) Header(name string) (any, bool) {
	v, ok := r.headers[name]
	return v, ok
}

// IsJSON reports whether the response declares a JSON body.
func (r *Response) IsJSON() bool {
	return commsutil.SameMediaType(r.contentType, transport.ContentTypeJSON)
}

// DecodeJSON unmarshals the body into v. It fails with
// *ContentTypeMismatchError unless the response is declared as JSON.
func (r *Response) DecodeJSON(v any) error {
	if !r.IsJSON() {
		return &ContentTypeMismatchError{Want: transport.ContentTypeJSON, Got: r.contentType}
	}
	if err := commsutil.DecodePayload(r.content, v); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// ContentAsJSON decodes the body into generic Go values.
func (r *Response) ContentAsJSON() (any, error) {
	var v any
	if err := r.DecodeJSON(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ServiceVersion returns the responder's X-Service-Version header, if any.
func (r *Response) ServiceVersion() string {
	switch v := r.headers[transport.HeaderServiceVersion].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// CheckServiceVersion fails with *ServiceVersionError when the responder's
// version does not satisfy constraint. An empty constraint always passes.
func (r *Response) CheckServiceVersion(constraint string) error {
	ok, err := semver.Satisfies(r.ServiceVersion(), constraint)
	if err != nil {
		return err
	}
	if !ok {
		return &ServiceVersionError{Version: r.ServiceVersion(), Constraint: constraint}
	}
	return nil
}

func copyHeaders(h map[string]any) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if vs, ok := v.([]string); ok {
			v = append([]string(nil), vs...)
		}
		out[k] = v
	}
	return out
}
