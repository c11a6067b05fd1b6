package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProblemDetails stores details about a certain problem according to RFC7807
// See https://tools.ietf.org/html/rfc7807
type ProblemDetails interface {
	ContentType() string
	Type() string
	Title() string
	Detail() string
	ResponseCode() int
	MarshalJSON() ([]byte, error)
	WriteResponse(w http.ResponseWriter)
}

// ProblemReportContentType as required by https://tools.ietf.org/html/rfc7807
const ProblemReportContentType string = "application/problem+json"

type problem struct {
	typ     string
	title   string
	detail  string
	code    int
	traceID string
}

type problemKind struct {
	target error
	typ    string
	title  string
	code   int
}

var problemKinds = []problemKind{
	{ErrBadRequest, "https://uri.etsi.org/ngsi-ld/errors/BadRequestData", "Bad Request Data", http.StatusBadRequest},
	{ErrNotFound, "https://uri.etsi.org/ngsi-ld/errors/ResourceNotFound", "Resource Not Found", http.StatusNotFound},
	{ErrAlreadyExists, "https://uri.etsi.org/ngsi-ld/errors/AlreadyExists", "Already Exists", http.StatusConflict},
	{ErrLdContextNotAvailable, "https://uri.etsi.org/ngsi-ld/errors/LdContextNotAvailable", "LD Context Not Available", http.StatusServiceUnavailable},
	{ErrAccessDenied, "https://uri.etsi.org/ngsi-ld/errors/AccessDenied", "Access Denied", http.StatusForbidden},
	{ErrNotImplemented, "https://uri.etsi.org/ngsi-ld/errors/OperationNotSupported", "Operation Not Supported", http.StatusNotImplemented},
}

// NewProblemFromError maps an error onto the NGSI-LD problem type that matches its
// sentinel. Anything unknown is reported as a generic internal error without leaking
// the underlying message.
func NewProblemFromError(err error, traceID string) ProblemDetails {
	for _, k := range problemKinds {
		if errors.Is(err, k.target) {
			return &problem{typ: k.typ, title: k.title, detail: err.Error(), code: k.code, traceID: traceID}
		}
	}

	return &problem{
		typ:     "https://uri.etsi.org/ngsi-ld/errors/InternalError",
		title:   "Internal Error",
		detail:  "an internal error occurred while processing the request",
		code:    http.StatusInternalServerError,
		traceID: traceID,
	}
}

// NewInvalidRequest reports that the request is syntactically invalid
func NewInvalidRequest(detail, traceID string) ProblemDetails {
	return &problem{
		typ:     "https://uri.etsi.org/ngsi-ld/errors/InvalidRequest",
		title:   "Invalid Request",
		detail:  detail,
		code:    http.StatusBadRequest,
		traceID: traceID,
	}
}

// ReportError writes the problem matching err to the supplied http.ResponseWriter
func ReportError(w http.ResponseWriter, err error, traceID string) {
	NewProblemFromError(err, traceID).WriteResponse(w)
}

func ReportNewInvalidRequest(w http.ResponseWriter, detail, traceID string) {
	NewInvalidRequest(detail, traceID).WriteResponse(w)
}

func (p *problem) ContentType() string { return ProblemReportContentType }
func (p *problem) Type() string        { return p.typ }
func (p *problem) Title() string       { return p.title }
func (p *problem) Detail() string      { return p.detail }

func (p *problem) ResponseCode() int {
	if p.code != 0 {
		return p.code
	}

	return http.StatusBadRequest
}

func (p *problem) MarshalJSON() ([]byte, error) {
	var traceID *string

	if p.traceID != "" {
		traceID = &p.traceID
	}

	return json.Marshal(struct {
		Type    string  `json:"type"`
		Title   string  `json:"title"`
		Detail  string  `json:"detail"`
		TraceID *string `json:"traceID,omitempty"`
	}{
		Type:    p.typ,
		Title:   p.title,
		Detail:  p.detail,
		TraceID: traceID,
	})
}

// WriteResponse writes the contents of this instance to a http.ResponseWriter
func (p *problem) WriteResponse(w http.ResponseWriter) {
	w.Header().Add("Content-Type", p.ContentType())
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(p.ResponseCode())

	pdbytes, err := json.MarshalIndent(p, "", "  ")
	if err == nil {
		w.Write(pdbytes)
	}
}

// NewErrorFromProblemReport converts a problem report returned by a remote service
// into an error wrapping the sentinel that matches its type
func NewErrorFromProblemReport(code int, contentType string, body []byte) error {
	detail := fmt.Sprintf("request failed with status code %d", code)

	if strings.HasPrefix(contentType, ProblemReportContentType) {
		pd := struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}{}

		if err := json.Unmarshal(body, &pd); err == nil {
			if pd.Detail != "" {
				detail = pd.Detail
			}

			for _, k := range problemKinds {
				if k.typ == pd.Type {
					return &myError{msg: detail, target: k.target}
				}
			}
		}
	}

	for _, k := range problemKinds {
		if k.code == code {
			return &myError{msg: detail, target: k.target}
		}
	}

	return NewInternalError(detail, nil)
}
