package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestThatSentinelsMatchThroughWrapping(t *testing.T) {
	is := is.New(t)

	err := fmt.Errorf("while parsing: %w", NewBadRequestDataError("Attribute foo can't have more than one default instance"))

	is.True(errors.Is(err, ErrBadRequest))
	is.True(!errors.Is(err, ErrInternal))
	is.True(IsDataError(err))
}

func TestThatInternalErrorIsNotADataError(t *testing.T) {
	is := is.New(t)

	err := NewInternalError("Partial update operation failed to perform the whole update", nil)

	is.True(errors.Is(err, ErrInternal))
	is.True(!IsDataError(err))
}

func TestThatLdContextNotAvailableUnwrapsToCause(t *testing.T) {
	is := is.New(t)

	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewLdContextNotAvailableError("unable to load remote context", cause)

	is.True(errors.Is(err, ErrLdContextNotAvailable))
	is.True(errors.Is(err, cause))
}

func TestThatProblemReportIsWrittenWithMatchingStatus(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	ReportError(w, NewAlreadyExistsError("Entity already exists"), "abc")

	is.Equal(w.Code, http.StatusConflict)
	is.Equal(w.Header().Get("Content-Type"), ProblemReportContentType)
	is.True(strings.Contains(w.Body.String(), "https://uri.etsi.org/ngsi-ld/errors/AlreadyExists"))
	is.True(strings.Contains(w.Body.String(), `"traceID": "abc"`))
}

func TestThatUnknownErrorsAreReportedGenerically(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	ReportError(w, fmt.Errorf("neo4j: connection reset by peer"), "")

	is.Equal(w.Code, http.StatusInternalServerError)
	is.True(!strings.Contains(w.Body.String(), "neo4j"))
}

func TestThatProblemReportsAreConvertedBackToSentinels(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	ReportError(w, NewNotFoundError("entity urn:ngsi-ld:Beach:b1 not found"), "")

	err := NewErrorFromProblemReport(w.Code, w.Header().Get("Content-Type"), w.Body.Bytes())

	is.True(errors.Is(err, ErrNotFound))
	is.Equal(err.Error(), "entity urn:ngsi-ld:Beach:b1 not found")
}

func TestThatUnknownProblemReportsFallBackOnStatusCode(t *testing.T) {
	is := is.New(t)

	err := NewErrorFromProblemReport(http.StatusConflict, "text/plain", []byte("conflict"))
	is.True(errors.Is(err, ErrAlreadyExists))

	err = NewErrorFromProblemReport(http.StatusBadGateway, "text/plain", nil)
	is.True(errors.Is(err, ErrInternal))
}
