package rpchttp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	customerrors "github.com/bavix/boardfarm/internal/errors"
)

// StatusClientClosedRequest is the nginx convention for a request the client
// abandoned. It is reported for cancelled operations.
const StatusClientClosedRequest = 499

var (
	errInvalidJSON    = errors.New("invalid JSON body")
	errInvalidTag     = errors.New("tag filter must be key=value")
	errInvalidOption  = errors.New("option must be key=value")
	errInvalidSession = errors.New("invalid flash session id")
	errInvalidSize    = errors.New("invalid image size")
	errModeRequired   = errors.New("mode is required")
	errEmptyWrite     = errors.New("console write body is empty")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// HTTPStatus maps an error kind code onto a response status.
func HTTPStatus(kind string) int {
	switch kind {
	case customerrors.KindNotFound:
		return http.StatusNotFound
	case customerrors.KindUnsupported:
		return http.StatusNotImplemented
	case customerrors.KindBusy:
		return http.StatusConflict
	case customerrors.KindProtocolMismatch:
		return http.StatusUnprocessableEntity
	case customerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case customerrors.KindIO, customerrors.KindDeviceRemoved, customerrors.KindDisconnected:
		return http.StatusBadGateway
	case customerrors.KindCancelled:
		return StatusClientClosedRequest
	case customerrors.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := customerrors.Kind(err)
	status := HTTPStatus(kind)

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("kind", kind).Str("path", r.URL.Path).Msg("request failed")
	}

	respond(w, r, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// badRequest reports a malformed request as invalid_argument.
func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, fmt.Errorf("%w: %w", customerrors.ErrInvalidArgument, err))
}
