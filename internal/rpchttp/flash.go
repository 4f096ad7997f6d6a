package rpchttp

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/bavix/boardfarm/internal/auth"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
)

func (s *Server) flashRoutes(api *mux.Router) {
	api.Handle("/flash", s.guard(auth.PermissionViewDevices, s.handleActiveFlashes)).Methods(http.MethodGet)
	api.Handle("/flash/{session}", s.guard(auth.PermissionViewDevices, s.handleFlashSession)).Methods(http.MethodGet)
	api.Handle("/flash/{session}", s.guard(auth.PermissionManageFlash, s.handleCancelFlash)).Methods(http.MethodDelete)
}

// flashRequest reads ?protocol=, ?region= (alias ?target=), ?verify=,
// ?size= and repeatable ?option=k=v. The image itself is supplied by the
// caller.
func flashRequest(q url.Values) (flash.Request, error) {
	req := flash.Request{
		Protocol: q.Get("protocol"),
		Region:   q.Get("region"),
	}

	if req.Region == "" {
		req.Region = q.Get("target")
	}

	if v := q.Get("verify"); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("verify: %w", err)
		}

		req.SkipVerify = !verify
	}

	if v := q.Get("size"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return req, fmt.Errorf("%w: %q", errInvalidSize, v)
		}

		req.Size = size
	}

	for _, o := range q["option"] {
		k, v, ok := strings.Cut(o, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("%w: %q", errInvalidOption, o)
		}

		if req.Options == nil {
			req.Options = make(map[string]string)
		}

		req.Options[k] = v
	}

	return req, nil
}

// handleFlash streams the request body into a new session and blocks until
// the session is terminal. Dropping the connection cancels the session.
func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	req, err := flashRequest(r.URL.Query())
	if err != nil {
		badRequest(w, r, err)

		return
	}

	if req.Size == 0 && r.ContentLength > 0 {
		req.Size = r.ContentLength
	}

	req.Image = r.Body

	sess, err := s.d.StartFlash(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)

		return
	}

	st, err := sess.Wait(r.Context())
	if r.Context().Err() != nil {
		// The body must not be touched after the handler returns.
		sess.Cancel()
		<-sess.Done()

		return
	}

	if err != nil {
		respond(w, r, HTTPStatus(customerrors.Kind(err)), st)

		return
	}

	respond(w, r, http.StatusOK, st)
}

type activeFlashesResponse struct {
	Protocols []string       `json:"protocols"`
	Sessions  []flash.Status `json:"sessions"`
}

func (s *Server) handleActiveFlashes(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, activeFlashesResponse{
		Protocols: s.d.Protocols(),
		Sessions:  s.d.ActiveFlashes(),
	})
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["session"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errInvalidSession, err)
	}

	return id, nil
}

func (s *Server) handleFlashSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		badRequest(w, r, err)

		return
	}

	sess, err := s.d.FlashSession(id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, sess.Status())
}

func (s *Server) handleCancelFlash(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		badRequest(w, r, err)

		return
	}

	sess, err := s.d.CancelFlash(id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	st, _ := sess.Wait(r.Context())

	respond(w, r, http.StatusOK, st)
}
