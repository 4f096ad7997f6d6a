package rpchttp

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/board"
)

func (s *Server) boardRoutes(api *mux.Router) {
	api.Handle("/boards", s.guard(auth.PermissionViewDevices, s.handleListBoards)).Methods(http.MethodGet)
	api.Handle("/boards/{name}", s.guard(auth.PermissionViewDevices, s.handleGetBoard)).Methods(http.MethodGet)
	api.Handle("/boards/{name}/mode", s.guard(auth.PermissionManageBoards, s.handleSetMode)).Methods(http.MethodPut)
}

type boardsResponse struct {
	Boards []board.View `json:"boards"`
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, boardsResponse{Boards: s.boards.List()})
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	v, err := s.boards.Get(mux.Vars(r)["name"])
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, v)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// handleSetMode blocks while the mode sequence runs.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var in modeRequest
	if err := decode(r, &in); err != nil {
		badRequest(w, r, err)

		return
	}

	if in.Mode == "" {
		badRequest(w, r, errModeRequired)

		return
	}

	v, err := s.boards.SetMode(r.Context(), mux.Vars(r)["name"], in.Mode)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, v)
}

// handleWatchBoard pushes the board view as JSON, first on connect and then
// on every change.
func (s *Server) handleWatchBoard(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.boards.Get(name); err != nil {
		respondError(w, r, err)

		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	keepalive(ctx, conn, defaultWebSocketReadLimit)

	go func() {
		defer cancel()

		drain(conn)
	}()

	peerGone := false

	err = s.boards.Watch(ctx, name, func(v board.View) error {
		if err := writeJSON(conn, v); err != nil {
			peerGone = true

			return err
		}

		return nil
	})
	if peerGone || ctx.Err() != nil {
		err = nil
	}

	closeWith(conn, err)
}
