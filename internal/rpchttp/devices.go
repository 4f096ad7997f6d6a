package rpchttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/dispatch"
	"github.com/bavix/boardfarm/internal/registry"
)

const maxConsoleWrite = 64 << 10

func (s *Server) deviceRoutes(api *mux.Router) {
	api.Handle("/devices", s.guard(auth.PermissionViewDevices, s.handleListDevices)).Methods(http.MethodGet)

	api.Handle("/devices/{id:[0-9]+}", s.guard(auth.PermissionViewDevices, s.handleGetDevice)).Methods(http.MethodGet)

	dev := api.PathPrefix("/devices/{id:[0-9]+}").Subrouter()
	dev.Handle("/capabilities", s.guard(auth.PermissionViewDevices, s.handleCapabilities)).Methods(http.MethodGet)
	dev.Handle("/regions", s.guard(auth.PermissionViewDevices, s.handleRegions)).Methods(http.MethodGet)

	dev.Handle("/console", s.guard(auth.PermissionWriteConsole, s.handleConsoleWrite)).Methods(http.MethodPost)
	dev.Handle("/console/config", s.guard(auth.PermissionWriteConsole, s.handleConsoleConfig)).Methods(http.MethodPut)
	dev.Handle("/console/lines/{line}", s.guard(auth.PermissionWriteConsole, s.handleConsoleLine)).Methods(http.MethodPut)

	dev.Handle("/power", s.guard(auth.PermissionViewDevices, s.handlePowerState)).Methods(http.MethodGet)
	dev.Handle("/power", s.guard(auth.PermissionManagePower, s.handleSetPower)).Methods(http.MethodPut)

	dev.Handle("/gpio", s.guard(auth.PermissionViewDevices, s.handleGpioLines)).Methods(http.MethodGet)
	dev.Handle("/gpio/{line}", s.guard(auth.PermissionViewDevices, s.handleGpioLevel)).Methods(http.MethodGet)
	dev.Handle("/gpio/{line}", s.guard(auth.PermissionManageGpio, s.handleSetGpio)).Methods(http.MethodPut)

	dev.Handle("/flash", s.guard(auth.PermissionManageFlash, s.handleFlash)).Methods(http.MethodPost)
}

func deviceID(r *http.Request) (registry.ID, error) {
	return registry.ParseID(mux.Vars(r)["id"])
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errInvalidJSON, err)
	}

	return nil
}

// parseFilter reads ?tag=k=v (repeatable), ?capability= and ?source=.
func parseFilter(r *http.Request) (registry.Filter, error) {
	q := r.URL.Query()

	var f registry.Filter

	for _, t := range q["tag"] {
		k, v, ok := strings.Cut(t, "=")
		if !ok || k == "" {
			return f, fmt.Errorf("%w: %q", errInvalidTag, t)
		}

		if f.Tags == nil {
			f.Tags = make(map[string]string)
		}

		f.Tags[k] = v
	}

	if c := q.Get("capability"); c != "" {
		cp, err := capability.Parse(c)
		if err != nil {
			return f, err
		}

		f.Capability = cp
	}

	f.Source = q.Get("source")

	return f, nil
}

type devicesResponse struct {
	Devices []dispatch.DeviceView `json:"devices"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, devicesResponse{Devices: s.d.ListDevices(f)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	view, err := s.d.GetDevice(id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, view)
}

type capabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	caps, err := s.d.Capabilities(id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, capabilitiesResponse{Capabilities: caps})
}

type regionsResponse struct {
	Regions []capability.Region `json:"regions"`
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	regions, err := s.d.Regions(r.Context(), id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, regionsResponse{Regions: regions})
}

type writeResponse struct {
	Written int `json:"written"`
}

func (s *Server) handleConsoleWrite(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxConsoleWrite))
	if err != nil {
		badRequest(w, r, err)

		return
	}

	if len(data) == 0 {
		badRequest(w, r, errEmptyWrite)

		return
	}

	n, err := s.d.WriteConsole(r.Context(), id, data)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, writeResponse{Written: n})
}

func (s *Server) handleConsoleConfig(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	var cfg capability.ConsoleConfig
	if err := decode(r, &cfg); err != nil {
		badRequest(w, r, err)

		return
	}

	if err := s.d.ConfigureConsole(r.Context(), id, cfg); err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, cfg)
}

type lineRequest struct {
	Asserted bool `json:"asserted"`
}

type lineResponse struct {
	Line     capability.Line `json:"line"`
	Asserted bool            `json:"asserted"`
}

func (s *Server) handleConsoleLine(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	line, err := capability.ParseLine(mux.Vars(r)["line"])
	if err != nil {
		respondError(w, r, err)

		return
	}

	var in lineRequest
	if err := decode(r, &in); err != nil {
		badRequest(w, r, err)

		return
	}

	if err := s.d.SetConsoleLine(r.Context(), id, line, in.Asserted); err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, lineResponse{Line: line, Asserted: in.Asserted})
}

type powerBody struct {
	On bool `json:"on"`
}

func (s *Server) handlePowerState(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	on, err := s.d.PowerState(r.Context(), id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, powerBody{On: on})
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	var in powerBody
	if err := decode(r, &in); err != nil {
		badRequest(w, r, err)

		return
	}

	if err := s.d.SetPower(r.Context(), id, in.On); err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, in)
}

type gpioLinesResponse struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleGpioLines(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	lines, err := s.d.GpioLines(id)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, gpioLinesResponse{Lines: lines})
}

type gpioBody struct {
	Line string `json:"line"`
	High bool   `json:"high"`
}

func (s *Server) handleGpioLevel(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	line := mux.Vars(r)["line"]

	high, err := s.d.GpioLevel(r.Context(), id, line)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, gpioBody{Line: line, High: high})
}

func (s *Server) handleSetGpio(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	var in gpioBody
	if err := decode(r, &in); err != nil {
		badRequest(w, r, err)

		return
	}

	in.Line = mux.Vars(r)["line"]

	if err := s.d.SetGpio(r.Context(), id, in.Line, in.High); err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, in)
}
