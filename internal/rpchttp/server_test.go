package rpchttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/board"
	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/console"
	"github.com/bavix/boardfarm/internal/dispatch"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/flash/block"
	"github.com/bavix/boardfarm/internal/hardware/sim"
	"github.com/bavix/boardfarm/internal/registry"
	"github.com/bavix/boardfarm/internal/rpchttp"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type farm struct {
	reg *registry.Registry
	d   *dispatch.Dispatcher
	srv *httptest.Server
}

type farmOption func(*config.HTTPConfig, *auth.Service) *auth.Service

func withAuth(t *testing.T) farmOption {
	t.Helper()

	return func(_ *config.HTTPConfig, _ *auth.Service) *auth.Service {
		svc, err := auth.NewService(config.AuthConfig{JWTSecret: testSecret, Issuer: "boardfarm", TokenTTL: time.Hour})
		require.NoError(t, err)

		return svc
	}
}

func withRateLimit(rps float64, burst int) farmOption {
	return func(cfg *config.HTTPConfig, svc *auth.Service) *auth.Service {
		cfg.RateLimit = config.RateLimitConfig{RPS: rps, Burst: burst}

		return svc
	}
}

func newFarm(t *testing.T, boards []config.BoardConfig, opts ...farmOption) *farm {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New()

	engine := flash.NewEngine(reg, flash.Options{}, block.New())
	d := dispatch.New(reg, console.NewHub(ctx, 0), engine, nil)

	var (
		cfg config.HTTPConfig
		svc *auth.Service
	)

	for _, o := range opts {
		svc = o(&cfg, svc)
	}

	s := rpchttp.NewServer(cfg, d, board.NewManager(d, boards), svc)
	srv := httptest.NewServer(s.Handler(ctx))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		reg.Close()
	})

	return &farm{reg: reg, d: d, srv: srv}
}

func (f *farm) add(t *testing.T, name string, inst capability.Instance, tags registry.Tags) registry.ID {
	t.Helper()

	d, err := f.reg.Register(registry.Spec{Name: name, Instance: inst, Tags: tags})
	require.NoError(t, err)

	return d.ID
}

func (f *farm) do(t *testing.T, method, path, token string, body io.Reader) (int, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, body)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, out
}

func (f *farm) json(t *testing.T, method, path string, in any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		require.NoError(t, err)

		body = bytes.NewReader(b)
	}

	return f.do(t, method, path, "", body)
}

func (f *farm) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}

	return conn, resp, err
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()

	var e rpchttp.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))

	return e.Kind
}

func boardCaps() capability.Set {
	return capability.NewSet(capability.Console, capability.Power, capability.Gpio)
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		customerrors.KindNotFound:         http.StatusNotFound,
		customerrors.KindUnsupported:      http.StatusNotImplemented,
		customerrors.KindBusy:             http.StatusConflict,
		customerrors.KindProtocolMismatch: http.StatusUnprocessableEntity,
		customerrors.KindTimeout:          http.StatusGatewayTimeout,
		customerrors.KindIO:               http.StatusBadGateway,
		customerrors.KindDeviceRemoved:    http.StatusBadGateway,
		customerrors.KindCancelled:        rpchttp.StatusClientClosedRequest,
		customerrors.KindInvalidArgument:  http.StatusBadRequest,
		customerrors.KindInternal:         http.StatusInternalServerError,
	}

	for kind, want := range tests {
		assert.Equal(t, want, rpchttp.HTTPStatus(kind), kind)
	}
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	f.add(t, "rock5", sim.NewBoard(boardCaps(), "recovery"), registry.Tags{"board": "rock5"})
	f.add(t, "disk", sim.NewBlock(4096), registry.Tags{"board": "other"})

	status, body := f.json(t, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, status)

	var all struct {
		Devices []dispatch.DeviceView `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all.Devices, 2)

	status, body = f.json(t, http.MethodGet, "/api/v1/devices?tag=board=rock5&capability=power", nil)
	require.Equal(t, http.StatusOK, status)

	var filtered struct {
		Devices []dispatch.DeviceView `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(body, &filtered))
	require.Len(t, filtered.Devices, 1)
	assert.Equal(t, "rock5", filtered.Devices[0].Name)

	status, body = f.json(t, http.MethodGet, "/api/v1/devices?capability=teleport", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, customerrors.KindInvalidArgument, errorKind(t, body))
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	disk := f.add(t, "disk", sim.NewBlock(4096), nil)

	status, body := f.json(t, http.MethodGet, "/api/v1/devices/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, customerrors.KindNotFound, errorKind(t, body))

	status, body = f.json(t, http.MethodPut, "/api/v1/devices/"+disk.String()+"/power", map[string]bool{"on": true})
	assert.Equal(t, http.StatusNotImplemented, status)
	assert.Equal(t, customerrors.KindUnsupported, errorKind(t, body))

	status, body = f.json(t, http.MethodPut, "/api/v1/devices/"+disk.String()+"/power", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, customerrors.KindInvalidArgument, errorKind(t, body))

	status, body = f.json(t, http.MethodGet, "/api/v1/devices/"+disk.String()+"/regions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"disk"`)
}

func TestPowerGpioAndConsoleControl(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	dut := sim.NewBoard(boardCaps(), "recovery")
	id := f.add(t, "rock5", dut, nil)
	base := "/api/v1/devices/" + id.String()

	status, _ := f.json(t, http.MethodPut, base+"/power", map[string]bool{"on": true})
	require.Equal(t, http.StatusOK, status)

	status, body := f.json(t, http.MethodGet, base+"/power", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"on":true}`, string(body))

	status, _ = f.json(t, http.MethodPut, base+"/gpio/recovery", map[string]bool{"high": true})
	require.Equal(t, http.StatusOK, status)

	status, body = f.json(t, http.MethodGet, base+"/gpio/recovery", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"line":"recovery","high":true}`, string(body))

	status, body = f.json(t, http.MethodGet, base+"/gpio", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"lines":["recovery"]}`, string(body))

	status, _ = f.json(t, http.MethodPut, base+"/console/config", map[string]int{"baud_rate": 1500000})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1500000, dut.BaudRate())

	status, _ = f.json(t, http.MethodPut, base+"/console/lines/dtr", map[string]bool{"asserted": true})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, dut.LineState(capability.LineDTR))

	status, body = f.json(t, http.MethodPut, base+"/console/lines/cts", map[string]bool{"asserted": true})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, customerrors.KindInvalidArgument, errorKind(t, body))

	status, body = f.do(t, http.MethodPost, base+"/console", "", strings.NewReader("reboot\n"))
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"written":7}`, string(body))
	assert.Equal(t, []byte("reboot\n"), dut.Written())
}

func TestConsoleWriteWhileLeased(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	id := f.add(t, "rock5", sim.NewBoard(boardCaps()), nil)

	in, err := f.d.OpenConsoleInput(context.Background(), id)
	require.NoError(t, err)

	defer in.Close()

	status, body := f.do(t, http.MethodPost, "/api/v1/devices/"+id.String()+"/console", "", strings.NewReader("x"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, customerrors.KindBusy, errorKind(t, body))

	status, body = f.json(t, http.MethodGet, "/api/v1/devices/"+id.String(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), dispatch.HolderConsoleInput)
}

func TestFlashBlocking(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	disk := sim.NewBlock(8192)
	id := f.add(t, "disk", disk, nil)

	image := bytes.Repeat([]byte("boardfarm"), 300)

	status, body := f.do(t, http.MethodPost, "/api/v1/devices/"+id.String()+"/flash?protocol=block&region=disk",
		"", bytes.NewReader(image))
	require.Equal(t, http.StatusOK, status, string(body))

	var st flash.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, flash.StateDone, st.State)
	assert.Equal(t, int64(len(image)), st.Transferred)
	assert.Equal(t, image, disk.Bytes()[:len(image)])

	status, body = f.json(t, http.MethodGet, "/api/v1/flash/"+st.ID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"state":"done"`)

	status, body = f.do(t, http.MethodPost, "/api/v1/devices/"+id.String()+"/flash?protocol=xmodem",
		"", bytes.NewReader(image))
	assert.Equal(t, http.StatusNotImplemented, status)
	assert.Equal(t, customerrors.KindUnsupported, errorKind(t, body))
}

func TestFlashFailureStatus(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	disk := sim.NewBlock(8192)
	disk.FailAfter = 512
	id := f.add(t, "disk", disk, nil)

	status, body := f.do(t, http.MethodPost, "/api/v1/devices/"+id.String()+"/flash?protocol=block",
		"", bytes.NewReader(make([]byte, 4096)))
	assert.Equal(t, http.StatusBadGateway, status)

	var st flash.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, flash.StateFailed, st.State)
	assert.Equal(t, customerrors.KindIO, st.ErrorKind)
}

func TestFlashSessionLookup(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)

	status, body := f.json(t, http.MethodGet, "/api/v1/flash/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, customerrors.KindInvalidArgument, errorKind(t, body))

	status, body = f.json(t, http.MethodDelete, "/api/v1/flash/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, customerrors.KindNotFound, errorKind(t, body))

	status, body = f.json(t, http.MethodGet, "/api/v1/flash", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), block.Name)
}

func TestBoardMode(t *testing.T) {
	t.Parallel()

	boards := []config.BoardConfig{{
		Name:  "rock5",
		Match: map[string]string{"board": "rock5"},
		Modes: []config.ModeConfig{{
			Name:     "run",
			Sequence: []config.StepConfig{{Action: config.ActionPowerOn}},
		}},
	}}

	f := newFarm(t, boards)
	dut := sim.NewBoard(boardCaps())
	f.add(t, "rock5", dut, registry.Tags{"board": "rock5"})

	status, body := f.json(t, http.MethodPut, "/api/v1/boards/rock5/mode", map[string]string{"mode": "run"})
	require.Equal(t, http.StatusOK, status, string(body))

	var v board.View
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, "run", v.Current)

	on, err := dut.PowerState(context.Background())
	require.NoError(t, err)
	assert.True(t, on)

	status, body = f.json(t, http.MethodPut, "/api/v1/boards/rock5/mode", map[string]string{"mode": "flying"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, customerrors.KindNotFound, errorKind(t, body))

	status, _ = f.json(t, http.MethodPut, "/api/v1/boards/rock5/mode", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.json(t, http.MethodGet, "/api/v1/boards", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"current_mode":"run"`)
}

func TestAuthorization(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil, withAuth(t))
	id := f.add(t, "rock5", sim.NewBoard(boardCaps()), nil)

	svc, err := auth.NewService(config.AuthConfig{JWTSecret: testSecret, Issuer: "boardfarm", TokenTTL: time.Hour})
	require.NoError(t, err)

	viewer, _, err := svc.IssueToken("ci", auth.RoleNameViewer, time.Hour)
	require.NoError(t, err)

	operator, _, err := svc.IssueToken("alice", auth.RoleNameOperator, time.Hour)
	require.NoError(t, err)

	power := "/api/v1/devices/" + id.String() + "/power"

	status, _ := f.do(t, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/devices", viewer, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPut, power, viewer, strings.NewReader(`{"on":true}`))
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, http.MethodPut, power, operator, strings.NewReader(`{"on":true}`))
	assert.Equal(t, http.StatusOK, status)

	status, body := f.do(t, http.MethodGet, "/api/v1/auth/whoami", operator, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"subject":"alice"`)

	_, resp, err := f.dial(t, "/ws/devices")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := f.dial(t, "/ws/devices?access_token="+viewer)
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, resp, err = f.dial(t, "/ws/devices/"+id.String()+"/console?input=1&access_token="+viewer)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil, withRateLimit(0.001, 1))

	status, _ := f.json(t, http.MethodGet, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.json(t, http.MethodGet, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestConsoleWebSocket(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	dut := sim.NewBoard(boardCaps())
	id := f.add(t, "rock5", dut, nil)
	path := "/ws/devices/" + id.String() + "/console"

	conn, _, err := f.dial(t, path+"?input=1")
	require.NoError(t, err)

	watcher, _, err := f.dial(t, path)
	require.NoError(t, err)

	_, resp, err := f.dial(t, path+"?input=1")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("uname -a\n")))
	assert.Eventually(t, func() bool {
		return bytes.Equal(dut.Written(), []byte("uname -a\n"))
	}, 2*time.Second, 10*time.Millisecond)

	go dut.Emit([]byte("Linux rock5\n"))

	for _, c := range []*websocket.Conn{conn, watcher} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

		var got []byte
		for len(got) < len("Linux rock5\n") {
			mt, data, err := c.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, websocket.BinaryMessage, mt)

			got = append(got, data...)
		}

		assert.Equal(t, "Linux rock5\n", string(got))
	}

	f.reg.Deregister(id)

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, _, err = watcher.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestDevicesWebSocket(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	f.add(t, "first", sim.NewBlock(512), nil)

	conn, _, err := f.dial(t, "/ws/devices")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var snap rpchttp.DeviceEvent
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Kind)
	require.Len(t, snap.Devices, 1)

	id := f.add(t, "second", sim.NewBlock(512), nil)

	var ev rpchttp.DeviceEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, string(registry.EventAdded), ev.Kind)
	require.NotNil(t, ev.Device)
	assert.Equal(t, id, ev.Device.ID)
}

func TestFlashWebSocket(t *testing.T) {
	t.Parallel()

	f := newFarm(t, nil)
	disk := sim.NewBlock(8192)
	id := f.add(t, "disk", disk, nil)

	conn, _, err := f.dial(t, "/ws/devices/"+id.String()+"/flash?protocol=block&verify=true")
	require.NoError(t, err)

	image := bytes.Repeat([]byte{0x5a}, 3000)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, image[:1000]))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, image[1000:]))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(rpchttp.FlashCommandEnd)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var st flash.Status
	for !st.State.Terminal() {
		require.NoError(t, conn.ReadJSON(&st))
	}

	assert.Equal(t, flash.StateDone, st.State)
	assert.Equal(t, int64(len(image)), st.Transferred)
	assert.Equal(t, image, disk.Bytes()[:len(image)])

	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestBoardWebSocket(t *testing.T) {
	t.Parallel()

	boards := []config.BoardConfig{{
		Name:  "rock5",
		Match: map[string]string{"board": "rock5"},
		Modes: []config.ModeConfig{{
			Name:     "run",
			Sequence: []config.StepConfig{{Action: config.ActionPowerOn}},
		}},
	}}

	f := newFarm(t, boards)
	id := f.add(t, "rock5", sim.NewBoard(boardCaps()), registry.Tags{"board": "rock5"})

	_, resp, err := f.dial(t, "/ws/boards/rpi4")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := f.dial(t, "/ws/boards/rock5")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	next := func(match func(board.View) bool) board.View {
		t.Helper()

		for {
			var v board.View
			require.NoError(t, conn.ReadJSON(&v))

			if match(v) {
				return v
			}
		}
	}

	first := next(func(board.View) bool { return true })
	assert.Equal(t, []registry.ID{id}, first.Devices)
	assert.True(t, first.Modes[0].Available)

	status, body := f.json(t, http.MethodPut, "/api/v1/boards/rock5/mode", map[string]string{"mode": "run"})
	require.Equal(t, http.StatusOK, status, string(body))

	next(func(v board.View) bool { return v.Current == "run" })

	require.True(t, f.reg.Deregister(id))

	gone := next(func(v board.View) bool { return len(v.Devices) == 0 })
	assert.False(t, gone.Modes[0].Available)
}
