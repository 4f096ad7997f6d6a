// Package pdu switches outlets through a pdudaemon HTTP listener.
package pdu

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	requestTimeout = 10 * time.Second
	maxErrorBody   = 512
)

type Options struct {
	// URL is the pdudaemon listener, e.g. http://localhost:16421.
	URL      string
	Hostname string
	Port     int
	Client   *http.Client
}

// Outlet is one pdu port. pdudaemon does not report outlet state, so the
// last commanded state is returned.
type Outlet struct {
	base   *url.URL
	host   string
	port   int
	client *http.Client

	mu    sync.Mutex
	known bool
	on    bool
}

func New(opts Options) (*Outlet, error) {
	base, err := url.Parse(opts.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: pdudaemon url %q", customerrors.ErrInvalidArgument, opts.URL)
	}

	if opts.Hostname == "" {
		return nil, fmt.Errorf("%w: pdu hostname is required", customerrors.ErrInvalidArgument)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: requestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Outlet{base: base, host: opts.Hostname, port: opts.Port, client: client}, nil
}

func (o *Outlet) Capabilities() capability.Set { return capability.NewSet(capability.Power) }

func (o *Outlet) SetPower(ctx context.Context, on bool) error {
	cmd := "off"
	if on {
		cmd = "on"
	}

	u := o.base.JoinPath("power", "control", cmd)
	u.RawQuery = url.Values{"hostname": {o.host}, "port": {strconv.Itoa(o.port)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build pdu request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return customerrors.FromContext(ctx, ctx.Err())
		}

		return customerrors.IO("pdu "+cmd, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return customerrors.IO("pdu "+cmd, fmt.Errorf("%s: %s", resp.Status, body))
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	o.mu.Lock()
	o.known, o.on = true, on
	o.mu.Unlock()

	return nil
}

func (o *Outlet) PowerState(context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.known {
		return false, fmt.Errorf("%w: %s port %d state is unknown until switched", customerrors.ErrUnsupported, o.host, o.port)
	}

	return o.on, nil
}

func (o *Outlet) Close() error {
	o.client.CloseIdleConnections()

	return nil
}
