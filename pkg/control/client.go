package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
)

// Client talks to a Server over its unix socket.
type Client struct {
	socket string
	http   *http.Client
}

func NewClient(socket string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{socket: socket, http: &http.Client{Transport: tr}}
}

// Reachable reports whether a server answers on socket.
func Reachable(ctx context.Context, socket string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := NewClient(socket).Status(ctx)
	return err == nil
}

func (c *Client) Status(ctx context.Context) (*state.State, error) {
	var st state.State
	if err := c.do(ctx, http.MethodGet, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Events(ctx context.Context) ([]events.Envelope, error) {
	var out []events.Envelope
	if err := c.do(ctx, http.MethodGet, "/events", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stop(ctx context.Context, service string) (*state.ServiceRecord, error) {
	var rec state.ServiceRecord
	if err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(service)+"/stop", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Start(ctx context.Context, service string) (*state.ServiceRecord, error) {
	var rec state.ServiceRecord
	if err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(service)+"/start", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil)
}

func (c *Client) Metrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://stackctl/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "control request")
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read metrics")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("metrics: %s", resp.Status)
	}
	return string(b), nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://stackctl"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "control request %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var eb errorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error != "" {
			return errors.Errorf("%s %s: %s", method, path, eb.Error)
		}
		return errors.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode control response")
}
