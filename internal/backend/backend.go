// Package backend checks that the device backend answers before a
// firmware image is built for it.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pillmate/devicecfg/internal/configuration"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pillmate/devicecfg/internal/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	pkgName = "internal/backend"

	// health responses are a handful of fields
	maxBodyBytes = 64 << 10
)

var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendUnhealthy   = errors.New("backend unhealthy")
)

// HealthStatus is the unauthenticated answer of the health function.
type HealthStatus struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

type Option func(*Client)

// WithTransport sets the round tripper wrapped by the tracing transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// Client talks to the backend named in a device record.
type Client struct {
	device    model.Device
	opts      *configuration.ProbeOptions
	transport http.RoundTripper
	client    *retryablehttp.Client
}

// NewClient returns a client for dev. The device record is checked on
// every call, not here, so an unprovisioned record can still be reported.
func NewClient(dev model.Device, opts *configuration.ProbeOptions, logger *logrus.Logger, options ...Option) *Client {
	c := &Client{
		device:    dev,
		opts:      opts,
		transport: http.DefaultTransport,
	}

	for _, opt := range options {
		opt(c)
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(c.transport),
	}

	if logger != nil {
		client.Logger = logger
	}

	c.client = client

	return c
}

// Health queries the backend health function. It returns ErrUnprovisioned
// without touching the network when the device record is not usable.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	if err := c.device.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := url.JoinPath(c.device.BackendURL(), c.opts.Path)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidBackendURL, err.Error())
	}

	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"backend.Health",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("device.serial", c.device.Serial())),
	)
	defer span.End()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build health request")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", model.AppName+"/"+version.Current().AppVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnreachable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnreachable, "read body: "+err.Error())
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errors.Wrapf(ErrBackendUnhealthy, "%s returned %s", endpoint, resp.Status)
	}

	status := &HealthStatus{}
	if err := json.Unmarshal(body, status); err != nil {
		return nil, errors.Wrap(ErrBackendUnhealthy, "decode health response: "+err.Error())
	}

	if !status.OK {
		return status, errors.Wrap(ErrBackendUnhealthy, "health reported not ok")
	}

	return status, nil
}
