// Package gateway implements services.Gateway over HTTP and in process.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/presentation/controllers/dtos"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

const apiPrefix = "/layouts/api"

type HTTPOptions struct {
	Timeout         time.Duration
	RequestIDHeader string
	Authorization   string
	Client          *http.Client
}

// HTTPGateway talks to the layout API served by LayoutAPIController.
type HTTPGateway struct {
	baseURL         *url.URL
	httpClient      *http.Client
	dialer          *websocket.Dialer
	requestIDHeader string
	authorization   string
}

func NewHTTPGateway(baseURL string, opts HTTPOptions) (*HTTPGateway, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid layout gateway url: %q", baseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGateway{
		baseURL:         u,
		httpClient:      client,
		dialer:          &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: timeout},
		requestIDHeader: opts.RequestIDHeader,
		authorization:   strings.TrimSpace(opts.Authorization),
	}, nil
}

type request struct {
	method      string
	path        string
	body        any
	contentType string
	header      http.Header
}

func (g *HTTPGateway) do(ctx context.Context, req request, out any) (int, *dtos.APIError, error) {
	ctx, span := otel.Tracer("layouts.gateway").Start(ctx, req.method+" "+req.path)
	defer span.End()

	u := *g.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + req.path

	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		contentType := req.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if g.requestIDHeader != "" {
		httpReq.Header.Set(g.requestIDHeader, uuid.NewString())
	}
	if g.authorization != "" {
		httpReq.Header.Set("Authorization", g.authorization)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %s %s: %s", services.ErrNetworkFailure, req.method, req.path, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read response: %s", services.ErrNetworkFailure, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		var apiErr dtos.APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && strings.TrimSpace(apiErr.Code) != "" {
			return resp.StatusCode, &apiErr, nil
		}
		return resp.StatusCode, &dtos.APIError{
			Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message: strings.TrimSpace(string(respBody)),
		}, nil
	}

	if out == nil || len(respBody) == 0 {
		return resp.StatusCode, nil, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "unmarshal response")
	}
	return resp.StatusCode, nil, nil
}

// classify maps a non-2xx response onto the gateway error taxonomy.
func classify(status int, apiErr *dtos.APIError, regionID string, expected int64) error {
	switch {
	case status == http.StatusConflict:
		conflict := &services.VersionConflictError{RegionID: regionID, Expected: expected, Remote: apiErr.Region}
		if apiErr.Region != nil {
			conflict.Actual = apiErr.Region.Version
		} else if actual, err := strconv.ParseInt(apiErr.Meta["actual"], 10, 64); err == nil {
			conflict.Actual = actual
		}
		return conflict
	case status == http.StatusNotFound && apiErr.Code == services.ErrUnknownRole.Code:
		return fmt.Errorf("%w: %s", services.ErrUnknownRole, apiErr.Message)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", services.ErrNotFound, apiErr.Message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if apiErr.Code == services.ErrRegionLocked.Code {
			return fmt.Errorf("%w: %w", services.ErrValidationRejected, services.ErrRegionLocked)
		}
		return fmt.Errorf("%w: %s", services.ErrValidationRejected, apiErr.Message)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", services.ErrNetworkFailure, status, apiErr.Message)
	default:
		return apiErr
	}
}

func regionPath(layoutID string, parts ...string) string {
	p := "/layouts/" + url.PathEscape(layoutID) + "/regions"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (g *HTTPGateway) List(ctx context.Context, layoutID string) ([]region.Remote, error) {
	var out dtos.RegionsResponse
	status, apiErr, err := g.do(ctx, request{method: http.MethodGet, path: regionPath(layoutID)}, &out)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, classify(status, apiErr, "", 0)
	}
	if out.Regions == nil {
		out.Regions = []region.Remote{}
	}
	return out.Regions, nil
}

func (g *HTTPGateway) Create(ctx context.Context, layoutID string, req services.CreateRequest) (region.Remote, error) {
	var out region.Remote
	status, apiErr, err := g.do(ctx, request{method: http.MethodPost, path: regionPath(layoutID), body: req}, &out)
	if err != nil {
		return region.Remote{}, err
	}
	if apiErr != nil {
		return region.Remote{}, classify(status, apiErr, "", 0)
	}
	return out, nil
}

func (g *HTTPGateway) Update(ctx context.Context, layoutID, regionID string, patch region.Patch, expectedVersion int64) (region.Remote, error) {
	var out region.Remote
	status, apiErr, err := g.do(ctx, request{
		method:      http.MethodPatch,
		path:        regionPath(layoutID, regionID),
		body:        patch,
		contentType: dtos.MergePatchContentType,
		header:      http.Header{dtos.VersionHeader: []string{dtos.FormatVersion(expectedVersion)}},
	}, &out)
	if err != nil {
		return region.Remote{}, err
	}
	if apiErr != nil {
		return region.Remote{}, classify(status, apiErr, regionID, expectedVersion)
	}
	return out, nil
}

func (g *HTTPGateway) Delete(ctx context.Context, layoutID, regionID string) error {
	status, apiErr, err := g.do(ctx, request{method: http.MethodDelete, path: regionPath(layoutID, regionID)}, nil)
	if err != nil {
		return err
	}
	if apiErr != nil {
		return classify(status, apiErr, regionID, 0)
	}
	return nil
}

func (g *HTTPGateway) Reorder(ctx context.Context, layoutID string, orderedIDs []string) error {
	status, apiErr, err := g.do(ctx, request{
		method: http.MethodPost,
		path:   regionPath(layoutID) + ":reorder",
		body:   dtos.ReorderRequest{IDs: orderedIDs},
	}, nil)
	if err != nil {
		return err
	}
	if apiErr != nil {
		return classify(status, apiErr, "", 0)
	}
	return nil
}

func (g *HTTPGateway) RoleDefaults(ctx context.Context, role string) ([]region.Template, error) {
	var out dtos.TemplatesResponse
	status, apiErr, err := g.do(ctx, request{method: http.MethodGet, path: "/roles/" + url.PathEscape(role) + "/defaults"}, &out)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, classify(status, apiErr, "", 0)
	}
	return out.Regions, nil
}

func (g *HTTPGateway) Link(ctx context.Context, layoutID, regionID string, link region.Linkage) error {
	status, apiErr, err := g.do(ctx, request{method: http.MethodPut, path: regionPath(layoutID, regionID, "link"), body: link}, nil)
	if err != nil {
		return err
	}
	if apiErr != nil {
		return classify(status, apiErr, regionID, 0)
	}
	return nil
}

func (g *HTTPGateway) Unlink(ctx context.Context, layoutID, regionID string) error {
	status, apiErr, err := g.do(ctx, request{method: http.MethodDelete, path: regionPath(layoutID, regionID, "link")}, nil)
	if err != nil {
		return err
	}
	if apiErr != nil {
		return classify(status, apiErr, regionID, 0)
	}
	return nil
}

var _ services.Gateway = (*HTTPGateway)(nil)
