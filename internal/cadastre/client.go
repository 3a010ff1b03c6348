// Package cadastre queries the NSW Cadastre ArcGIS MapServer for lot
// boundaries.
package cadastre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"parcelgate/internal/geometry"
	"parcelgate/internal/metrics"
)

const (
	DefaultBaseURL = "https://maps.six.nsw.gov.au/arcgis/rest/services/public/NSW_Cadastre/MapServer"
	DefaultLayer   = 9

	maxResponseSize = 4 * 1024 * 1024
	circleSteps     = 64
	initialDelay    = 200 * time.Millisecond
	maxDelay        = 2 * time.Second
)

var (
	ErrStatus   = errors.New("cadastre: unexpected status")
	ErrResponse = errors.New("cadastre: malformed response")
	ErrBadID    = errors.New("cadastre: object id must be an integer")
)

type Options struct {
	BaseURL string
	Layer   int

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// Retries is the number of extra attempts after a failed request.
	Retries uint

	// RequestsPerSecond limits the request rate across all callers.
	// Zero disables the limit.
	RequestsPerSecond float64

	// MaxInFlight caps concurrent upstream requests across all callers.
	// Zero disables the cap.
	MaxInFlight int64

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client implements candidate search and detail fetch against one layer.
// It is safe for concurrent use.
type Client struct {
	baseURL  string
	layer    int
	http     *http.Client
	retries  uint
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		layer:   opts.Layer,
		http:    opts.HTTPClient,
		retries: opts.Retries,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.layer == 0 {
		c.layer = DefaultLayer
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if opts.MaxInFlight > 0 {
		c.inflight = semaphore.NewWeighted(opts.MaxInFlight)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

type arcgisError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type queryResponse struct {
	Features []struct {
		Attributes struct {
			ObjectID *int64 `json:"objectid"`
		} `json:"attributes"`
	} `json:"features"`
	Error *arcgisError `json:"error"`
}

type objectResponse struct {
	Feature *struct {
		Attributes struct {
			ObjectID    *int64 `json:"objectid"`
			LotIDString string `json:"lotidstring"`
		} `json:"attributes"`
		Geometry *struct {
			Rings [][][]float64 `json:"rings"`
		} `json:"geometry"`
	} `json:"feature"`
	Error *arcgisError `json:"error"`
}

// Find returns the ids of every lot intersecting a circle of rangeMeters
// around (lat, lon).
func (c *Client) Find(ctx context.Context, lat, lon, rangeMeters float64) ([]string, error) {
	geomType, geom, err := queryGeometry(lat, lon, rangeMeters)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"where":          {"1=1"},
		"geometry":       {geom},
		"geometryType":   {geomType},
		"inSR":           {"4326"},
		"spatialRel":     {"esriSpatialRelIntersects"},
		"outFields":      {"objectid"},
		"returnGeometry": {"false"},
		"f":              {"json"},
	}
	endpoint := fmt.Sprintf("%s/%d/query", c.baseURL, c.layer)

	body, err := c.do(ctx, "find", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrResponse, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: search: %d %s", ErrResponse, resp.Error.Code, resp.Error.Message)
	}
	if resp.Features == nil {
		return nil, fmt.Errorf("%w: search: missing features", ErrResponse)
	}

	ids := make([]string, 0, len(resp.Features))
	for i, f := range resp.Features {
		if f.Attributes.ObjectID == nil {
			return nil, fmt.Errorf("%w: search: feature %d has no objectid", ErrResponse, i)
		}
		ids = append(ids, strconv.FormatInt(*f.Attributes.ObjectID, 10))
	}

	c.logger.Debug("cadastre search",
		zap.Float64("lat", lat),
		zap.Float64("lon", lon),
		zap.Float64("range", rangeMeters),
		zap.Int("matches", len(ids)),
	)
	return ids, nil
}

// FetchDetail returns the lot boundary for id, reprojected from Web
// Mercator to WGS84.
func (c *Client) FetchDetail(ctx context.Context, id string) (*Parcel, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadID, id)
	}
	endpoint := fmt.Sprintf("%s/%d/%s?f=json", c.baseURL, c.layer, id)

	body, err := c.do(ctx, "detail", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, err
	}

	var resp objectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: object %s: %v", ErrResponse, id, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: object %s: %d %s", ErrResponse, id, resp.Error.Code, resp.Error.Message)
	}
	if resp.Feature == nil || resp.Feature.Attributes.ObjectID == nil || resp.Feature.Geometry == nil {
		return nil, fmt.Errorf("%w: object %s: missing feature, objectid or geometry", ErrResponse, id)
	}

	poly, err := mercatorRings(resp.Feature.Geometry.Rings)
	if err != nil {
		return nil, fmt.Errorf("%w: object %s: %v", ErrResponse, id, err)
	}

	return &Parcel{
		ID:       strconv.FormatInt(*resp.Feature.Attributes.ObjectID, 10),
		LotID:    resp.Feature.Attributes.LotIDString,
		Geometry: poly,
	}, nil
}

// do performs one logical upstream request, retrying transport errors and
// 5xx responses. newReq is called once per attempt.
func (c *Client) do(ctx context.Context, op string, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	if c.inflight != nil {
		if err := c.inflight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.inflight.Release(1)
	}

	var body []byte
	err := retry.Do(
		func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}
			req, err := newReq(ctx)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")

			start := time.Now()
			b, status, err := c.roundTrip(req)
			c.metrics.UpstreamRequest(op, status, time.Since(start))
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.retries+1),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(initialDelay),
		retry.MaxDelay(maxDelay),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("cadastre request failed, retrying",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("cadastre %s: %w", op, err)
	}
	return body, nil
}

func (c *Client) roundTrip(req *http.Request) ([]byte, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "error", err
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		if resp.StatusCode < 500 {
			return nil, status, retry.Unrecoverable(err)
		}
		return nil, status, err
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, status, err
	}
	return b, status, nil
}

type spatialReference struct {
	WKID int `json:"wkid"`
}

// queryGeometry builds the ArcGIS query geometry: a point for a zero range,
// otherwise a polygon approximating the search circle.
func queryGeometry(lat, lon, rangeMeters float64) (string, string, error) {
	sr := spatialReference{WKID: 4326}
	if rangeMeters <= 0 {
		b, err := json.Marshal(struct {
			X                float64          `json:"x"`
			Y                float64          `json:"y"`
			SpatialReference spatialReference `json:"spatialReference"`
		}{lon, lat, sr})
		return "esriGeometryPoint", string(b), err
	}

	circle := geometry.Circle(orb.Point{lon, lat}, rangeMeters, circleSteps)
	b, err := json.Marshal(struct {
		Rings            orb.Polygon      `json:"rings"`
		SpatialReference spatialReference `json:"spatialReference"`
	}{circle, sr})
	return "esriGeometryPolygon", string(b), err
}

func mercatorRings(rings [][][]float64) (orb.Polygon, error) {
	if len(rings) == 0 {
		return nil, errors.New("no rings")
	}
	poly := make(orb.Polygon, 0, len(rings))
	for i, r := range rings {
		// A closed linear ring needs at least four positions.
		if len(r) < 4 {
			return nil, fmt.Errorf("ring %d has %d positions", i, len(r))
		}
		ring := make(orb.Ring, 0, len(r))
		for j, pos := range r {
			if len(pos) != 2 {
				return nil, fmt.Errorf("ring %d position %d has %d coordinates", i, j, len(pos))
			}
			ring = append(ring, project.Mercator.ToWGS84(orb.Point{pos[0], pos[1]}))
		}
		poly = append(poly, ring)
	}
	return poly, nil
}
