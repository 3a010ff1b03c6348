// Package mrs answers Mixed Reality Service requests against the cadastre.
//
// Searches inside the operational boundary look up candidate parcel ids,
// fetch each parcel's detail with bounded concurrency and summarise every
// parcel as a coarse circle. Both upstream calls are memoized in a shared
// cache.Store, so a repeated search is served without upstream traffic and
// every returned service point can be dereferenced with Object.
package mrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"parcelgate/internal/cache"
	"parcelgate/internal/cadastre"
	"parcelgate/internal/geometry"
	"parcelgate/internal/memo"
	"parcelgate/internal/metrics"
	"parcelgate/internal/throttle"
)

const (
	DefaultConcurrency = 3

	FindSegment   = "findObjects"
	ObjectSegment = "object"

	coordDecimals = 6
	rangeFigures  = 1
)

type Geometry interface {
	Contains(boundary orb.Geometry, p orb.Point) bool
	Centroid(p orb.Polygon) orb.Point
	MaxVertexDistance(p orb.Polygon, from orb.Point) float64
}

type CandidateFinder interface {
	Find(ctx context.Context, lat, lon, rangeMeters float64) ([]string, error)
}

type DetailFetcher interface {
	FetchDetail(ctx context.Context, id string) (*cadastre.Parcel, error)
}

type Options struct {
	Cache    cache.Store
	Boundary orb.Geometry
	Finder   CandidateFinder
	Fetcher  DetailFetcher

	// Geometry defaults to geometry.Engine.
	Geometry Geometry

	// Concurrency bounds detail fetches per search. Defaults to
	// DefaultConcurrency.
	Concurrency int

	// TTL applies to both memoized calls. Defaults to memo.DefaultTTL.
	TTL time.Duration

	// Coalesce shares one upstream call between concurrent identical misses.
	Coalesce bool

	// PublicBaseURL prefixes minted service points.
	PublicBaseURL string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	cache       cache.Store
	boundary    orb.Geometry
	geometry    Geometry
	concurrency int
	baseURL     string
	logger      *zap.Logger
	metrics     *metrics.Metrics

	find      memo.Func[[]string]
	getObject memo.Func[*cadastre.Parcel]
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Cache == nil:
		return nil, errors.New("mrs: nil cache")
	case opts.Boundary == nil:
		return nil, errors.New("mrs: nil boundary")
	case opts.Finder == nil || opts.Fetcher == nil:
		return nil, errors.New("mrs: nil cadastre")
	case opts.Concurrency < 0:
		return nil, fmt.Errorf("mrs: invalid concurrency %d", opts.Concurrency)
	}

	base, err := url.Parse(opts.PublicBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("mrs: public base url must be absolute, got %q", opts.PublicBaseURL)
	}

	o := &Orchestrator{
		cache:       opts.Cache,
		boundary:    opts.Boundary,
		geometry:    opts.Geometry,
		concurrency: opts.Concurrency,
		baseURL:     strings.TrimRight(opts.PublicBaseURL, "/"),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if o.geometry == nil {
		o.geometry = geometry.Engine{}
	}
	if o.concurrency == 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	finder, fetcher := opts.Finder, opts.Fetcher
	o.find, err = memo.Wrap(func(ctx context.Context, args ...any) ([]string, error) {
		lat, lon, rng, err := searchArgs(args)
		if err != nil {
			return nil, err
		}
		return finder.Find(ctx, lat, lon, rng)
	}, memo.Options{
		Cache:    opts.Cache,
		Segment:  FindSegment,
		TTL:      opts.TTL,
		Coalesce: opts.Coalesce,
		Logger:   o.logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	o.getObject, err = memo.Wrap(func(ctx context.Context, args ...any) (*cadastre.Parcel, error) {
		id, err := objectID(args...)
		if err != nil {
			return nil, err
		}
		return fetcher.FetchDetail(ctx, id)
	}, memo.Options{
		Cache:    opts.Cache,
		Segment:  ObjectSegment,
		MakeKey:  objectID,
		TTL:      opts.TTL,
		Coalesce: opts.Coalesce,
		Logger:   o.logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return o, nil
}

// Handle runs one request. Add and delete are always denied; a search
// outside the boundary is rejected without any upstream call.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	set := 0
	for _, present := range []bool{req.Add != nil, req.Delete != nil, req.Search != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		o.metrics.RequestOutcome("invalid")
		return nil, ErrInvariant
	}

	switch {
	case req.Add != nil, req.Delete != nil:
		o.metrics.RequestOutcome("denied")
		return nil, ErrPolicyDenied
	case req.Search != nil:
		outcome, err := o.search(ctx, *req.Search)
		if err != nil {
			o.metrics.RequestOutcome("error")
			return nil, err
		}
		if !outcome.Valid() {
			o.metrics.RequestOutcome("invalid")
			return nil, fmt.Errorf("%w: matches %d with %d entries", ErrInvariant, outcome.Matches, len(outcome.Matching))
		}
		return &Response{Response: outcome}, nil
	}
	return nil, ErrInvariant
}

func (o *Orchestrator) search(ctx context.Context, q SearchQuery) (Outcome, error) {
	if !o.geometry.Contains(o.boundary, orb.Point{q.Lon, q.Lat}) {
		o.logger.Info("Search outside boundary", zap.Float64("lat", q.Lat), zap.Float64("lon", q.Lon))
		o.metrics.RequestOutcome("rejected")
		return Rejected(), nil
	}

	ids, err := o.find(ctx, q.Lat, q.Lon, q.Range)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: find objects: %w", ErrUpstream, err)
	}

	pairs, err := throttle.Pairs(ctx, ids, o.concurrency, func(ctx context.Context, id string) (*cadastre.Parcel, error) {
		return o.getObject(ctx, id)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: get object: %w", ErrUpstream, err)
	}

	matching := make([]ResultEntry, 0, len(pairs))
	for _, p := range pairs {
		if p.Result == nil || len(p.Result.Geometry) == 0 || len(p.Result.Geometry[0]) < 4 {
			return Outcome{}, fmt.Errorf("%w: object %s has no geometry", ErrUpstream, p.Item)
		}
		matching = append(matching, o.summarise(p.Item, p.Result.Geometry))
	}

	o.logger.Info("Search resolved",
		zap.Float64("lat", q.Lat),
		zap.Float64("lon", q.Lon),
		zap.Float64("range", q.Range),
		zap.Int("matches", len(matching)),
	)
	o.metrics.RequestOutcome("resolved")
	return Outcome{Matches: len(matching), Matching: matching}, nil
}

// summarise reduces a parcel to its centroid and a coarse radius.
func (o *Orchestrator) summarise(id string, poly orb.Polygon) ResultEntry {
	middle := o.geometry.Centroid(poly)
	radius := o.geometry.MaxVertexDistance(poly, middle)
	return ResultEntry{
		Lat:          geometry.RoundTo(middle.Lat(), coordDecimals),
		Lon:          geometry.RoundTo(middle.Lon(), coordDecimals),
		Ele:          0,
		Range:        geometry.SignificantFigures(radius, rangeFigures),
		FOAD:         false,
		ServicePoint: o.ServicePoint(id),
	}
}

// ServicePoint is the URI at which the cached detail of id is served.
func (o *Orchestrator) ServicePoint(id string) string {
	return o.baseURL + "/object/" + url.PathEscape(id)
}

// Object returns the cached detail behind a service point. It never calls
// upstream.
func (o *Orchestrator) Object(ctx context.Context, id string) (*cadastre.Parcel, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	entry, ok, err := o.cache.Get(ctx, cache.Key{Segment: ObjectSegment, ID: id})
	if err != nil {
		return nil, fmt.Errorf("mrs: object %s: %w", id, err)
	}
	o.metrics.CacheLookup(ObjectSegment, ok)
	if !ok {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, id)
	}

	var p *cadastre.Parcel
	if err := json.Unmarshal(entry.Item, &p); err != nil {
		return nil, fmt.Errorf("mrs: decode object %s: %w", id, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, id)
	}
	return p, nil
}

func searchArgs(args []any) (lat, lon, rng float64, err error) {
	if len(args) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: find objects takes lat, lon, range", ErrInvariant)
	}
	var ok [3]bool
	lat, ok[0] = args[0].(float64)
	lon, ok[1] = args[1].(float64)
	rng, ok[2] = args[2].(float64)
	if !ok[0] || !ok[1] || !ok[2] {
		return 0, 0, 0, fmt.Errorf("%w: find objects arguments must be float64", ErrInvariant)
	}
	return lat, lon, rng, nil
}

// objectID keys detail entries by the raw id so service points can read them.
func objectID(args ...any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: get object takes one id", ErrInvariant)
	}
	id, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: object id must be a string", ErrInvariant)
	}
	return id, nil
}
