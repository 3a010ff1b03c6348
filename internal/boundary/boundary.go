// Package boundary loads the operational area searches are limited to.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"go.uber.org/zap"
)

const (
	DefaultURL = "http://data.gov.au/geoserver/nsw-state-boundary/wfs?outputFormat=json&request=GetFeature&typeName=a1b278b1_59ef_4dea_8468_50eb09967f18"
	DefaultPID = 12624

	// DefaultTolerance is roughly one kilometre expressed in degrees.
	DefaultTolerance = 1.0 / 110

	pidProperty     = "st_ply_pid"
	maxResponseSize = 256 * 1024 * 1024
)

var (
	ErrNoMatch  = errors.New("boundary: no single matching feature")
	ErrGeometry = errors.New("boundary: feature is not a polygon or multipolygon")
)

type Options struct {
	// URL is the WFS GetFeature endpoint returning a GeoJSON FeatureCollection.
	URL string

	// File caches the unsimplified feature between runs. When empty the
	// boundary is fetched on every load.
	File string

	PID       int64
	Tolerance float64
	Retries   uint

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Boundary is the simplified operational area.
type Boundary struct {
	Feature  *geojson.Feature
	Geometry orb.Geometry
	Bound    orb.Bound
}

// Load returns the boundary from opts.File, fetching and writing it first
// when the file does not exist. Any other read error is returned.
func Load(ctx context.Context, opts Options) (*Boundary, error) {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.PID == 0 {
		opts.PID = DefaultPID
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	feature, err := readCached(opts.File)
	switch {
	case err == nil:
		opts.Logger.Info("Loaded cached boundary", zap.String("file", opts.File))
	case errors.Is(err, fs.ErrNotExist):
		opts.Logger.Info("Fetching boundary", zap.String("url", opts.URL), zap.Int64("pid", opts.PID))
		feature, err = fetch(ctx, opts)
		if err != nil {
			return nil, err
		}
		if opts.File != "" {
			if err := writeCached(opts.File, feature); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	return simplified(feature, opts.Tolerance), nil
}

func readCached(path string) (*geojson.Feature, error) {
	if path == "" {
		return nil, fs.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return nil, fmt.Errorf("boundary: cached feature %s: %w", path, err)
	}
	if err := checkGeometry(f); err != nil {
		return nil, err
	}
	return f, nil
}

func writeCached(path string, f *geojson.Feature) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create boundary directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write boundary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write boundary: %w", err)
	}
	return nil
}

func fetch(ctx context.Context, opts Options) (*geojson.Feature, error) {
	var data []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := opts.HTTPClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("boundary: unexpected status %d", resp.StatusCode)
				if resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			data, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(opts.Retries+1),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			opts.Logger.Warn("Boundary fetch failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("boundary: feature collection: %w", err)
	}

	var matches []*geojson.Feature
	for _, f := range fc.Features {
		if matchesPID(f.Properties[pidProperty], opts.PID) {
			matches = append(matches, f)
		}
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("%w: %d features with %s == %d", ErrNoMatch, len(matches), pidProperty, opts.PID)
	}
	if err := checkGeometry(matches[0]); err != nil {
		return nil, err
	}
	return matches[0], nil
}

// matchesPID compares loosely: GeoServer emits the id as a number but older
// exports carry it as a string.
func matchesPID(v any, pid int64) bool {
	switch x := v.(type) {
	case float64:
		return x == float64(pid)
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return err == nil && n == pid
	case json.Number:
		n, err := x.Int64()
		return err == nil && n == pid
	}
	return false
}

func checkGeometry(f *geojson.Feature) error {
	switch f.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return nil
	}
	return ErrGeometry
}

func simplified(f *geojson.Feature, tolerance float64) *Boundary {
	g := simplify.DouglasPeucker(tolerance).Simplify(orb.Clone(f.Geometry))
	bound := g.Bound()

	out := geojson.NewFeature(g)
	out.ID = f.ID
	for k, v := range f.Properties {
		out.Properties[k] = v
	}
	out.BBox = geojson.NewBBox(bound)

	return &Boundary{Feature: out, Geometry: g, Bound: bound}
}
