package mrs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
)

// Wire forms use pointers so that missing keys can be told apart from zero
// values.
type wireRequest struct {
	Add    *wireRecord `json:"add"`
	Delete *wireRecord `json:"delete"`
	Search *wireSearch `json:"search"`
}

type wireRecord struct {
	Lat          *float64        `json:"lat"`
	Lon          *float64        `json:"lon"`
	Ele          *float64        `json:"ele"`
	Range        *float64        `json:"range"`
	FOAD         *bool           `json:"FOAD"`
	ServicePoint *string         `json:"Service_Point"`
	Verification json.RawMessage `json:"verification"`
}

type wireSearch struct {
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Ele   *float64 `json:"ele"`
	Range *float64 `json:"range"`
}

const (
	minLat, maxLat     = -90, 90
	minLon, maxLon     = -180, 180
	minEle, maxEle     = -180, 180
	minRange, maxRange = 0, 1000000
)

// DecodeRequest reads one MRS request from r. Unknown keys, missing keys,
// out of range values and trailing data are reported as ErrValidation.
func DecodeRequest(r io.Reader) (Request, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		if errors.Is(err, io.EOF) {
			return Request{}, fmt.Errorf("%w: empty body", ErrValidation)
		}
		return Request{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Request{}, fmt.Errorf("%w: unexpected data after request", ErrValidation)
	}

	set := 0
	for _, present := range []bool{w.Add != nil, w.Delete != nil, w.Search != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return Request{}, fmt.Errorf("%w: request must contain exactly one of \"add\", \"delete\", \"search\"", ErrValidation)
	}

	var req Request
	var err error
	switch {
	case w.Add != nil:
		req.Add, err = w.Add.record("add")
	case w.Delete != nil:
		req.Delete, err = w.Delete.record("delete")
	case w.Search != nil:
		req.Search, err = w.Search.query()
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

func (w *wireSearch) query() (*SearchQuery, error) {
	if err := firstError(
		number("search.lat", w.Lat, minLat, maxLat),
		number("search.lon", w.Lon, minLon, maxLon),
		number("search.ele", w.Ele, minEle, maxEle),
		number("search.range", w.Range, minRange, maxRange),
	); err != nil {
		return nil, err
	}
	return &SearchQuery{Lat: *w.Lat, Lon: *w.Lon, Ele: *w.Ele, Range: *w.Range}, nil
}

func (w *wireRecord) record(tag string) (*Record, error) {
	if err := firstError(
		number(tag+".lat", w.Lat, minLat, maxLat),
		number(tag+".lon", w.Lon, minLon, maxLon),
		number(tag+".ele", w.Ele, minEle, maxEle),
		number(tag+".range", w.Range, minRange, maxRange),
		required(tag+".FOAD", w.FOAD != nil),
		uri(tag+".Service_Point", w.ServicePoint),
	); err != nil {
		return nil, err
	}
	return &Record{
		Lat:          *w.Lat,
		Lon:          *w.Lon,
		Ele:          *w.Ele,
		Range:        *w.Range,
		FOAD:         *w.FOAD,
		ServicePoint: *w.ServicePoint,
		Verification: w.Verification,
	}, nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func required(field string, present bool) error {
	if !present {
		return fmt.Errorf("%w: %q is required", ErrValidation, field)
	}
	return nil
}

func number(field string, v *float64, lo, hi float64) error {
	if v == nil {
		return required(field, false)
	}
	if *v < lo {
		return fmt.Errorf("%w: %q must be larger than or equal to %g", ErrValidation, field, lo)
	}
	if *v > hi {
		return fmt.Errorf("%w: %q must be less than or equal to %g", ErrValidation, field, hi)
	}
	return nil
}

func uri(field string, v *string) error {
	if v == nil {
		return required(field, false)
	}
	u, err := url.Parse(*v)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: %q must be a valid uri", ErrValidation, field)
	}
	return nil
}
