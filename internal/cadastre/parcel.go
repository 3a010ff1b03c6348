package cadastre

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Parcel is a cadastral lot boundary in WGS84.
type Parcel struct {
	ID       string      `json:"id"`
	LotID    string      `json:"lotid,omitempty"`
	Geometry orb.Polygon `json:"geometry"`
}

// Feature renders the parcel as a GeoJSON feature.
func (p *Parcel) Feature() *geojson.Feature {
	f := geojson.NewFeature(p.Geometry)
	f.ID = p.ID
	f.Properties["lotid"] = p.LotID
	return f
}
