package mrs

import "encoding/json"

// Request is a decoded MRS request. Exactly one field is set.
type Request struct {
	Add    *Record      `json:"add,omitempty"`
	Delete *Record      `json:"delete,omitempty"`
	Search *SearchQuery `json:"search,omitempty"`
}

// Record is an MRS entry as submitted with add or delete.
type Record struct {
	Lat          float64         `json:"lat"`
	Lon          float64         `json:"lon"`
	Ele          float64         `json:"ele"`
	Range        float64         `json:"range"`
	FOAD         bool            `json:"FOAD"`
	ServicePoint string          `json:"Service_Point"`
	Verification json.RawMessage `json:"verification,omitempty"`
}

// SearchQuery asks for entries within Range metres of (Lat, Lon).
type SearchQuery struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Ele   float64 `json:"ele"`
	Range float64 `json:"range"`
}

// Outcome is the result of a search. Matches is -1 when the search was
// rejected, otherwise len(Matching).
type Outcome struct {
	Matches  int           `json:"matches"`
	Matching []ResultEntry `json:"matching"`
}

// ResultEntry summarises one matching parcel.
type ResultEntry struct {
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Ele          float64 `json:"ele"`
	Range        float64 `json:"range"`
	FOAD         bool    `json:"FOAD"`
	ServicePoint string  `json:"Service_Point"`
}

type Response struct {
	Response Outcome `json:"response"`
}

// Rejected is the outcome of a search outside the operational boundary.
func Rejected() Outcome {
	return Outcome{Matches: -1, Matching: []ResultEntry{}}
}

// Valid reports whether the outcome satisfies the matches/matching
// invariant.
func (o Outcome) Valid() bool {
	if o.Matching == nil {
		return false
	}
	if o.Matches == -1 {
		return len(o.Matching) == 0
	}
	return o.Matches == len(o.Matching)
}
