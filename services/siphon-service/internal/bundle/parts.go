package bundle

import "time"

// PerRequest is one paired request/response inside a bundle. Invariant holds
// the content that identical pairs hash identically on: the request and
// response bodies with requestId stripped, the response additionally without
// its expiry, plus the config descriptors. Expiry and config text ride
// alongside because they are stored in separate columns.
type PerRequest struct {
	RequestID      string
	Invariant      map[string]any
	ExpireTime     *time.Time
	ConfigText     string
	Customer       string
	UlsDataVersion string
	GeoDataVersion string
}

// Orphan is a request with no matching response, or the reverse. Its
// Invariant carries the single side only.
type Orphan struct {
	RequestID  string
	Invariant  map[string]any
	ExpireTime *time.Time
}

// Parts is the read-only decomposition of an assembled bundle.
type Parts struct {
	Key      string
	SourceID string
	RxTime   time.Time
	TxTime   time.Time

	// Outer request/response message JSON with the inquiry arrays removed.
	RxEnvelope map[string]any
	TxEnvelope map[string]any

	Requests   map[string]*PerRequest
	RequestIDs []string // batch order

	OrphanRequests  []Orphan
	OrphanResponses []Orphan
}

func (p *Parts) clone() *Parts {
	out := &Parts{
		Key:        p.Key,
		SourceID:   p.SourceID,
		RxTime:     p.RxTime,
		TxTime:     p.TxTime,
		RxEnvelope: cloneMap(p.RxEnvelope),
		TxEnvelope: cloneMap(p.TxEnvelope),
		Requests:   make(map[string]*PerRequest, len(p.Requests)),
		RequestIDs: append([]string(nil), p.RequestIDs...),
	}
	for id, pr := range p.Requests {
		out.Requests[id] = pr.clone()
	}
	for _, o := range p.OrphanRequests {
		out.OrphanRequests = append(out.OrphanRequests, o.clone())
	}
	for _, o := range p.OrphanResponses {
		out.OrphanResponses = append(out.OrphanResponses, o.clone())
	}
	return out
}

func (pr *PerRequest) clone() *PerRequest {
	out := *pr
	out.Invariant = cloneMap(pr.Invariant)
	if pr.ExpireTime != nil {
		t := *pr.ExpireTime
		out.ExpireTime = &t
	}
	return &out
}

func (o Orphan) clone() Orphan {
	out := o
	out.Invariant = cloneMap(o.Invariant)
	if o.ExpireTime != nil {
		t := *o.ExpireTime
		out.ExpireTime = &t
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
