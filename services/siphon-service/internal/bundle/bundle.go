// Package bundle reassembles asynchronously-arriving request, response and
// config envelopes that share a correlation key into one storage-ready unit.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/envelope"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

// UniversalIndex is the config slot that applies to every request in the
// batch when the producer sent no explicit requestIndexes.
const UniversalIndex = -1

const (
	requestListField  = "availableSpectrumInquiryRequests"
	responseListField = "availableSpectrumInquiryResponses"
	requestIDField    = "requestId"
	expireTimeField   = "availabilityExpireTime"
)

type configData struct {
	customer string
	geo      string
	uls      string
	text     string // the config payload, still serialized
}

// Bundle accumulates the envelopes for one correlation key. All mutation
// goes through Update; once TakeApart has run the decomposition is frozen.
type Bundle struct {
	key      string
	request  *envelope.Envelope
	response *envelope.Envelope

	reqOuter map[string]any // request payload minus the inquiry array
	reqList  []any
	rspOuter map[string]any
	rspList  []any

	configs   map[int]*configData
	positions []stream.Position

	lastUpdate time.Time
	assembled  bool
	parts      *Parts // memoized TakeApart result

	heapIndex int // maintained by Store
}

func newBundle(key string, now time.Time) *Bundle {
	return &Bundle{
		key:        key,
		configs:    make(map[int]*configData),
		lastUpdate: now,
		heapIndex:  -1,
	}
}

func (b *Bundle) Key() string { return b.key }

func (b *Bundle) Assembled() bool { return b.assembled }

func (b *Bundle) LastUpdate() time.Time { return b.lastUpdate }

func (b *Bundle) Positions() []stream.Position { return b.positions }

// RequestCount is the number of requests in the batch, 0 until the Request
// envelope has arrived. Downstream flush batching is capped on this number.
func (b *Bundle) RequestCount() int { return len(b.reqList) }

// Update routes one envelope into the bundle. The returned bool reports
// whether the envelope's content was stored: duplicates are dropped
// first-writer-wins, and an already assembled bundle only records the
// position so the offset can still be committed when the bundle leaves.
// A non-nil error means the envelope was rejected and its position was NOT
// recorded; the caller owns marking that offset processed.
func (b *Bundle) Update(env *envelope.Envelope, pos stream.Position, now time.Time) (bool, error) {
	if b.assembled {
		b.touch(pos, now)
		return false, nil
	}

	stored := false
	switch env.Kind {
	case envelope.KindRequest:
		if b.request == nil {
			outer, list, err := splitPayload(env.Payload, requestListField)
			if err != nil {
				return false, err
			}
			if err := b.checkConfigIndexes(len(list), env.Payload); err != nil {
				return false, err
			}
			b.request = env
			b.reqOuter = outer
			b.reqList = list
			stored = true
		}
	case envelope.KindResponse:
		if b.response == nil {
			outer, list, err := splitPayload(env.Payload, responseListField)
			if err != nil {
				return false, err
			}
			b.response = env
			b.rspOuter = outer
			b.rspList = list
			stored = true
		}
	case envelope.KindConfig:
		if env.Config == nil {
			return false, envelope.Formatf([]byte(env.Payload), "config envelope without config fields")
		}
		cfg := &configData{
			customer: env.Config.CustomerName,
			geo:      env.Config.GeoDataVersion,
			uls:      env.Config.UlsDataVersion,
			text:     env.Payload,
		}
		// An explicit empty index list means the same as no list at all:
		// the config applies to every request in the batch.
		indexes := env.Config.RequestIndexes
		if len(indexes) == 0 {
			indexes = []int{UniversalIndex}
		}
		for _, idx := range indexes {
			if idx != UniversalIndex && idx < 0 {
				return false, envelope.Formatf([]byte(env.Payload), "negative config request index %d", idx)
			}
			if idx != UniversalIndex && b.request != nil && idx >= len(b.reqList) {
				return false, envelope.Formatf([]byte(env.Payload),
					"config request index %d outside request count %d", idx, len(b.reqList))
			}
		}
		for _, idx := range indexes {
			if _, ok := b.configs[idx]; !ok {
				b.configs[idx] = cfg
				stored = true
			}
		}
	default:
		return false, envelope.Formatf([]byte(env.Payload), "unexpected envelope kind %v", env.Kind)
	}

	b.touch(pos, now)
	b.recomputeAssembled()
	return stored, nil
}

func (b *Bundle) touch(pos stream.Position, now time.Time) {
	b.positions = append(b.positions, pos)
	b.lastUpdate = now
}

// checkConfigIndexes validates configs that arrived before the Request.
func (b *Bundle) checkConfigIndexes(requestCount int, data string) error {
	for idx := range b.configs {
		if idx != UniversalIndex && idx >= requestCount {
			return envelope.Formatf([]byte(data),
				"config request index %d outside request count %d", idx, requestCount)
		}
	}
	return nil
}

func (b *Bundle) recomputeAssembled() {
	if b.request == nil || b.response == nil {
		b.assembled = false
		return
	}
	if _, ok := b.configs[UniversalIndex]; ok {
		b.assembled = true
		return
	}
	for i := range b.reqList {
		if _, ok := b.configs[i]; !ok {
			b.assembled = false
			return
		}
	}
	b.assembled = true
}

// configFor resolves the config for a request index, falling back to the
// universal slot.
func (b *Bundle) configFor(idx int) *configData {
	if cfg, ok := b.configs[idx]; ok {
		return cfg
	}
	return b.configs[UniversalIndex]
}

// TakeApart decomposes an assembled bundle into storage-ready parts. The
// first call computes and freezes the decomposition; every call returns a
// deep copy, so callers cannot corrupt the memo.
func (b *Bundle) TakeApart() (*Parts, error) {
	if b.parts != nil {
		return b.parts.clone(), nil
	}
	if !b.assembled {
		return nil, errors.New("bundle is not assembled")
	}

	parts := &Parts{
		Key:        b.key,
		SourceID:   b.request.Source,
		RxTime:     b.request.Time,
		TxTime:     b.response.Time,
		RxEnvelope: b.reqOuter,
		TxEnvelope: b.rspOuter,
		Requests:   make(map[string]*PerRequest, len(b.reqList)),
	}

	type rspEntry struct {
		body   map[string]any
		expire *time.Time
	}
	responses := make(map[string]*rspEntry, len(b.rspList))
	claimed := make(map[string]bool, len(b.rspList))
	for _, raw := range b.rspList {
		obj, id, err := itemWithID(raw, responseListField)
		if err != nil {
			return nil, err
		}
		body := cloneMap(obj)
		delete(body, requestIDField)
		var expire *time.Time
		if v, ok := body[expireTimeField]; ok {
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					t = t.UTC()
					expire = &t
				}
			}
			delete(body, expireTimeField)
		}
		if _, dup := responses[id]; dup {
			parts.OrphanResponses = append(parts.OrphanResponses, Orphan{
				RequestID:  id,
				Invariant:  map[string]any{"response": body},
				ExpireTime: expire,
			})
			continue
		}
		responses[id] = &rspEntry{body: body, expire: expire}
	}

	for i, raw := range b.reqList {
		obj, id, err := itemWithID(raw, requestListField)
		if err != nil {
			return nil, err
		}
		body := cloneMap(obj)
		delete(body, requestIDField)

		if _, dup := parts.Requests[id]; dup {
			parts.OrphanRequests = append(parts.OrphanRequests, Orphan{
				RequestID: id,
				Invariant: map[string]any{"request": body},
			})
			continue
		}
		rsp, ok := responses[id]
		if !ok {
			parts.OrphanRequests = append(parts.OrphanRequests, Orphan{
				RequestID: id,
				Invariant: map[string]any{"request": body},
			})
			continue
		}
		claimed[id] = true

		cfg := b.configFor(i)
		if cfg == nil {
			return nil, envelope.Formatf([]byte(b.request.Payload),
				"no applicable config for request index %d", i)
		}
		parts.Requests[id] = &PerRequest{
			RequestID: id,
			Invariant: map[string]any{
				"request":        body,
				"response":       rsp.body,
				"customer":       cfg.customer,
				"ulsDataVersion": cfg.uls,
				"geoDataVersion": cfg.geo,
			},
			ExpireTime:     rsp.expire,
			ConfigText:     cfg.text,
			Customer:       cfg.customer,
			UlsDataVersion: cfg.uls,
			GeoDataVersion: cfg.geo,
		}
		parts.RequestIDs = append(parts.RequestIDs, id)
	}

	for _, raw := range b.rspList {
		_, id, err := itemWithID(raw, responseListField)
		if err != nil {
			return nil, err
		}
		if claimed[id] {
			continue
		}
		if rsp, ok := responses[id]; ok {
			parts.OrphanResponses = append(parts.OrphanResponses, Orphan{
				RequestID:  id,
				Invariant:  map[string]any{"response": rsp.body},
				ExpireTime: rsp.expire,
			})
			delete(responses, id)
		}
	}

	b.parts = parts
	return b.parts.clone(), nil
}

// DebugString renders the bundle's last known state for the decode_error
// diagnostic row written on eviction.
func (b *Bundle) DebugString() string {
	state := map[string]any{
		"key":         b.key,
		"assembled":   b.assembled,
		"lastUpdate":  b.lastUpdate.UTC().Format(time.RFC3339Nano),
		"hasRequest":  b.request != nil,
		"hasResponse": b.response != nil,
	}
	if b.request != nil {
		state["requestPayload"] = json.RawMessage(b.request.Payload)
		state["source"] = b.request.Source
	}
	if b.response != nil {
		state["responsePayload"] = json.RawMessage(b.response.Payload)
	}
	var cfgIdx []int
	for idx := range b.configs {
		cfgIdx = append(cfgIdx, idx)
	}
	state["configIndexes"] = cfgIdx
	var poss []string
	for _, p := range b.positions {
		poss = append(poss, p.String())
	}
	state["positions"] = poss
	out, err := json.Marshal(state)
	if err != nil {
		return fmt.Sprintf("bundle %q (unserializable: %v)", b.key, err)
	}
	return string(out)
}

// splitPayload parses an AFC message payload and separates the outer
// envelope fields from the inquiry array.
func splitPayload(payload, listField string) (map[string]any, []any, error) {
	var outer map[string]any
	if err := json.Unmarshal([]byte(payload), &outer); err != nil {
		return nil, nil, envelope.Formatf([]byte(payload), "payload is not a JSON object: %v", err)
	}
	rawList, ok := outer[listField]
	if !ok {
		return nil, nil, envelope.Formatf([]byte(payload), "payload missing %q", listField)
	}
	list, ok := rawList.([]any)
	if !ok {
		return nil, nil, envelope.Formatf([]byte(payload), "%q is not an array", listField)
	}
	delete(outer, listField)
	return outer, list, nil
}

func itemWithID(raw any, listField string) (map[string]any, string, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, "", envelope.Formatf(nil, "%q item is not an object", listField)
	}
	id, ok := obj[requestIDField].(string)
	if !ok {
		return nil, "", envelope.Formatf(nil, "%q item missing string %q", listField, requestIDField)
	}
	return obj, id, nil
}
