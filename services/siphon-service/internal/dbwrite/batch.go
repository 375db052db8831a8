package dbwrite

import (
	"encoding/json"
	"time"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/bundle"
)

// rrRecord is one request/response pair (or orphaned side) flattened out of
// a bundle, with its content digest precomputed.
type rrRecord struct {
	requestID string
	digest    string
	canonical []byte
	expire    *time.Time

	// Empty for orphans, which carry no config attach.
	configText string
	customer   string
	uls        string
	geo        string
}

// messageRecord is one bundle prepared for writing: envelope digests and
// flattened request records, plus the afc_message id once resolved.
type messageRecord struct {
	parts     *bundle.Parts
	rxDigest  string
	rxJSON    []byte
	txDigest  string
	txJSON    []byte
	rr        []*rrRecord
	messageID int64
}

// FlushBatch is everything one flush transaction writes. Period is computed
// once when the batch is built, so all rows of a flush share one
// fiscal-month bucket.
type FlushBatch struct {
	Period   int
	messages []*messageRecord
}

func newFlushBatch(parts []*bundle.Parts, period int) (*FlushBatch, error) {
	fb := &FlushBatch{Period: period}
	for _, p := range parts {
		rec := &messageRecord{parts: p}
		var err error
		if rec.rxDigest, rec.rxJSON, err = jsonDigest(p.RxEnvelope); err != nil {
			return nil, err
		}
		if rec.txDigest, rec.txJSON, err = jsonDigest(p.TxEnvelope); err != nil {
			return nil, err
		}
		for _, id := range p.RequestIDs {
			pr := p.Requests[id]
			digest, canonical, err := jsonDigest(pr.Invariant)
			if err != nil {
				return nil, err
			}
			rec.rr = append(rec.rr, &rrRecord{
				requestID:  pr.RequestID,
				digest:     digest,
				canonical:  canonical,
				expire:     pr.ExpireTime,
				configText: pr.ConfigText,
				customer:   pr.Customer,
				uls:        pr.UlsDataVersion,
				geo:        pr.GeoDataVersion,
			})
		}
		for _, o := range p.OrphanRequests {
			r, err := orphanRecord(o)
			if err != nil {
				return nil, err
			}
			rec.rr = append(rec.rr, r)
		}
		for _, o := range p.OrphanResponses {
			r, err := orphanRecord(o)
			if err != nil {
				return nil, err
			}
			rec.rr = append(rec.rr, r)
		}
		fb.messages = append(fb.messages, rec)
	}
	return fb, nil
}

func orphanRecord(o bundle.Orphan) (*rrRecord, error) {
	digest, canonical, err := jsonDigest(o.Invariant)
	if err != nil {
		return nil, err
	}
	return &rrRecord{
		requestID: o.RequestID,
		digest:    digest,
		canonical: canonical,
		expire:    o.ExpireTime,
	}, nil
}

// LogRecord is one free-form JSON log row from a non-ALS topic.
type LogRecord struct {
	Source string
	Time   time.Time
	Topic  string
	JSON   json.RawMessage
}
