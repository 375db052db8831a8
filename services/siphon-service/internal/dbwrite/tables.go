package dbwrite

import (
	"context"
	"strconv"
)

// The cascade graph, rooted at afc_message:
//
//	afc_message ──targets──> rx_envelope, tx_envelope, afc_server lookup
//	            ──sources──> request_response_in_message
//	                         ──targets──> request_response
//	                                      ──lookups──> customer, uls, geo, afc_config

// envelopeTable writes rx_envelope or tx_envelope: digest-keyed, content
// addressed, so re-inserting an already stored envelope is a no-op.
type envelopeTable struct {
	baseTable
	name      string
	digestCol string
	rx        bool
}

func (t *envelopeTable) Name() string { return t.name }

func (t *envelopeTable) InsertColumns() []string {
	return []string{t.digestCol, "envelope_json", "month_idx"}
}

func (t *envelopeTable) ConflictColumns() []string {
	return []string{t.digestCol, "month_idx"}
}

func (t *envelopeTable) IdentityColumn() string { return "" }

func (t *envelopeTable) BuildRows(b *FlushBatch) ([]string, [][]any, error) {
	seen := make(map[string]bool, len(b.messages))
	var rows [][]any
	for _, m := range b.messages {
		digest, body := m.txDigest, m.txJSON
		if t.rx {
			digest, body = m.rxDigest, m.rxJSON
		}
		if seen[digest] {
			continue
		}
		seen[digest] = true
		rows = append(rows, []any{digest, body, b.Period})
	}
	return nil, rows, nil
}

// requestResponseTable writes the deduplicated request/response content
// rows, resolving the config descriptor lookups first.
type requestResponseTable struct {
	baseTable
	customer  *Lookup[int64]
	uls       *Lookup[int64]
	geo       *Lookup[int64]
	afcConfig *Lookup[string]
}

func (t *requestResponseTable) Name() string { return "request_response" }

func (t *requestResponseTable) InsertColumns() []string {
	return []string{
		"request_response_digest", "afc_config_text_digest", "customer_id",
		"uls_data_version_id", "geo_data_version_id", "request_response_json", "month_idx",
	}
}

func (t *requestResponseTable) ConflictColumns() []string {
	return []string{"request_response_digest", "month_idx"}
}

func (t *requestResponseTable) IdentityColumn() string { return "" }

func (t *requestResponseTable) PrepareLookups(ctx context.Context, q Querier, b *FlushBatch) error {
	var customers, ulses, geos, configs []string
	for _, m := range b.messages {
		for _, rr := range m.rr {
			if rr.configText == "" {
				continue // orphan, no config attach
			}
			customers = append(customers, rr.customer)
			ulses = append(ulses, rr.uls)
			geos = append(geos, rr.geo)
			configs = append(configs, rr.configText)
		}
	}
	if err := t.customer.UpdateDB(ctx, q, customers, b.Period); err != nil {
		return err
	}
	if err := t.uls.UpdateDB(ctx, q, ulses, b.Period); err != nil {
		return err
	}
	if err := t.geo.UpdateDB(ctx, q, geos, b.Period); err != nil {
		return err
	}
	return t.afcConfig.UpdateDB(ctx, q, configs, b.Period)
}

func (t *requestResponseTable) BuildRows(b *FlushBatch) ([]string, [][]any, error) {
	seen := make(map[string]bool)
	var rows [][]any
	for _, m := range b.messages {
		for _, rr := range m.rr {
			if seen[rr.digest] {
				continue
			}
			seen[rr.digest] = true
			row := []any{rr.digest, nil, nil, nil, nil, rr.canonical, b.Period}
			if rr.configText != "" {
				customerID, err := t.customer.KeyFor(rr.customer, b.Period)
				if err != nil {
					return nil, nil, err
				}
				ulsID, err := t.uls.KeyFor(rr.uls, b.Period)
				if err != nil {
					return nil, nil, err
				}
				geoID, err := t.geo.KeyFor(rr.geo, b.Period)
				if err != nil {
					return nil, nil, err
				}
				configDigest, err := t.afcConfig.KeyFor(rr.configText, b.Period)
				if err != nil {
					return nil, nil, err
				}
				row[1] = configDigest
				row[2] = customerID
				row[3] = ulsID
				row[4] = geoID
			}
			rows = append(rows, row)
		}
	}
	return nil, rows, nil
}

// rrInMessageTable associates request/response content with the message it
// arrived in. Keys are synthetic sequence numbers; the content rows it
// points at are written first via the target cascade.
type rrInMessageTable struct {
	baseTable
	requestResponse *requestResponseTable
}

func (t *rrInMessageTable) Name() string { return "request_response_in_message" }

func (t *rrInMessageTable) InsertColumns() []string {
	return []string{"message_id", "request_id", "request_response_digest", "expire_time", "month_idx"}
}

func (t *rrInMessageTable) ConflictColumns() []string { return nil }

func (t *rrInMessageTable) IdentityColumn() string { return "" }

func (t *rrInMessageTable) CascadeTargets(ctx context.Context, q Querier, b *FlushBatch) error {
	return writeTable(ctx, q, t.requestResponse, b)
}

func (t *rrInMessageTable) BuildRows(b *FlushBatch) ([]string, [][]any, error) {
	var keys []string
	var rows [][]any
	seq := 0
	for _, m := range b.messages {
		for _, rr := range m.rr {
			var expire any
			if rr.expire != nil {
				expire = *rr.expire
			}
			keys = append(keys, strconv.Itoa(seq))
			rows = append(rows, []any{m.messageID, rr.requestID, rr.digest, expire, b.Period})
			seq++
		}
	}
	return keys, rows, nil
}

// messageTable is the cascade root: one afc_message row per bundle.
type messageTable struct {
	baseTable
	server      *Lookup[int64]
	rxEnvelope  *envelopeTable
	txEnvelope  *envelopeTable
	rrInMessage *rrInMessageTable
}

func (t *messageTable) Name() string { return "afc_message" }

func (t *messageTable) InsertColumns() []string {
	return []string{
		"afc_server_id", "rx_time", "tx_time",
		"rx_envelope_digest", "tx_envelope_digest", "month_idx",
	}
}

func (t *messageTable) ConflictColumns() []string { return nil }

func (t *messageTable) IdentityColumn() string { return "message_id" }

func (t *messageTable) PrepareLookups(ctx context.Context, q Querier, b *FlushBatch) error {
	var sources []string
	for _, m := range b.messages {
		sources = append(sources, m.parts.SourceID)
	}
	return t.server.UpdateDB(ctx, q, sources, b.Period)
}

func (t *messageTable) CascadeTargets(ctx context.Context, q Querier, b *FlushBatch) error {
	if err := writeTable(ctx, q, t.rxEnvelope, b); err != nil {
		return err
	}
	return writeTable(ctx, q, t.txEnvelope, b)
}

func (t *messageTable) BuildRows(b *FlushBatch) ([]string, [][]any, error) {
	keys := make([]string, 0, len(b.messages))
	rows := make([][]any, 0, len(b.messages))
	for _, m := range b.messages {
		serverID, err := t.server.KeyFor(m.parts.SourceID, b.Period)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, m.parts.Key)
		rows = append(rows, []any{
			serverID, m.parts.RxTime, m.parts.TxTime,
			m.rxDigest, m.txDigest, b.Period,
		})
	}
	return keys, rows, nil
}

func (t *messageTable) CascadeSources(ctx context.Context, q Querier, b *FlushBatch, ids map[string]int64) error {
	for _, m := range b.messages {
		m.messageID = ids[m.parts.Key]
	}
	return writeTable(ctx, q, t.rrInMessage, b)
}
