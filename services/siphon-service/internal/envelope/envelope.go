// Package envelope decodes raw ALS stream records into typed envelopes.
//
// The wire format is a JSON object with version "1.0", a source (the AFC
// server instance that emitted it), an RFC-3339 time, a dataType
// discriminator and a string-encoded JSON payload. Config envelopes carry
// additional descriptor fields.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Kind discriminates the three envelope flavors sharing one correlation key.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "AFC_REQUEST"
	case KindResponse:
		return "AFC_RESPONSE"
	case KindConfig:
		return "AFC_CONFIG"
	}
	return "UNKNOWN"
}

const wireVersion = "1.0"

// ConfigInfo carries the Config-only envelope fields. A nil RequestIndexes
// means the config applies to every request in the batch.
type ConfigInfo struct {
	CustomerName   string
	GeoDataVersion string
	UlsDataVersion string
	RequestIndexes []int
}

// Envelope is the decoded form of one stream record. Decode either returns
// a fully populated Envelope or an error, never a partial one.
type Envelope struct {
	Version string
	Source  string
	Time    time.Time
	Kind    Kind
	Payload string // inner JSON document, still serialized

	// Config envelopes only.
	Config *ConfigInfo
}

type wireRecord struct {
	Version        *string `json:"version"`
	Source         *string `json:"source"`
	Time           *string `json:"time"`
	DataType       *string `json:"dataType"`
	JSONData       *string `json:"jsonData"`
	Customer       *string `json:"customer"`
	GeoDataVersion *string `json:"geoDataVersion"`
	UlsID          *string `json:"ulsId"`
	RequestIndexes []int   `json:"requestIndexes"`
}

// Decode validates and parses one raw stream record.
func Decode(raw []byte) (*Envelope, error) {
	var rec wireRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, Protocolf(raw, "malformed record: %v", err)
	}
	if rec.Version == nil {
		return nil, Protocolf(raw, "missing required field 'version'")
	}
	if *rec.Version != wireVersion {
		return nil, Protocolf(raw, "unsupported format version %q", *rec.Version)
	}
	if rec.Source == nil || *rec.Source == "" {
		return nil, Protocolf(raw, "missing required field 'source'")
	}
	if rec.Time == nil {
		return nil, Protocolf(raw, "missing required field 'time'")
	}
	ts, err := time.Parse(time.RFC3339, *rec.Time)
	if err != nil {
		return nil, Protocolf(raw, "invalid 'time' value %q: %v", *rec.Time, err)
	}
	if rec.DataType == nil {
		return nil, Protocolf(raw, "missing required field 'dataType'")
	}
	var kind Kind
	switch *rec.DataType {
	case "AFC_REQUEST":
		kind = KindRequest
	case "AFC_RESPONSE":
		kind = KindResponse
	case "AFC_CONFIG":
		kind = KindConfig
	default:
		return nil, Protocolf(raw, "unknown dataType %q", *rec.DataType)
	}
	if rec.JSONData == nil {
		return nil, Protocolf(raw, "missing required field 'jsonData'")
	}
	if !gjson.Valid(*rec.JSONData) {
		return nil, Protocolf(raw, "jsonData is not valid JSON")
	}

	env := &Envelope{
		Version: *rec.Version,
		Source:  *rec.Source,
		Time:    ts.UTC(),
		Kind:    kind,
		Payload: *rec.JSONData,
	}

	if kind == KindConfig {
		if rec.Customer == nil || *rec.Customer == "" {
			return nil, Protocolf(raw, "config record missing 'customer'")
		}
		if rec.GeoDataVersion == nil {
			return nil, Protocolf(raw, "config record missing 'geoDataVersion'")
		}
		if rec.UlsID == nil {
			return nil, Protocolf(raw, "config record missing 'ulsId'")
		}
		env.Config = &ConfigInfo{
			CustomerName:   *rec.Customer,
			GeoDataVersion: *rec.GeoDataVersion,
			UlsDataVersion: *rec.UlsID,
			RequestIndexes: rec.RequestIndexes,
		}
	}
	return env, nil
}
