package dbwrite

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// SchemaError means the destination database does not match the expected
// ALS schema. It is fatal at startup: running against a mismatched schema
// would corrupt the foreign-key graph or fail mid-flush.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "als schema mismatch: " + strings.Join(e.Problems, "; ")
}

// expectedSchema maps table → column → required data_type prefix as seen in
// information_schema.columns.
var expectedSchema = map[string]map[string]string{
	"afc_server": {
		"afc_server_id":   "bigint",
		"afc_server_name": "text",
		"month_idx":       "integer",
	},
	"customer": {
		"customer_id":   "bigint",
		"customer_name": "text",
		"month_idx":     "integer",
	},
	"uls_data_version": {
		"uls_data_version_id": "bigint",
		"uls_data_version":    "text",
		"month_idx":           "integer",
	},
	"geo_data_version": {
		"geo_data_version_id": "bigint",
		"geo_data_version":    "text",
		"month_idx":           "integer",
	},
	"afc_config": {
		"afc_config_text_digest": "text",
		"afc_config_text":        "text",
		"month_idx":              "integer",
	},
	"rx_envelope": {
		"rx_envelope_digest": "text",
		"envelope_json":      "jsonb",
		"month_idx":          "integer",
	},
	"tx_envelope": {
		"tx_envelope_digest": "text",
		"envelope_json":      "jsonb",
		"month_idx":          "integer",
	},
	"afc_message": {
		"message_id":         "bigint",
		"afc_server_id":      "bigint",
		"rx_time":            "timestamp",
		"tx_time":            "timestamp",
		"rx_envelope_digest": "text",
		"tx_envelope_digest": "text",
		"month_idx":          "integer",
	},
	"request_response": {
		"request_response_digest": "text",
		"afc_config_text_digest":  "text",
		"customer_id":             "bigint",
		"uls_data_version_id":     "bigint",
		"geo_data_version_id":     "bigint",
		"request_response_json":   "jsonb",
		"month_idx":               "integer",
	},
	"request_response_in_message": {
		"message_id":              "bigint",
		"request_id":              "text",
		"request_response_digest": "text",
		"expire_time":             "timestamp",
		"month_idx":               "integer",
	},
	"decode_error": {
		"id":        "bigint",
		"time":      "timestamp",
		"msg":       "text",
		"code_line": "integer",
		"data":      "text",
		"month_idx": "integer",
	},
	"als_json_log": {
		"source":  "text",
		"time":    "timestamp",
		"topic":   "text",
		"log_row": "jsonb",
	},
}

// ValidateSchema reflects the destination schema and checks every expected
// table and column exists with the expected type. Any mismatch is returned
// as a single SchemaError listing all problems.
func ValidateSchema(ctx context.Context, q Querier) error {
	tables := make([]string, 0, len(expectedSchema))
	for t := range expectedSchema {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	rows, err := q.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = ANY($1)
	`, tables)
	if err != nil {
		return fmt.Errorf("reflect schema: %w", err)
	}
	defer rows.Close()

	found := make(map[string]map[string]string)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return fmt.Errorf("reflect schema: %w", err)
		}
		if found[table] == nil {
			found[table] = make(map[string]string)
		}
		found[table][column] = dataType
	}
	if rows.Err() != nil {
		return fmt.Errorf("reflect schema: %w", rows.Err())
	}

	var problems []string
	for _, table := range tables {
		cols, ok := found[table]
		if !ok {
			problems = append(problems, fmt.Sprintf("table %s missing", table))
			continue
		}
		names := make([]string, 0, len(expectedSchema[table]))
		for c := range expectedSchema[table] {
			names = append(names, c)
		}
		sort.Strings(names)
		for _, column := range names {
			want := expectedSchema[table][column]
			got, ok := cols[column]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s.%s missing", table, column))
				continue
			}
			if !strings.HasPrefix(got, want) {
				problems = append(problems, fmt.Sprintf("%s.%s is %s, want %s", table, column, got, want))
			}
		}
	}
	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}
