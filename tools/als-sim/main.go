// als-sim publishes a synthetic request/response/config triple to the ALS
// topic, for end-to-end smoke testing against a dev broker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/open-afc-project/als-siphon/libs/kafkax"
)

func main() {
	var (
		brokers  = flag.String("brokers", getenv("ALS_KAFKA_SERVERS", "localhost:9092"), "comma separated kafka brokers")
		topic    = flag.String("topic", getenv("ALS_TOPIC", "ALS"), "ALS topic")
		source   = flag.String("source", "als-sim", "AFC server name stamped on the envelopes")
		customer = flag.String("customer", "sim-customer", "customer stamped on the config envelope")
		requests = flag.Int("requests", 1, "number of spectrum inquiry requests in the batch")
	)
	flag.Parse()

	if *requests < 1 {
		fatal("requests must be at least 1")
	}

	key := []byte(uuid.NewString())
	now := time.Now().UTC()

	var reqList, rspList []map[string]any
	for i := 0; i < *requests; i++ {
		id := fmt.Sprintf("req-%d", i)
		reqList = append(reqList, map[string]any{
			"requestId": id,
			"deviceDescriptor": map[string]any{
				"serialNumber": fmt.Sprintf("SIM-%s-%d", key[:8], i),
			},
		})
		rspList = append(rspList, map[string]any{
			"requestId":              id,
			"response":               map[string]any{"responseCode": 0},
			"availabilityExpireTime": now.Add(24 * time.Hour).Format(time.RFC3339),
		})
	}

	request := envelopeJSON(*source, now, "AFC_REQUEST", map[string]any{
		"version":                          "1.4",
		"availableSpectrumInquiryRequests": reqList,
	}, nil)
	response := envelopeJSON(*source, now.Add(time.Second), "AFC_RESPONSE", map[string]any{
		"version":                           "1.4",
		"availableSpectrumInquiryResponses": rspList,
	}, nil)
	cfg := envelopeJSON(*source, now, "AFC_CONFIG", map[string]any{
		"maxEirpDbm": 36,
	}, map[string]any{
		"customer":       *customer,
		"geoDataVersion": "sim-geo-1",
		"ulsId":          "sim-uls-1",
	})

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  kafkax.SplitBrokers(*brokers),
		Topic:    *topic,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, payload := range [][]byte{request, cfg, response} {
		msg := kafka.Message{Key: key, Value: payload}
		msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
		if err := writer.WriteMessages(ctx, msg); err != nil {
			fatal(err.Error())
		}
	}
	fmt.Printf("published triple with key %s to %s (%d requests)\n", key, *topic, *requests)
}

func envelopeJSON(source string, ts time.Time, dataType string, payload map[string]any, extra map[string]any) []byte {
	inner, err := json.Marshal(payload)
	if err != nil {
		fatal(err.Error())
	}
	rec := map[string]any{
		"version":  "1.0",
		"source":   source,
		"time":     ts.Format(time.RFC3339),
		"dataType": dataType,
		"jsonData": string(inner),
	}
	for k, v := range extra {
		rec[k] = v
	}
	out, err := json.Marshal(rec)
	if err != nil {
		fatal(err.Error())
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	os.Exit(1)
}
