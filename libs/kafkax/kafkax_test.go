package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, kafka-2:9092 ,,kafka-3:9092")
	if len(got) != 3 || got[0] != "kafka-1:9092" || got[2] != "kafka-3:9092" {
		t.Fatalf("SplitBrokers = %v", got)
	}
	if got := SplitBrokers(""); got != nil {
		t.Fatalf("SplitBrokers(\"\") = %v, want nil", got)
	}
}

func TestHeaderValue(t *testing.T) {
	headers := []kafka.Header{
		{Key: "traceparent", Value: []byte("00-abc")},
		{Key: "other", Value: []byte("x")},
	}
	if got := HeaderValue(headers, "traceparent"); got != "00-abc" {
		t.Fatalf("HeaderValue = %q", got)
	}
	if got := HeaderValue(headers, "missing"); got != "" {
		t.Fatalf("HeaderValue for missing key = %q", got)
	}
}

func TestInjectTraceHeadersAppends(t *testing.T) {
	headers := []kafka.Header{{Key: "existing", Value: []byte("v")}}
	out := InjectTraceHeaders(context.Background(), headers)
	if HeaderValue(out, "existing") != "v" {
		t.Fatal("existing header lost")
	}
}

func TestListTopicsRequiresBrokers(t *testing.T) {
	if _, err := ListTopics(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty broker list")
	}
}
