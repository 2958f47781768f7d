package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeUpstream returns scripted replies/errors in order.
type fakeUpstream struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeUpstream) DescribeImage(context.Context, string, string) (string, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var reply string
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return reply, err
}

const validReply = `Aquí están los datos:
{"tipo_documento":"CC","numero_documento":"123456","paciente":"Ana Pérez","eps":"Salud Total"}`

func newTestExtractionService(up Upstream) *Service {
	svc := NewService(up)
	svc.retryDelay = time.Millisecond
	return svc
}

func TestExtractSuccess(t *testing.T) {
	svc := newTestExtractionService(&fakeUpstream{replies: []string{validReply}})

	data, err := svc.Extract(context.Background(), "media/1")
	if err != nil {
		t.Fatalf("Extract err: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if fields["paciente"] != "Ana Pérez" {
		t.Fatalf("payload lost fields: %v", fields)
	}
}

func TestExtractNotAPrescription(t *testing.T) {
	svc := newTestExtractionService(&fakeUpstream{replies: []string{NotAPrescriptionMarker}})

	_, err := svc.Extract(context.Background(), "media/1")
	if !errors.Is(err, ErrNotAPrescription) {
		t.Fatalf("expected ErrNotAPrescription, got %v", err)
	}
}

func TestExtractUnreadableReplies(t *testing.T) {
	cases := []string{
		"lo siento, no pude leer la imagen",      // no JSON at all
		`{"tipo_documento":"CC"}`,                // missing number and name
		`{"paciente":"   "}`,                     // blank identity
		`{"tipo_documento":1,"numero_documento"`, // truncated JSON
	}
	for _, reply := range cases {
		svc := newTestExtractionService(&fakeUpstream{replies: []string{reply}})
		if _, err := svc.Extract(context.Background(), "media/1"); !errors.Is(err, ErrUnreadable) {
			t.Errorf("reply %q: expected ErrUnreadable, got %v", reply, err)
		}
	}
}

func TestExtractRetriesTransientFailureOnce(t *testing.T) {
	up := &fakeUpstream{
		errs:    []error{fmt.Errorf("upstream 503")},
		replies: []string{"", validReply},
	}
	svc := newTestExtractionService(up)

	data, err := svc.Extract(context.Background(), "media/1")
	if err != nil {
		t.Fatalf("Extract err after retry: %v", err)
	}
	if up.calls != 2 {
		t.Fatalf("upstream calls: got %d, want 2", up.calls)
	}
	if data.Empty() {
		t.Fatal("retried extraction returned empty payload")
	}
}

func TestExtractGivesUpAfterSecondFailure(t *testing.T) {
	up := &fakeUpstream{errs: []error{fmt.Errorf("boom"), fmt.Errorf("boom again")}}
	svc := newTestExtractionService(up)

	_, err := svc.Extract(context.Background(), "media/1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if up.calls != 2 {
		t.Fatalf("upstream calls: got %d, want 2", up.calls)
	}
}

func TestExtractRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := &fakeUpstream{errs: []error{context.Canceled}}
	svc := newTestExtractionService(up)

	_, err := svc.Extract(ctx, "media/1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if up.calls != 1 {
		t.Fatalf("cancelled context still retried: %d calls", up.calls)
	}
}

func TestUnavailableExtractor(t *testing.T) {
	_, err := Unavailable{}.Extract(context.Background(), "media/1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}
