package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/xraph/stowage/middleware"
	"github.com/xraph/stowage/storage"
)

func recordSpans(t *testing.T, run func(mw.Middleware)) sdktrace.ReadOnlySpan {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	run(mw.TracingWithTracer(tp.Tracer("test")))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	return spans[0]
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTracing_SuccessfulAttempt(t *testing.T) {
	j := testJob("object-backup")
	span := recordSpans(t, func(m mw.Middleware) {
		if err := m(context.Background(), j, ok); err != nil {
			t.Fatal(err)
		}
	})

	if span.Name() != mw.SpanName {
		t.Errorf("span name = %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindConsumer {
		t.Errorf("span kind = %v", span.SpanKind())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v", span.Status().Code)
	}

	a := attrs(span)
	if a["stowage.job.id"].AsString() != j.ID.String() {
		t.Errorf("job id = %q", a["stowage.job.id"].AsString())
	}
	if a["stowage.queue"].AsString() != "object-backup" {
		t.Errorf("queue = %q", a["stowage.queue"].AsString())
	}
	if a["stowage.payload.bytes"].AsInt64() != int64(len(j.Payload)) {
		t.Errorf("payload bytes = %d", a["stowage.payload.bytes"].AsInt64())
	}
	if a["stowage.outcome"].AsString() != mw.OutcomeOK {
		t.Errorf("outcome = %q", a["stowage.outcome"].AsString())
	}
}

func TestTracing_StorageFailure(t *testing.T) {
	span := recordSpans(t, func(m mw.Middleware) {
		_ = m(context.Background(), testJob("object-backup"), func(context.Context) error {
			return storage.NewError("copy", storage.CodePreconditionFailed, 412, errors.New("etag changed"))
		})
	})

	if span.Status().Code != codes.Error {
		t.Errorf("status = %v", span.Status().Code)
	}
	a := attrs(span)
	if a["stowage.outcome"].AsString() != mw.OutcomeStorageError {
		t.Errorf("outcome = %q", a["stowage.outcome"].AsString())
	}
	if a["stowage.storage.code"].AsString() != storage.CodePreconditionFailed {
		t.Errorf("code = %q", a["stowage.storage.code"].AsString())
	}
	if a["stowage.storage.status"].AsString() != "412" {
		t.Errorf("status attr = %q", a["stowage.storage.status"].AsString())
	}
	if len(span.Events()) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
}

func TestTracing_PlainErrorHasNoStorageAttrs(t *testing.T) {
	span := recordSpans(t, func(m mw.Middleware) {
		_ = m(context.Background(), testJob("q"), func(context.Context) error { return errors.New("bad payload") })
	})
	a := attrs(span)
	if _, found := a["stowage.storage.code"]; found {
		t.Error("unexpected storage code attribute")
	}
	if a["stowage.outcome"].AsString() != mw.OutcomeError {
		t.Errorf("outcome = %q", a["stowage.outcome"].AsString())
	}
}

func TestTracing_HandlerSeesSpan(t *testing.T) {
	recordSpans(t, func(m mw.Middleware) {
		_ = m(context.Background(), testJob("q"), func(ctx context.Context) error {
			if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
				t.Error("handler context carries no span")
			}
			return nil
		})
	})
}

func TestTracing_GlobalProviderSafe(t *testing.T) {
	if err := mw.Tracing()(context.Background(), testJob("q"), ok); err != nil {
		t.Fatal(err)
	}
}
