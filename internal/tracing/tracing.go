// Package tracing installs the OpenTelemetry provider for the indexer and
// names the hub.* span attributes its components share.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

// ScopePrefix prefixes every tracer name; Tracer("applier") reports spans
// under "github.com/emperorhan/hub-indexer/applier".
const ScopePrefix = "github.com/emperorhan/hub-indexer/"

const serviceNamespace = "farcaster-hub"

const (
	AttrHubAddress      = attribute.Key("hub.address")
	AttrStreamNamespace = attribute.Key("hub.stream.namespace")
	AttrPartition       = attribute.Key("hub.stream.partition")
	AttrEntryID         = attribute.Key("hub.stream.entry_id")
	AttrDeliveries      = attribute.Key("hub.stream.deliveries")
	AttrFid             = attribute.Key("hub.fid")
	AttrMessageType     = attribute.Key("hub.message.type")
	AttrMessageHash     = attribute.Key("hub.message.hash")
	AttrMessageAction   = attribute.Key("hub.message.action")
	AttrJobID           = attribute.Key("hub.backfill.job_id")
	AttrJobFids         = attribute.Key("hub.backfill.fids")
	AttrJobAttempt      = attribute.Key("hub.backfill.attempt")
	AttrQueryLimit      = attribute.Key("hub.query.limit")
	AttrQueryPages      = attribute.Key("hub.query.pages")
)

// Config selects the collector and describes the Hub deployment the process
// indexes. An empty Endpoint installs a no-op provider.
type Config struct {
	ServiceName     string
	Endpoint        string
	Insecure        bool
	SampleRatio     float64
	HubAddress      string
	StreamNamespace string
}

// Init sets up the global tracer provider exporting to an OTLP/gRPC collector.
// SampleRatio outside (0, 1] samples everything.
// Returns a shutdown function that flushes pending spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "hub-indexer"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceNamespaceKey.String(serviceNamespace),
	}
	if cfg.HubAddress != "" {
		attrs = append(attrs, AttrHubAddress.String(cfg.HubAddress))
	}
	if cfg.StreamNamespace != "" {
		attrs = append(attrs, AttrStreamNamespace.String(cfg.StreamNamespace))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// Tracer returns the tracer for one indexer component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(ScopePrefix + component)
}

// MessageAttributes describes a decoded Hub message on a span.
func MessageAttributes(m *model.Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFid.Int64(int64(m.Fid)),
		AttrMessageType.String(string(m.Type)),
		AttrMessageHash.String(m.Hash),
		AttrMessageAction.String(string(m.Action)),
	}
}

// SelectorAttributes describes a range read on a span.
func SelectorAttributes(sel model.Selector, limit int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrMessageType.String(string(sel.Type)),
		AttrQueryLimit.Int(limit),
	}
	if sel.Fid != 0 {
		attrs = append(attrs, AttrFid.Int64(int64(sel.Fid)))
	}
	return attrs
}
