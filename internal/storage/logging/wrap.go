package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lockgate/internal/storage"
	"pkt.systems/pslog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/lockgate/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "lockgate.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("lockgate.storage.operation", op),
		attribute.String("lockgate.storage.key", key),
		attribute.String("lockgate.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("key", key)
	logger.Trace("storage." + op + ".begin")
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("storage."+op+".success", "elapsed", elapsed)
	}
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := b.start(ctx, "put_object", key)
	defer span.End()
	span.SetAttributes(
		attribute.Bool("lockgate.storage.if_not_exists", opts.IfNotExists),
		attribute.Int64("lockgate.storage.size_hint", opts.Size),
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	if err == nil && info != nil {
		logger.Debug("storage.put_object.stored", "etag", info.ETag, "size", info.Size, "content_type", opts.ContentType)
	}
	return info, err
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, _, finish := b.start(ctx, "get_object", key)
	defer span.End()
	res, err := b.inner.GetObject(ctx, key)
	finish(err)
	return res, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, _, finish := b.start(ctx, "delete_object", key)
	defer span.End()
	span.SetAttributes(attribute.Bool("lockgate.storage.ignore_not_found", opts.IgnoreNotFound))
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	return err
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, logger, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()
	span.SetAttributes(attribute.Int("lockgate.storage.limit", opts.Limit))
	res, err := b.inner.ListObjects(ctx, opts)
	finish(err)
	if err == nil && res != nil {
		logger.Trace("storage.list_objects.page", "count", len(res.Objects), "truncated", res.Truncated)
	}
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
