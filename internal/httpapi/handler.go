// Package httpapi serves the controller ingest and status routes and the
// capture node's trigger routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lockgate/api"
	"pkt.systems/lockgate/internal/correlation"
	"pkt.systems/lockgate/internal/svcfields"
	"pkt.systems/pslog"
)

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// router carries the request plumbing shared by both node handlers.
type router struct {
	logger  pslog.Logger
	tracer  trace.Tracer
	tracing bool
	prefix  string
}

func newRouter(logger pslog.Logger, tracing bool, prefix string) router {
	return router{
		logger:  svcfields.Ensure(logger),
		tracer:  otel.Tracer("pkt.systems/lockgate/httpapi"),
		tracing: tracing,
		prefix:  prefix,
	}
}

func routerSys(prefix, operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return svcfields.Subsystem(prefix, "http")
	}
	return svcfields.Subsystem(prefix, "http", strings.Join(parts, "."))
}

func (rt router) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(rt.prefix, operation)
	spanName := "lockgate.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cid := correlation.FromRequest(r)
		reqID := uuid.Must(uuid.NewV7()).String()
		var span trace.Span
		if rt.tracing {
			ctx, span = rt.tracer.Start(ctx, "lockgate.tx."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("lockgate.sys", sys),
					attribute.String("lockgate.operation", operation),
					attribute.String("lockgate.cid", cid),
				),
			)
			defer span.End()
		}
		logger := svcfields.WithSubsystem(rt.logger, sys).With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, cid)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("lockgate.error_code", httpErr.Code),
						attribute.Int("lockgate.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			rt.handleError(ctx, w, err)
			return
		}
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !rt.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func (rt router) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = rt.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
			CID:       correlation.ID(ctx),
		})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
		CID:       correlation.ID(ctx),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	allow := strings.Join(methods, ", ")
	w.Header().Set("Allow", allow)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + allow,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	writeText(w, http.StatusOK, "ok")
	return nil
}
