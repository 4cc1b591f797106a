// Package service implements the cart, order and payment use cases. Every
// mutation runs as one database unit of work; rows are locked in a fixed
// order (payment, then order, then products by id) so concurrent use cases
// cannot deadlock each other.
package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/safar/storefront/internal/service"

// Deps are the collaborators shared by all services.
type Deps struct {
	DB        *sql.DB
	TxOptions database.TxOptions
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.TxOptions.LockTimeout == 0 {
		d.TxOptions = database.DefaultTxOptions()
	}
	return d
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan marks the span failed for internal and external errors only;
// expected business outcomes such as insufficient stock are not span errors.
func endSpan(span trace.Span, err error) {
	if err != nil {
		kind := apperr.KindOf(err)
		span.SetAttributes(attribute.String("error.kind", kind.String()))
		if kind == apperr.KindInternal || kind == apperr.KindExternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func mergeValidation(errs ...error) error {
	fields := map[string]string{}
	for _, err := range errs {
		if err == nil {
			continue
		}
		var verr *apperr.Error
		if !errors.As(err, &verr) || verr.Kind != apperr.KindValidation {
			return err
		}
		for k, v := range verr.Fields {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return apperr.Validation(fields)
}
