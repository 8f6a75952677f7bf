package evidence

import (
	"context"
	"errors"
	"log/slog"
)

// Sink receives every pipeline result, including aborted ones.
type Sink interface {
	Deliver(ctx context.Context, res Result) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, res Result) error

// Deliver calls fn.
func (fn SinkFunc) Deliver(ctx context.Context, res Result) error {
	return fn(ctx, res)
}

// LogSink logs each result.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs res at a level matching its outcome.
func (s LogSink) Deliver(ctx context.Context, res Result) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch res.Outcome {
	case OutcomeConfirmed:
		logger.InfoContext(ctx, "evidence record confirmed",
			"record", res.Record.ID, "digest", res.Record.Digest, "tx", res.Record.TxID)
	case OutcomeUnconfirmed:
		logger.WarnContext(ctx, "evidence record unconfirmed",
			"record", res.Record.ID, "digest", res.Record.Digest, "artifact", res.Record.EncryptedPath,
			"status", res.Record.AnchorStatus, "error", res.Err)
	default:
		logger.ErrorContext(ctx, "evidence event aborted", "error", res.Err)
	}
	return nil
}

// MultiSink delivers to every sink in order and joins their errors.
type MultiSink []Sink

// Deliver calls every sink even when an earlier one fails.
func (m MultiSink) Deliver(ctx context.Context, res Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
