package fieldio

import (
	"context"
	"log/slog"
	"time"

	"github.com/shiba4life/datafold/internal/bus"
)

// requestPollInterval paces the request loop when both queues are empty.
const requestPollInterval = 10 * time.Millisecond

// ServeRequests consumes FieldValueSetRequest and CollectionUpdateRequest
// messages and applies them through Write. Perimeter bridges that cannot
// call the service directly publish these instead. Blocks until ctx is
// done; failures are logged and reported only through the absence of a
// FieldValueSet for the request's correlation id. Requests published
// before its subscriptions are in place are not received.
func (s *Service) ServeRequests(ctx context.Context) {
	sets := bus.Subscribe[bus.FieldValueSetRequest](s.bus)
	defer sets.Unsubscribe()

	updates := bus.Subscribe[bus.CollectionUpdateRequest](s.bus)
	defer updates.Unsubscribe()

	for {
		handled := false

		if req, ok := sets.TryRecv(); ok {
			handled = true

			err := s.Write(req.SchemaName, req.FieldName, req.Value, req.SourcePubKey, req.CorrelationID, WriteOptions{})
			if err != nil {
				s.logRequestFailure("field value set request failed", req.SchemaName, req.FieldName, req.CorrelationID, err)
			}
		}

		if req, ok := updates.TryRecv(); ok {
			handled = true

			// Range and collection entry updates share the item-id shape;
			// the field's variant decides which pointer flavor advances.
			opts := WriteOptions{ItemID: req.ItemID, RangeKey: req.ItemID}

			err := s.Write(req.SchemaName, req.FieldName, req.Value, req.SourcePubKey, req.CorrelationID, opts)
			if err != nil {
				s.logRequestFailure("collection update request failed", req.SchemaName, req.FieldName, req.CorrelationID, err)
			}
		}

		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(requestPollInterval):
		}
	}
}

func (s *Service) logRequestFailure(msg, schemaName, fieldName, correlationID string, err error) {
	s.logger.Error(msg,
		slog.String("field", schemaName+"."+fieldName),
		slog.String("correlation", correlationID),
		slog.String("error", err.Error()),
	)
}
