// Package service translates declarative queries and mutations into
// field-I/O calls, gating every operation on schema state and the
// perimeter permission callback.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shiba4life/datafold/internal/fieldio"
	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/schema"
	"github.com/shiba4life/datafold/internal/store"
)

// PermissionOutcome is the decision a perimeter policy returns.
type PermissionOutcome int

// Permission outcomes.
const (
	PermissionAllow PermissionOutcome = iota
	PermissionDeny
	PermissionChargeAndAllow
)

// PermissionFunc is the opaque perimeter policy consulted before any
// dispatch. Operation is "query" or "mutation".
type PermissionFunc func(operation, schemaName, pubKey string, trustDistance int) PermissionOutcome

// allowAll is the default policy when no perimeter callback is wired.
func allowAll(string, string, string, int) PermissionOutcome { return PermissionAllow }

// Query is a declarative read request.
type Query struct {
	Schema        string
	Fields        []string
	Filter        map[string]any
	PubKey        string
	TrustDistance int

	// Partial requests per-field results even when some fields fail.
	// The default is all-or-nothing.
	Partial bool
}

// QueryResult maps requested field names to their values. For a range
// query with a range filter, each value is a grouping object keyed by
// the matched range-key value.
type QueryResult struct {
	Fields map[string]any    `json:"fields"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Mutation is a declarative write request. Fields maps field names to
// the values to write.
type Mutation struct {
	Schema        string
	Fields        map[string]any
	Type          string
	PubKey        string
	TrustDistance int
}

// Service is the query/mutation front end over field I/O.
type Service struct {
	schemas *schema.Registry
	fields  *fieldio.Service
	perms   PermissionFunc
	logger  *slog.Logger
}

// NewService creates a Service. perms may be nil, in which case every
// operation is allowed.
func NewService(schemas *schema.Registry, fields *fieldio.Service, perms PermissionFunc, logger *slog.Logger) *Service {
	if perms == nil {
		perms = allowAll
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{schemas: schemas, fields: fields, perms: perms, logger: logger}
}

// ExecuteQuery dispatches each requested field to field I/O. Only
// Approved schemas accept queries; a range schema with a range_filter
// returns results grouped by the range-key value.
func (s *Service) ExecuteQuery(q Query) (*QueryResult, error) {
	if !s.schemas.CanQuery(q.Schema) {
		return nil, s.gateError(q.Schema)
	}

	if s.perms("query", q.Schema, q.PubKey, q.TrustDistance) == PermissionDeny {
		return nil, folderr.InvalidPermission("query on schema %q denied", q.Schema)
	}

	sch, err := s.schemas.Get(q.Schema)
	if err != nil {
		return nil, err
	}

	var rangeKeyValue string

	hasRangeFilter := false

	if sch.IsRangeSchema() {
		if _, ok := q.Filter["range_filter"]; ok {
			value, err := sch.ValidateRangeFilter(q.Filter)
			if err != nil {
				return nil, err
			}

			rangeKeyValue = keyString(value)
			hasRangeFilter = true
		}
	}

	result := &QueryResult{Fields: make(map[string]any, len(q.Fields))}

	for _, fieldName := range q.Fields {
		var (
			value any
			err   error
		)

		if hasRangeFilter {
			value, err = s.fields.ReadRangeKey(q.Schema, fieldName, rangeKeyValue)
			if err == nil {
				// Group the matched row under its range-key value.
				value = map[string]any{rangeKeyValue: value}
			}
		} else {
			value, err = s.fields.Read(q.Schema, fieldName)
		}

		if err != nil {
			if !q.Partial {
				return nil, err
			}

			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}

			result.Errors[fieldName] = err.Error()

			continue
		}

		result.Fields[fieldName] = value
	}

	return result, nil
}

// ExecuteMutation validates and applies a mutation: one field write per
// entry, in sorted field order, each carrying the mutation's hash as its
// provenance source. Range-schema mutations must carry a non-empty
// range-key value; the check runs before any atom is written.
func (s *Service) ExecuteMutation(m Mutation) error {
	if !s.schemas.CanMutate(m.Schema) {
		return s.gateError(m.Schema)
	}

	if s.perms("mutation", m.Schema, m.PubKey, m.TrustDistance) == PermissionDeny {
		return folderr.InvalidPermission("mutation on schema %q denied", m.Schema)
	}

	sch, err := s.schemas.Get(m.Schema)
	if err != nil {
		return err
	}

	if len(m.Fields) == 0 {
		return folderr.InvalidData("mutation on schema %q carries no fields", m.Schema)
	}

	hash, err := mutationHash(m)
	if err != nil {
		return err
	}

	opts := fieldio.WriteOptions{}

	if sch.IsRangeSchema() {
		rangeKey, err := extractRangeKey(sch, m.Fields)
		if err != nil {
			return err
		}

		opts.RangeKey = rangeKey
	}

	fieldNames := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		fieldNames = append(fieldNames, name)
	}

	sort.Strings(fieldNames)

	for _, fieldName := range fieldNames {
		if err := s.fields.Write(m.Schema, fieldName, m.Fields[fieldName], m.PubKey, hash, opts); err != nil {
			return err
		}
	}

	s.logger.Debug("mutation applied",
		slog.String("schema", m.Schema),
		slog.Int("fields", len(m.Fields)),
		slog.String("hash", hash),
	)

	return nil
}

// gateError distinguishes an unknown schema from one gated by state.
func (s *Service) gateError(name string) error {
	if _, err := s.schemas.Get(name); err != nil {
		return err
	}

	state, _ := s.schemas.GetState(name)

	return folderr.InvalidPermission("schema %q is %s, not Approved", name, state)
}

// mutationHash computes SHA-256 over the mutation's canonical encoding.
func mutationHash(m Mutation) (string, error) {
	canonical, err := store.Encode(map[string]any{
		"schema": m.Schema,
		"fields": m.Fields,
		"type":   m.Type,
		"pubkey": m.PubKey,
	})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// extractRangeKey pulls the range-key value out of the mutation's fields
// and rejects missing, null, or empty values before any write occurs.
func extractRangeKey(sch *schema.Schema, fields map[string]any) (string, error) {
	raw, ok := fields[sch.RangeKey]
	if !ok {
		return "", folderr.InvalidData("mutation on range schema %q is missing range_key field %q", sch.Name, sch.RangeKey)
	}

	if raw == nil {
		return "", folderr.InvalidData("range_key field %q must not be null", sch.RangeKey)
	}

	key := keyString(raw)
	if key == "" {
		return "", folderr.InvalidData("range_key field %q must not be empty", sch.RangeKey)
	}

	return key, nil
}

// keyString renders a range-key value as its index-key string.
func keyString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}
