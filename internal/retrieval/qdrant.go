package retrieval

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant-backed Index.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantIndex implements Index over a Qdrant collection. Server-side
// exclusion is attempted via a MustNot/HasId condition; because not every
// Qdrant version or deployment guarantees that condition is honored
// identically, results are also re-filtered client-side against excludeIDs
// before returning, so a server that silently ignores the exclusion clause
// never leaks an already-seen conversation back into the loop.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex dials Qdrant and returns an Index. The collection must
// already exist; the retrieval loop only searches, it never writes.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("retrieval: qdrant collection name is required")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: dialing qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection}, nil
}

// Search runs a filtered vector similarity search and degrades to a
// client-side exclusion pass over the results.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, topK int, filters map[string]any, excludeIDs map[string]bool) ([]Hit, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cond := buildFilter(filters, excludeIDs); cond != nil {
		searchRequest.Filter = cond
	}

	points, err := q.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("retrieval: qdrant search: %w", err)
	}

	hits := make([]Hit, 0, len(points.Result))
	for _, point := range points.Result {
		id := pointID(point.Id)
		if excludeIDs[id] {
			// Client-side degradation: the server-side MustNot/HasId clause
			// is best-effort, this check is authoritative.
			continue
		}
		hits = append(hits, Hit{ID: id, Score: point.Score, Payload: convertPayload(point.Payload)})
	}
	return hits, nil
}

func buildFilter(filters map[string]any, excludeIDs map[string]bool) *qdrant.Filter {
	if len(filters) == 0 && len(excludeIDs) == 0 {
		return nil
	}
	f := &qdrant.Filter{}
	for key, value := range filters {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		f.Must = append(f.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()}},
				},
			},
		})
	}
	if len(excludeIDs) > 0 {
		ids := make([]*qdrant.PointId, 0, len(excludeIDs))
		for id := range excludeIDs {
			ids = append(ids, qdrant.NewID(id))
		}
		f.MustNot = append(f.MustNot, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_HasId{
				HasId: &qdrant.HasIdCondition{HasId: ids},
			},
		})
	}
	return f
}

func pointID(id *qdrant.PointId) string {
	if id == nil || id.PointIdOptions == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	default:
		return ""
	}
}

func convertPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if value == nil {
			continue
		}
		switch v := value.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = v.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = v.BoolValue
		}
	}
	return out
}

// Close releases the underlying Qdrant client connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
