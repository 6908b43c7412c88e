package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/embedding"
)

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	MinScore   float64
	Embedder   embedding.Embedder
	Logger     zerolog.Logger
}

// QdrantRetriever retrieves documents from a qdrant collection by embedding.
type QdrantRetriever struct {
	client     *qdrant.Client
	collection string
	minScore   float64
	embedder   embedding.Embedder
	logger     zerolog.Logger
}

// NewQdrantRetriever creates a new qdrant-backed retriever.
func NewQdrantRetriever(cfg QdrantConfig) (*QdrantRetriever, error) {
	observability.EnsureRegistered()

	if cfg.Host == "" {
		return nil, errors.New("qdrant host is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("qdrant collection is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("qdrant retrieval requires an embedder")
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantRetriever{
		client:     client,
		collection: cfg.Collection,
		minScore:   cfg.MinScore,
		embedder:   cfg.Embedder,
		logger:     cfg.Logger.With().Str("component", "qdrant").Logger(),
	}, nil
}

func (q *QdrantRetriever) Retrieve(ctx context.Context, query string, filter Filter, limit int) (docs []Document, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "knowledge.qdrant_retrieve",
		attribute.String("collection", q.collection),
		attribute.Int("limit", limit),
	)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordRetrieval("qdrant", time.Since(start)) }()

	if limit <= 0 {
		return []Document{}, nil
	}
	vecs, err := q.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query embedding, got %d", len(vecs))
	}

	lim := uint64(limit)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vecs[0]...),
		Limit:          &lim,
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	docs = make([]Document, 0, len(points))
	for _, p := range points {
		if q.minScore > 0 && float64(p.Score) < q.minScore {
			continue
		}
		docs = append(docs, documentFromPayload(pointID(p.Id), float64(p.Score), p.Payload))
	}
	return docs, nil
}

// Upsert embeds docs and writes them to the collection, creating it if needed.
// Point IDs are derived from Document.ID so re-syncing a document replaces it.
func (q *QdrantRetriever) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := q.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		payload := map[string]any{
			"document_id": d.ID,
			"source":      d.Source,
			"title":       d.Title,
			"content":     d.Content,
		}
		for k, v := range d.Tags {
			if _, reserved := payload[k]; !reserved {
				payload[k] = normalizeTag(v)
			}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.ID)).String()),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	wait := true
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	q.logger.Info().Int("points", len(points)).Str("collection", q.collection).Msg("Upserted knowledge points")
	return nil
}

func (q *QdrantRetriever) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.embedder.Dimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

func (q *QdrantRetriever) Close() error {
	return q.client.Close()
}

// normalizeTag folds tag values so keyword matches behave like Filter.Matches.
func normalizeTag(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// buildQdrantFilter converts a tag filter into keyword match conditions.
func buildQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: normalizeTag(value)}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

// documentFromPayload maps reserved payload keys to fields and the rest to tags.
func documentFromPayload(id string, score float64, payload map[string]*qdrant.Value) Document {
	doc := Document{ID: id, Score: score, Tags: map[string]string{}}
	for k, v := range payload {
		switch k {
		case "content":
			doc.Content = v.GetStringValue()
		case "source":
			doc.Source = v.GetStringValue()
		case "title":
			doc.Title = v.GetStringValue()
		case "document_id":
			if s := v.GetStringValue(); s != "" {
				doc.ID = s
			}
		default:
			if s := v.GetStringValue(); s != "" {
				doc.Tags[k] = s
			}
		}
	}
	return doc
}
