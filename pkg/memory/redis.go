package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus-core/pkg/tenant"
)

const (
	keyPrefix = "nexus:memory"

	// maxPerKind caps each tenant's per-kind list.
	maxPerKind = 1000

	defaultRecallLimit = 10
)

// RedisStore keeps memories in per-tenant Redis lists. Recall scores items
// by word overlap with the query; it is deliberately lexical, no embedding
// service is involved.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func kindKey(tc tenant.Context, kind string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, tc.Key(), kind)
}

func (s *RedisStore) store(ctx context.Context, tc tenant.Context, kind, content string, meta map[string]any) (string, error) {
	if err := tc.Validate(); err != nil {
		return "", err
	}
	m := Memory{
		ID:        uuid.New().String(),
		Content:   content,
		Kind:      kind,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", kind, err)
	}
	key := kindKey(tc, kind)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, maxPerKind-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("storing %s: %w", kind, err)
	}
	return m.ID, nil
}

// StoreMemory persists a plain memory item.
func (s *RedisStore) StoreMemory(ctx context.Context, tc tenant.Context, content string, meta map[string]any) (string, error) {
	return s.store(ctx, tc, "memory", content, meta)
}

// StoreDocument persists a document and returns its ID.
func (s *RedisStore) StoreDocument(ctx context.Context, tc tenant.Context, content string, meta map[string]any) (string, error) {
	return s.store(ctx, tc, "document", content, meta)
}

// StoreEpisode persists a completed-task episode.
func (s *RedisStore) StoreEpisode(ctx context.Context, tc tenant.Context, ep Episode) (string, error) {
	meta := ep.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["task_id"] = ep.TaskID
	meta["title"] = ep.Title
	return s.store(ctx, tc, "episode", ep.Content, meta)
}

// RecallMemory returns memories ranked by lexical overlap with the query.
func (s *RedisStore) RecallMemory(ctx context.Context, tc tenant.Context, opts RecallOptions) ([]Memory, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return s.recallKinds(ctx, tc, opts.Query, opts.Limit, []string{"memory"})
}

// SynthesizeContext recalls across the requested kinds and condenses them.
func (s *RedisStore) SynthesizeContext(ctx context.Context, tc tenant.Context, query string, opts SynthesisOptions) (*SynthesizedContext, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	var kinds []string
	if opts.IncludeMemories {
		kinds = append(kinds, "memory")
	}
	if opts.IncludeEpisodes {
		kinds = append(kinds, "episode")
	}
	if opts.IncludeDocuments {
		kinds = append(kinds, "document")
	}
	if len(kinds) == 0 {
		kinds = []string{"memory"}
	}

	items, err := s.recallKinds(ctx, tc, query, opts.Limit, kinds)
	if err != nil {
		return nil, err
	}

	budget := opts.MaxTokens
	if budget <= 0 {
		budget = 4000
	}
	var b strings.Builder
	var total float64
	// Rough 4 chars per token.
	charBudget := budget * 4
	for _, m := range items {
		if b.Len()+len(m.Content) > charBudget {
			break
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Kind, m.Content)
		total += m.Relevance
	}
	score := 0.0
	if len(items) > 0 {
		score = total / float64(len(items))
	}
	return &SynthesizedContext{
		Summary:          b.String(),
		RelevantMemories: items,
		RelevanceScore:   score,
	}, nil
}

func (s *RedisStore) recallKinds(ctx context.Context, tc tenant.Context, query string, limit int, kinds []string) ([]Memory, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	var all []Memory
	for _, kind := range kinds {
		raws, err := s.client.LRange(ctx, kindKey(tc, kind), 0, maxPerKind-1).Result()
		if err != nil {
			return nil, fmt.Errorf("recalling %s: %w", kind, err)
		}
		for _, raw := range raws {
			var m Memory
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				continue
			}
			m.Relevance = overlapScore(query, m.Content)
			if m.Relevance > 0 || query == "" {
				all = append(all, m)
			}
		}
	}
	sortByRelevance(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// overlapScore is the fraction of query words present in the content.
func overlapScore(query, content string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lc := strings.ToLower(content)
	hits := 0
	for _, w := range words {
		if strings.Contains(lc, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

func sortByRelevance(items []Memory) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Relevance > items[j].Relevance
	})
}
