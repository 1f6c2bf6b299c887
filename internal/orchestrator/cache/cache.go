package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

// ResultCache stores previously computed results per model and input.
type ResultCache interface {
	// Lookup returns the cached results for the given inputs. Inputs without a cached result are omitted.
	Lookup(ctx context.Context, modelId string, inputs []string) ([]domain.CachedResult, error)
	// Persist stores results[i] as the result of inputs[i]. Null results are skipped.
	// Returns false if nothing was stored.
	Persist(ctx context.Context, modelId string, inputs []string, results []json.RawMessage, userId string) (bool, error)
}

// NoopCache never holds a result.
type NoopCache struct{}

func (NoopCache) Lookup(context.Context, string, []string) ([]domain.CachedResult, error) {
	return nil, nil
}

func (NoopCache) Persist(context.Context, string, []string, []json.RawMessage, string) (bool, error) {
	return false, nil
}

func cacheKey(modelId string, input string) string {
	hash := sha256.Sum256([]byte(input))
	return keyPrefix + modelId + ":" + hex.EncodeToString(hash[:])
}
