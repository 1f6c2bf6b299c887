package registry

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

const allModelsKey = "\x00all"

// ModelRegistry serves model configurations, caching them for a short time so the scheduling
// loops do not hit the database for every request.
type ModelRegistry struct {
	repository repository.ModelRepository
	cache      *cache.Cache
	ttl        time.Duration
}

func NewModelRegistry(repository repository.ModelRepository, ttl time.Duration) *ModelRegistry {
	return &ModelRegistry{
		repository: repository,
		cache:      cache.New(ttl, 2*ttl),
		ttl:        ttl,
	}
}

// Get returns a *huberrors.ErrNotFound if the model is not registered.
func (r *ModelRegistry) Get(ctx context.Context, modelId string) (*domain.Model, error) {
	if cached, ok := r.cache.Get(modelId); ok {
		return copyModel(cached.(*domain.Model)), nil
	}
	model, err := r.repository.Get(ctx, modelId)
	if err != nil {
		return nil, err
	}
	r.store(modelId, model)
	return copyModel(model), nil
}

func (r *ModelRegistry) List(ctx context.Context) ([]*domain.Model, error) {
	if cached, ok := r.cache.Get(allModelsKey); ok {
		return copyModels(cached.([]*domain.Model)), nil
	}
	models, err := r.repository.List(ctx)
	if err != nil {
		return nil, err
	}
	r.store(allModelsKey, models)
	return copyModels(models), nil
}

// Register stores a model and drops any cached copy of it.
func (r *ModelRegistry) Register(ctx context.Context, model *domain.Model) error {
	if err := r.repository.Upsert(ctx, model); err != nil {
		return err
	}
	r.cache.Delete(model.Id)
	r.cache.Delete(allModelsKey)
	return nil
}

// ServedModelIds returns configured when it is not empty, otherwise the ids of all enabled models.
func (r *ModelRegistry) ServedModelIds(ctx context.Context, configured []string) ([]string, error) {
	if len(configured) > 0 {
		return configured, nil
	}
	models, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		if m.Enabled {
			ids = append(ids, m.Id)
		}
	}
	return ids, nil
}

// store caches value unless caching is disabled with a non-positive ttl.
func (r *ModelRegistry) store(key string, value interface{}) {
	if r.ttl > 0 {
		r.cache.Set(key, value, r.ttl)
	}
}

func copyModel(m *domain.Model) *domain.Model {
	c := *m
	return &c
}

func copyModels(models []*domain.Model) []*domain.Model {
	result := make([]*domain.Model, len(models))
	for i, m := range models {
		result[i] = copyModel(m)
	}
	return result
}
