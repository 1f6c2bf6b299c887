package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
)

type countingModelRepository struct {
	repository.ModelRepository
	gets  int
	lists int
}

func (r *countingModelRepository) Get(ctx context.Context, modelId string) (*domain.Model, error) {
	r.gets++
	return r.ModelRepository.Get(ctx, modelId)
}

func (r *countingModelRepository) List(ctx context.Context) ([]*domain.Model, error) {
	r.lists++
	return r.ModelRepository.List(ctx)
}

func setup() (*ModelRegistry, *countingModelRepository) {
	repo := &countingModelRepository{ModelRepository: repository.NewInMemoryModelRepository(
		&domain.Model{Id: "eos3b5e", Enabled: true},
		&domain.Model{Id: "eos4e40", Enabled: false},
	)}
	return NewModelRegistry(repo, time.Minute), repo
}

func TestModelRegistry_GetIsCached(t *testing.T) {
	r, repo := setup()
	ctx := context.Background()

	first, err := r.Get(ctx, "eos3b5e")
	require.NoError(t, err)
	first.Enabled = false

	second, err := r.Get(ctx, "eos3b5e")
	require.NoError(t, err)
	assert.True(t, second.Enabled)
	assert.Equal(t, 1, repo.gets)
}

func TestModelRegistry_GetMissing(t *testing.T) {
	r, _ := setup()
	_, err := r.Get(context.Background(), "missing")
	assert.True(t, huberrors.IsNotFound(err))
}

func TestModelRegistry_RegisterInvalidatesCache(t *testing.T) {
	r, repo := setup()
	ctx := context.Background()

	_, err := r.Get(ctx, "eos3b5e")
	require.NoError(t, err)
	_, err = r.List(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Register(ctx, &domain.Model{
		Id:      "eos3b5e",
		Enabled: true,
		Details: domain.ModelDetails{ExecutionMode: domain.ExecutionModeAsync},
	}))

	model, err := r.Get(ctx, "eos3b5e")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionModeAsync, model.Details.ExecutionMode)
	assert.Equal(t, 2, repo.gets)

	_, err = r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.lists)
}

func TestModelRegistry_ServedModelIds(t *testing.T) {
	r, _ := setup()
	ctx := context.Background()

	ids, err := r.ServedModelIds(ctx, []string{"eos4e40"})
	require.NoError(t, err)
	assert.Equal(t, []string{"eos4e40"}, ids)

	ids, err = r.ServedModelIds(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"eos3b5e"}, ids)
}
