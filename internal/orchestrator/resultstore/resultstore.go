package resultstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

// ResultStore persists the consolidated result of a completed work request.
type ResultStore interface {
	Upload(ctx context.Context, modelId string, requestId int64, result []byte) error
	// Download returns *huberrors.ErrNotFound if no result was uploaded for the request.
	Download(ctx context.Context, modelId string, requestId int64) ([]byte, error)
}

func New(ctx context.Context, config configuration.ResultStoreConfig) (ResultStore, error) {
	switch config.Type {
	case configuration.ResultStoreTypeS3:
		return NewS3ResultStore(ctx, config.S3)
	case configuration.ResultStoreTypeLocal:
		return NewLocalResultStore(config.Local.Directory)
	default:
		return nil, errors.Errorf("unknown result store type %q", config.Type)
	}
}

func objectName(modelId string, requestId int64) string {
	return fmt.Sprintf("%s/%d.json", modelId, requestId)
}
