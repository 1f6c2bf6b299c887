package resultstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
)

// LocalResultStore keeps results as files below a directory.
type LocalResultStore struct {
	directory string
}

func NewLocalResultStore(directory string) (*LocalResultStore, error) {
	if directory == "" {
		return nil, errors.WithStack(&huberrors.ErrInvalidArgument{
			Name:    "directory",
			Value:   directory,
			Message: "directory must be non-empty",
		})
	}
	return &LocalResultStore{directory: directory}, nil
}

func (s *LocalResultStore) Upload(_ context.Context, modelId string, requestId int64, result []byte) error {
	file := s.path(modelId, requestId)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, result, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, file))
}

func (s *LocalResultStore) Download(_ context.Context, modelId string, requestId int64) ([]byte, error) {
	file := s.path(modelId, requestId)
	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "result", Value: file})
	}
	return data, errors.WithStack(err)
}

func (s *LocalResultStore) path(modelId string, requestId int64) string {
	return filepath.Join(s.directory, filepath.FromSlash(objectName(modelId, requestId)))
}
