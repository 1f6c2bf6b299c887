package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestExtractStack(t *testing.T) {
	assert.Nil(t, ExtractStack(nil))
	assert.Nil(t, ExtractStack(fmt.Errorf("plain")))

	withStack := errors.WithStack(errors.Errorf("boom"))
	assert.NotNil(t, ExtractStack(withStack))
	assert.NotNil(t, ExtractStack(errors.WithMessage(withStack, "context")))
}

func TestWithStacktrace(t *testing.T) {
	entry := log.NewEntry(log.New())
	err := errors.WithStack(errors.New("boom"))

	result := WithStacktrace(entry, err)

	assert.Equal(t, err, result.Data[log.ErrorKey])
	assert.Contains(t, result.Data, Stacktrace)
}
