package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid api key"), false},
		{"marked", NewTransientError(errors.New("x"), 429), true},
		{"wrapped by eris", eris.Wrap(NewTransientError(errors.New("x"), 500), "classifier: call"), true},
		{"conn reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true},
		{"message heuristic", errors.New("read tcp: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsTransient(ClassifyStatus(base, 503)))
	assert.True(t, IsTransient(ClassifyStatus(base, 529)))
	assert.False(t, IsTransient(ClassifyStatus(base, 400)))
	assert.Nil(t, ClassifyStatus(nil, 503))
}
