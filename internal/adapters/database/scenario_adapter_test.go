package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
)

func TestVectorLiteral(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
		want   string
	}{
		{"empty", nil, "[]"},
		{"single", []float32{0.5}, "[0.5]"},
		{"multiple", []float32{0.1, -0.25, 1}, "[0.1,-0.25,1]"},
		{"integers stay compact", []float32{1, 2, 3}, "[1,2,3]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VectorLiteral(tt.vector))
		})
	}
}

func TestSearchScenarios_EmptyVector(t *testing.T) {
	adapter := &ScenarioAdapter{}

	_, err := adapter.SearchScenarios(context.Background(), nil, 5)

	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)
}

func TestFetchRecommendations_NoScenarios(t *testing.T) {
	adapter := &ScenarioAdapter{}

	recs, err := adapter.FetchRecommendations(context.Background(), nil, 10)

	require.NoError(t, err)
	assert.Empty(t, recs)
}
