package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	c, err := Load(context.Background(), writeManifest(t, "renderbox.yaml", validManifest))
	require.NoError(t, err)

	testCases := []struct {
		name        string
		filter      Filter
		expectedIDs []string
		expectError bool
	}{
		{
			name:        "no filter selects everything",
			expectedIDs: []string{"2.77a", "2.78c", "2.79b"},
		},
		{
			name:        "select by id keeps catalog order",
			filter:      Filter{IDs: []string{"2.79b", "2.77a"}},
			expectedIDs: []string{"2.77a", "2.79b"},
		},
		{
			name:        "select by tag",
			filter:      Filter{Tags: []string{"current"}},
			expectedIDs: []string{"2.79b"},
		},
		{
			name:        "id and tag are combined without duplicates",
			filter:      Filter{IDs: []string{"2.77a"}, Tags: []string{"legacy", "current"}},
			expectedIDs: []string{"2.77a", "2.79b"},
		},
		{
			name:        "unknown id matches nothing",
			filter:      Filter{IDs: []string{"9.99"}},
			expectedIDs: []string{},
		},
		{
			name:        "empty id list matches nothing",
			filter:      Filter{IDs: []string{}},
			expectedIDs: []string{},
		},
		{
			name:        "constraint on series",
			filter:      Filter{Constraint: ">= 2.78"},
			expectedIDs: []string{"2.78c", "2.79b"},
		},
		{
			name:        "constraint combined with ids",
			filter:      Filter{IDs: []string{"2.77a", "2.78c"}, Constraint: "~2.78"},
			expectedIDs: []string{"2.78c"},
		},
		{
			name:        "invalid constraint",
			filter:      Filter{Constraint: "not a constraint"},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			selected, err := Select(c, tc.filter)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedIDs, ids(selected))
		})
	}
}
