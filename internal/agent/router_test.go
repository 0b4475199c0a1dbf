package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelect(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.OnConnect(ctx, "web-2", Metadata{Tags: []string{"web", "prod"}}, &fakeConn{})
	reg.OnConnect(ctx, "web-1", Metadata{Tags: []string{"web"}}, &fakeConn{})
	reg.OnConnect(ctx, "db-1", Metadata{Tags: []string{"db", "prod"}}, &fakeConn{})

	tests := []struct {
		name    string
		sel     Selector
		want    []string
		missing []string
	}{
		{"all agents", Selector{}, []string{"db-1", "web-1", "web-2"}, nil},
		{"any tag matches", Selector{Tags: []string{"db", "web"}}, []string{"db-1", "web-1", "web-2"}, nil},
		{"single tag", Selector{Tags: []string{"prod"}}, []string{"db-1", "web-2"}, nil},
		{"unknown tag", Selector{Tags: []string{"qa"}}, nil, nil},
		{"explicit ids win over tags", Selector{AgentIDs: []string{"web-1"}, Tags: []string{"db"}}, []string{"web-1"}, nil},
		{"duplicates and missing", Selector{AgentIDs: []string{"web-1", "ghost", "web-1"}}, []string{"web-1"}, []string{"ghost"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.Select(tt.sel)
			assert.Equal(t, tt.want, got.AgentIDs)
			assert.Equal(t, tt.missing, got.Missing)
		})
	}
}
