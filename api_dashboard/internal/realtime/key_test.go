package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frameworks/api_dashboard/internal/source"
)

func TestChannelKey_String(t *testing.T) {
	assert.Equal(t, "kastle_banking_accounts", ChannelKey{Schema: "kastle_banking", Table: "accounts"}.String())
	assert.Equal(t, "kastle_banking_accounts_branch_id=eq.1",
		ChannelKey{Schema: "kastle_banking", Table: "accounts", Filter: "branch_id=eq.1"}.String())
}

func TestChannelKey_Validate(t *testing.T) {
	assert.NoError(t, ChannelKey{Schema: "kastle_banking", Table: "accounts"}.Validate())
	assert.Error(t, ChannelKey{Schema: "kastle_banking"}.Validate())
	assert.Error(t, ChannelKey{Table: "accounts", Filter: "status=like.x"}.Validate())
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		expr  string
		field string
		op    source.Op
		value any
	}{
		{"branch_id=eq.1", "branch_id", source.OpEq, "1"},
		{"balance=gte.1000.50", "balance", source.OpGte, "1000.50"},
		{"status=neq.CLOSED", "status", source.OpNeq, "CLOSED"},
		{"status=in.(ACTIVE, DORMANT)", "status", source.OpIn, []any{"ACTIVE", "DORMANT"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := ParseFilter(tt.expr)
			require.NoError(t, err)
			require.NotNil(t, f.Filter())
			assert.Equal(t, tt.field, f.Filter().Field)
			assert.Equal(t, tt.op, f.Filter().Op)
			assert.Equal(t, tt.value, f.Filter().Value)
		})
	}
}

func TestParseFilter_Errors(t *testing.T) {
	for _, expr := range []string{"branch_id", "=eq.1", "branch_id=1", "branch_id=like.1", "status=in.ACTIVE"} {
		_, err := ParseFilter(expr)
		assert.Error(t, err, expr)
	}
}

func TestFilterExpr_Matches(t *testing.T) {
	empty, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.Nil(t, empty.Filter())
	assert.True(t, empty.Matches(source.Record{"anything": 1}))

	f, err := ParseFilter("status=in.(ACTIVE,DORMANT)")
	require.NoError(t, err)
	assert.True(t, f.Matches(source.Record{"status": "DORMANT"}))
	assert.False(t, f.Matches(source.Record{"status": "CLOSED"}))

	gt, err := ParseFilter("balance=gt.100")
	require.NoError(t, err)
	assert.True(t, gt.Matches(source.Record{"balance": 150.25}))
	assert.False(t, gt.Matches(source.Record{"balance": "99"}))
	assert.False(t, gt.Matches(source.Record{}))
}
