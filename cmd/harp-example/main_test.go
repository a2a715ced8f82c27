package main

import (
	"net/netip"
	"testing"

	"github.com/harplog/harp/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleActions(t *testing.T) {
	p := Player{ID: 42, IP: netip.MustParseAddr("192.168.1.10")}

	join := action.New(PlayerJoin, p)
	assert.Equal(t, "player_join", join.Kind)
	assert.Equal(t, uint32(42), join.ID)
	assert.False(t, join.HasDetail())

	leave, err := action.WithDetail(PlayerLeave, leaveDetail{Reason: "lost connection"}, p)
	require.NoError(t, err)
	assert.Equal(t, "player_leave", leave.Kind)
	assert.JSONEq(t, `{"reason":"lost connection"}`, string(leave.Detail))
	assert.NoError(t, leave.Validate())
}
