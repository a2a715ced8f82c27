package action

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type player struct {
	id   uint32
	addr netip.Addr
}

func (p player) Identity() (netip.Addr, uint32) { return p.addr, p.id }

type gameKind int

const (
	playerJoin gameKind = iota
	playerLeave
)

func (k gameKind) KindKey() string {
	switch k {
	case playerJoin:
		return "player_join"
	case playerLeave:
		return "player_leave"
	}
	return ""
}

func TestNewUsesCapabilities(t *testing.T) {
	p := player{id: 42, addr: netip.MustParseAddr("10.0.0.7")}

	a := New(playerJoin, p)

	assert.Equal(t, uint32(42), a.ID)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), a.Addr)
	assert.Equal(t, "player_join", a.Kind)
	assert.False(t, a.HasDetail())
	assert.True(t, a.Created.IsZero())
	assert.NoError(t, a.Validate())
}

func TestNewUnmapsIPv4InIPv6(t *testing.T) {
	p := player{id: 1, addr: netip.MustParseAddr("::ffff:192.168.1.1")}

	a := New(KindString("login"), p)

	assert.True(t, a.Addr.Is4())
	assert.Equal(t, "192.168.1.1", a.Addr.String())
}

func TestWithDetail(t *testing.T) {
	p := player{id: 7, addr: netip.MustParseAddr("2001:db8::1")}

	a, err := WithDetail(playerLeave, map[string]any{"reason": "lost connection"}, p)
	require.NoError(t, err)

	assert.True(t, a.HasDetail())
	assert.JSONEq(t, `{"reason":"lost connection"}`, string(a.Detail))
	assert.NoError(t, a.Validate())
}

func TestWithDetailNilIsAbsent(t *testing.T) {
	p := player{id: 7, addr: netip.MustParseAddr("127.0.0.1")}

	a, err := WithDetail(playerLeave, nil, p)
	require.NoError(t, err)
	assert.False(t, a.HasDetail())
}

func TestWithDetailUnmarshalable(t *testing.T) {
	p := player{id: 7, addr: netip.MustParseAddr("127.0.0.1")}

	_, err := WithDetail(playerLeave, map[string]any{"ch": make(chan int)}, p)
	assert.True(t, errors.Is(err, ErrInvalidAction))
}

func TestValidate(t *testing.T) {
	addr := netip.MustParseAddr("127.0.0.1")

	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"valid", Action{ID: 1, Addr: addr, Kind: "player_join"}, false},
		{"valid with detail", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"a":[1,2]}`)}, false},
		{"empty kind", Action{ID: 1, Addr: addr}, true},
		{"kind at limit", Action{ID: 1, Addr: addr, Kind: strings.Repeat("k", MaxKindLength)}, false},
		{"kind too long", Action{ID: 1, Addr: addr, Kind: strings.Repeat("k", MaxKindLength+1)}, true},
		{"invalid utf8 kind", Action{ID: 1, Addr: addr, Kind: "\xff\xfe"}, true},
		{"missing addr", Action{ID: 1, Kind: "k"}, true},
		{"bad detail", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"a":`)}, true},
		{"nul in kind", Action{ID: 1, Addr: addr, Kind: "join\x00"}, true},
		{"zoned addr", Action{ID: 1, Addr: netip.MustParseAddr("fe80::1%eth0"), Kind: "k"}, true},
		{"detail nul escape", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"\u0000"}`)}, true},
		{"detail invalid utf8", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte("{\"s\":\"\xff\"}")}, true},
		{"detail lone high surrogate", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"\ud800"}`)}, true},
		{"detail high surrogate at end", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`"\ud800"`)}, true},
		{"detail lone low surrogate", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"a\udc00"}`)}, true},
		{"detail high then non-surrogate", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"\ud800\u0041"}`)}, true},
		{"detail nul escape in key", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"\u0000":1}`)}, true},
		{"detail surrogate pair", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"\ud83d\ude00"}`)}, false},
		{"detail escaped backslash before u", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"\\u0000"}`)}, false},
		{"detail other escapes", Action{ID: 1, Addr: addr, Kind: "k", Detail: []byte(`{"s":"a\"b\n\u00e9"}`)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidAction), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestString(t *testing.T) {
	a := Action{ID: 3, Addr: netip.MustParseAddr("127.0.0.1"), Kind: "player_join"}

	assert.Equal(t, "Action{id: 3, addr: 127.0.0.1, kind: player_join, detail: None, created: pending}", a.String())
}
