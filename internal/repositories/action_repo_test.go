package repositories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/harplog/harp/action"
	"github.com/harplog/harp/migrations"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("begin: %w", context.DeadlineExceeded), true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"net op", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"string too long", &pgconn.PgError{Code: "22001"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnavailable(tt.err))
		})
	}
}

func TestClassifyWraps(t *testing.T) {
	err := classify(io.EOF)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.True(t, errors.Is(err, io.EOF))

	data := &pgconn.PgError{Code: "22P02"}
	assert.Same(t, data, classify(data))
	assert.NoError(t, classify(nil))
}

func TestActionRow(t *testing.T) {
	a := action.Action{
		ID:     7,
		Addr:   netip.MustParseAddr("::ffff:10.1.2.3"),
		Kind:   "player_join",
		Detail: []byte(`{"reason":"x"}`),
	}
	row := actionRow(a)
	require.Len(t, row, len(actionColumns))
	assert.Equal(t, int64(7), row[0])
	assert.Equal(t, netip.MustParsePrefix("10.1.2.3/32"), row[1])
	assert.Equal(t, "player_join", row[2])
	assert.Equal(t, []byte(`{"reason":"x"}`), row[3])

	a.Detail = nil
	assert.Nil(t, actionRow(a)[3])

	a.Addr = netip.MustParseAddr("2001:db8::1")
	assert.Equal(t, netip.MustParsePrefix("2001:db8::1/128"), actionRow(a)[1])
}

// TestActionRepoPostgres runs against a real database when
// HARP_TEST_POSTGRES_DSN is set.
func TestActionRepoPostgres(t *testing.T) {
	dsn := os.Getenv("HARP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HARP_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	sql, err := migrations.FS.ReadFile("0001_actions.up.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(sql))
	require.NoError(t, err)

	repo := NewActionRepo(pool)
	require.NoError(t, repo.Ping(ctx))

	uid := uint32(time.Now().UnixNano() & 0x7fffffff)
	batch := []action.Action{
		action.New(action.KindString("repo_test"), target{netip.MustParseAddr("127.0.0.1"), uid}),
		action.MustWithDetail(action.KindString("repo_test"), map[string]string{"reason": "lost connection"},
			target{netip.MustParseAddr("::1"), uid}),
	}
	require.NoError(t, repo.InsertBatch(ctx, batch))

	got, err := repo.ListByUniqueID(ctx, uid, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// newest first
	assert.Equal(t, netip.MustParseAddr("::1"), got[0].Addr)
	assert.JSONEq(t, `{"reason":"lost connection"}`, string(got[0].Detail))
	assert.False(t, got[1].HasDetail())
	assert.False(t, got[1].Created.IsZero())

	n, err := repo.CountByKind(ctx, "repo_test")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	// a kind longer than the column rejects the whole batch
	bad := append([]action.Action{batch[0]}, action.Action{ID: uid, Addr: batch[0].Addr, Kind: strings.Repeat("k", 65)})
	err = repo.InsertBatch(ctx, bad)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStorageUnavailable))

	// values the columns refuse never pass validation
	for _, a := range []action.Action{
		{ID: uid, Addr: batch[0].Addr, Kind: "join\x00"},
		{ID: uid, Addr: batch[0].Addr, Kind: "repo_test", Detail: []byte(`{"s":"\u0000"}`)},
		{ID: uid, Addr: batch[0].Addr, Kind: "repo_test", Detail: []byte(`{"s":"\ud800"}`)},
	} {
		assert.ErrorIs(t, a.Validate(), action.ErrInvalidAction, "kind %q detail %s", a.Kind, a.Detail)

		err = repo.InsertBatch(ctx, []action.Action{a})
		require.Error(t, err, "kind %q detail %s", a.Kind, a.Detail)
		assert.False(t, IsUnavailable(err))
	}

	after, err := repo.ListByUniqueID(ctx, uid, 10)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

type target struct {
	addr netip.Addr
	id   uint32
}

func (t target) Identity() (netip.Addr, uint32) { return t.addr, t.id }
