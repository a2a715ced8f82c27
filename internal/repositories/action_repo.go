package repositories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/harplog/harp/action"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStorageUnavailable marks failures caused by the database being
// unreachable rather than by the data. The batch is safe to retry unchanged.
var ErrStorageUnavailable = errors.New("storage unavailable")

var actionColumns = []string{"unique_id", "ip_address", "kind", "detail"}

type ActionRepo struct {
	pool *pgxpool.Pool
}

func NewActionRepo(pool *pgxpool.Pool) *ActionRepo {
	return &ActionRepo{pool: pool}
}

// InsertBatch writes every action in one transaction. Either all rows are
// committed or none are. id and created take their column defaults.
func (r *ActionRepo) InsertBatch(ctx context.Context, batch []action.Action) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"harp", "actions"}, actionColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			return actionRow(batch[i]), nil
		}),
	)
	if err != nil {
		return classify(fmt.Errorf("copy actions: %w", err))
	}
	if int(n) != len(batch) {
		return fmt.Errorf("copy actions: wrote %d of %d rows", n, len(batch))
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit actions: %w", err))
	}
	return nil
}

// Ping checks that a connection can be acquired and used.
func (r *ActionRepo) Ping(ctx context.Context) error {
	return classify(r.pool.Ping(ctx))
}

// ListByUniqueID returns the most recent rows recorded for a producer id.
func (r *ActionRepo) ListByUniqueID(ctx context.Context, uniqueID uint32, limit int) ([]action.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT unique_id, ip_address, kind, detail, created
		FROM harp.actions WHERE unique_id = $1
		ORDER BY id DESC LIMIT $2
	`, int64(uniqueID), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []action.Action
	for rows.Next() {
		var (
			a      action.Action
			id     int64
			prefix netip.Prefix
			detail []byte
		)
		if err := rows.Scan(&id, &prefix, &a.Kind, &detail, &a.Created); err != nil {
			return nil, err
		}
		a.ID = uint32(id)
		a.Addr = prefix.Addr()
		if detail != nil {
			a.Detail = detail
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (r *ActionRepo) CountByKind(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM harp.actions WHERE kind = $1`, kind).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func actionRow(a action.Action) []any {
	var detail any
	if a.HasDetail() {
		detail = []byte(a.Detail)
	}
	addr := a.Addr.Unmap()
	return []any{
		int64(a.ID),
		netip.PrefixFrom(addr, addr.BitLen()),
		a.Kind,
		detail,
	}
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if IsUnavailable(err) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

// IsUnavailable reports whether err means the database could not be reached
// or dropped the connection.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection_exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03": // shutdown, cannot_connect_now
			return true
		case pgErr.Code == "53300": // too_many_connections
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
