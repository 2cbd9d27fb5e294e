// pgx-backed connection and error classification.
package dbpool

import (
	"context"
	stderrors "errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forgebench/forgebench/pkg/errors"
)

// pgxConn adapts *pgx.Conn to the pool's Conn interface.
type pgxConn struct {
	conn *pgx.Conn
}

// Dial returns a Connector for the given postgres connection string.
func Dial(databaseURL string) Connector {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return &pgxConn{conn: conn}, nil
	}
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// classifyExecError maps a failed query to an error class. Deadline
// expiration of the statement context means the statement timeout fired;
// server-reported errors are query errors; anything else on the wire is a
// connection fault.
func classifyExecError(qctx context.Context, err error) errors.ErrorType {
	if stderrors.Is(qctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrorTypeStatementTimeout
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return errors.ErrorTypeQuery
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.ErrorTypeConnection
	}
	if pgconn.Timeout(err) {
		return errors.ErrorTypeStatementTimeout
	}

	return errors.ErrorTypeConnection
}

// classifyDialError maps a failed dial to an error class.
func classifyDialError(dctx context.Context, err error) errors.ErrorType {
	if stderrors.Is(dctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrorTypeAcquireTimeout
	}
	return errors.ErrorTypeConnection
}
