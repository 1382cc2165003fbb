// Package dbtest provides transaction fakes for service tests whose
// repositories are faked and therefore never issue SQL.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool satisfies db.Pool. Begin hands out a fresh *Tx and records it.
type Pool struct {
	mu       sync.Mutex
	BeginErr error
	txs      []*Tx
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tx := &Tx{}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txs) == 0 {
		return nil
	}
	return p.txs[len(p.txs)-1]
}

// Commits counts committed transactions.
func (p *Pool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.txs {
		if tx.Committed() {
			n++
		}
	}
	return n
}

func (p *Pool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("dbtest: Pool.Exec not implemented")
}

func (p *Pool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("dbtest: Pool.Query not implemented")
}

func (p *Pool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("dbtest: Pool.QueryRow not implemented")
}

// Tx records commit/rollback calls. Rollback after Commit is a no-op, as in pgx.
type Tx struct {
	mu        sync.Mutex
	committed bool
	rolled    bool
	CommitErr error
}

func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolled
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions not supported")
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CommitErr != nil {
		return t.CommitErr
	}
	t.committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.committed {
		t.rolled = true
	}
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
