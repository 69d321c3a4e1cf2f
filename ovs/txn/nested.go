package txn

import "context"

// Factory creates transactions. Backends implement it.
type Factory interface {
	CreateTransaction(opts Options) *Transaction
}

type scopeKey struct {
	f Factory
}

// FromContext returns the transaction a WithTransaction scope of f opened
// in ctx.
func FromContext(ctx context.Context, f Factory) (*Transaction, bool) {
	t, ok := ctx.Value(scopeKey{f}).(*Transaction)
	return t, ok
}

// WithTransaction runs fn inside a transaction scope and commits the
// transaction when fn returns nil.
//
// When ctx already carries a scope of the same factory, fn joins that
// transaction: its commands are committed by the outermost scope and the
// returned results are nil. opts.Isolated always opens a new transaction.
// The scope ends with fn whatever happens, because it only lives in the
// context passed to fn.
func WithTransaction(ctx context.Context, f Factory, opts Options, fn func(ctx context.Context, t *Transaction) error) ([]interface{}, error) {
	if !opts.Isolated {
		if t, ok := FromContext(ctx, f); ok {
			return nil, fn(ctx, t)
		}
	}
	t := f.CreateTransaction(opts)
	if err := fn(context.WithValue(ctx, scopeKey{f}, t), t); err != nil {
		return nil, err
	}
	return t.Commit(ctx)
}
