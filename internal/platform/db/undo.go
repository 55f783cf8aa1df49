package db

import (
	"context"
	"sync"
)

type undoContextKey struct{}

type undoLog struct {
	mu    sync.Mutex
	steps []func()
}

// BeginUndo gives in-memory repositories the rollback semantics of a shared
// transaction. The returned rollback runs registered steps newest first. owned is
// false when ctx already carries a log; the outer scope then decides.
func BeginUndo(ctx context.Context) (context.Context, func(), bool) {
	if log, ok := ctx.Value(undoContextKey{}).(*undoLog); ok && log != nil {
		return ctx, func() {}, false
	}
	log := &undoLog{}
	rollback := func() {
		log.mu.Lock()
		steps := log.steps
		log.steps = nil
		log.mu.Unlock()
		for i := len(steps) - 1; i >= 0; i-- {
			steps[i]()
		}
	}
	return context.WithValue(ctx, undoContextKey{}, log), rollback, true
}

// OnRollback registers fn with the in-memory unit of work carried by ctx.
// It reports false when there is none.
func OnRollback(ctx context.Context, fn func()) bool {
	log, ok := ctx.Value(undoContextKey{}).(*undoLog)
	if !ok || log == nil {
		return false
	}
	log.mu.Lock()
	log.steps = append(log.steps, fn)
	log.mu.Unlock()
	return true
}

// InTx reports whether ctx carries a unit of work, database or in-memory, owned
// by a caller.
func InTx(ctx context.Context) bool {
	if _, ok := TxFromContext(ctx); ok {
		return true
	}
	log, ok := ctx.Value(undoContextKey{}).(*undoLog)
	return ok && log != nil
}
