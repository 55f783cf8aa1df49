package serial

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

// Guard scopes a reservation: the code is reverted on Release unless Commit was called.
//
//	guard, err := svc.Begin(ctx, in)
//	if err != nil { return err }
//	defer guard.Release(ctx)
//	... post using guard.Code() ...
//	guard.Commit()
type Guard struct {
	svc       *Service
	res       Reservation
	mu        sync.Mutex
	committed bool
	released  bool
}

// Begin reserves a code and returns a guard over it.
func (s *Service) Begin(ctx context.Context, in ReserveInput) (*Guard, error) {
	res, err := s.ReserveCode(ctx, in)
	if err != nil {
		return nil, err
	}
	return &Guard{svc: s, res: res}, nil
}

// Hold wraps a code reserved earlier, typically by a client through the API.
func (s *Service) Hold(ctx context.Context, code string) (*Guard, error) {
	res, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case StatusUsed:
		return nil, fmt.Errorf("serial: %s: %w", code, ErrDuplicateCode)
	case StatusReverted:
		return nil, fmt.Errorf("serial: %s: %w", code, ErrCodeReverted)
	}
	return &Guard{svc: s, res: res}, nil
}

// Code returns the guarded code.
func (g *Guard) Code() string {
	return g.res.Code
}

// Reservation returns the guarded reservation.
func (g *Guard) Reservation() Reservation {
	return g.res
}

// Commit marks the operation complete so Release keeps the code.
func (g *Guard) Commit() {
	g.mu.Lock()
	g.committed = true
	g.mu.Unlock()
}

// Release reverts the code unless committed. It survives request cancellation and
// runs outside any transaction carried by ctx.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	if g.committed || g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	g.mu.Unlock()

	err := g.svc.Revert(db.DetachTx(context.WithoutCancel(ctx)), g.res.Code, "operation not completed")
	if err != nil {
		g.svc.logger.Error("revert reserved code", slog.String("code", g.res.Code), slog.Any("error", err))
	}
	return err
}
