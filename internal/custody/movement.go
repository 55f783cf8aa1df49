package custody

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/ledger"
)

// Movement binds a posting to the teller-day whose till it touches.
type Movement struct {
	TellerID    int64
	TillAccount string
	BranchCode  string
	Date        time.Time
	ActorID     int64
}

// PrepareMovement checks that the teller can take or pay out cash on date. It runs
// before any code is reserved so obvious rejections cost nothing.
func (s *Service) PrepareMovement(ctx context.Context, tellerID int64, date time.Time, actorID int64) (Movement, error) {
	teller, err := s.loadCashTeller(ctx, tellerID)
	if err != nil {
		return Movement{}, err
	}
	date = BusinessDate(date)
	day, err := s.repo.GetTellerDay(ctx, teller.ID, date)
	if err != nil {
		return Movement{}, err
	}
	if _, err := next(CmdCashMovement, day.State); err != nil {
		return Movement{}, err
	}
	return Movement{
		TellerID:    teller.ID,
		TillAccount: teller.TillAccount,
		BranchCode:  teller.BranchCode,
		Date:        date,
		ActorID:     actorID,
	}, nil
}

// MovementExtension applies the posting's till legs to the teller-day inside the
// posting transaction. Debits to the till are cash in, credits are cash out.
func (s *Service) MovementExtension(m Movement) ledger.Extension {
	return ledger.ExtensionFunc(func(ctx context.Context, set ledger.EntrySet) error {
		net := decimal.Zero
		touched := false
		for _, leg := range set.Legs {
			if leg.AccountNumber != m.TillAccount {
				continue
			}
			touched = true
			if leg.Side == ledger.SideDebit {
				net = net.Add(leg.Amount)
			} else {
				net = net.Sub(leg.Amount)
			}
		}
		if !touched {
			return nil
		}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			day, err := tx.LockTellerDay(ctx, m.TellerID, m.Date)
			if err != nil {
				return err
			}
			from := day.State
			to, err := next(CmdCashMovement, from)
			if err != nil {
				return err
			}
			if net.IsPositive() {
				day.CashIn = day.CashIn.Add(net)
			} else {
				day.CashOut = day.CashOut.Add(net.Neg())
			}
			day.Balance = day.Balance.Add(net)
			if day.Balance.IsNegative() {
				return fmt.Errorf("%w: teller %d holds %s", ErrInsufficientFloat, m.TellerID, day.Balance.Sub(net))
			}
			day.State = to
			day.UpdatedAt = s.now().UTC()
			if err := tx.UpdateTellerDay(ctx, day); err != nil {
				return err
			}
			setID := set.ID
			return tx.InsertTransition(ctx, Transition{
				Code:         set.Code,
				Command:      CmdCashMovement,
				TellerID:     int64Ptr(m.TellerID),
				BusinessDate: m.Date,
				FromState:    from,
				ToState:      to,
				EntrySetID:   &setID,
				ActorID:      m.ActorID,
				At:           s.now().UTC(),
			})
		})
	})
}
