package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// ProvisionInput moves float from a vault to a teller.
type ProvisionInput struct {
	Code          string
	TellerID      int64
	VaultID       int64
	Date          time.Time
	Amount        decimal.Decimal
	Denominations json.RawMessage
}

// EndOfDayInput captures the teller's closing declaration.
type EndOfDayInput struct {
	Code          string
	TellerID      int64
	Date          time.Time
	Declared      decimal.Decimal
	Counted       decimal.Decimal
	Denominations json.RawMessage
}

// ConfirmInput identifies a teller-day confirmation step.
type ConfirmInput struct {
	Code     string
	TellerID int64
	Date     time.Time
	// Note is kept on the variance approval trail.
	Note string
}

// ReturnInput confirms the hand-back of counted cash. VaultID is required unless the
// teller reports to a primary teller.
type ReturnInput struct {
	Code     string
	TellerID int64
	Date     time.Time
	VaultID  int64
	Note     string
}

// SubTellerResult is the outcome of the sub-teller confirmation.
type SubTellerResult struct {
	Day      TellerDay `json:"day"`
	Variance *Variance `json:"variance,omitempty"`
}

// Provision issues float to a teller and opens the teller-day if needed.
func (s *Service) Provision(ctx context.Context, in ProvisionInput, actor shared.Actor) (TellerDay, error) {
	date := BusinessDate(in.Date)
	if in.Date.IsZero() {
		return TellerDay{}, fmt.Errorf("%w: custody: date required", shared.ErrValidation)
	}
	if err := positive(in.Amount); err != nil {
		return TellerDay{}, err
	}
	if err := checkDenominations(in.Amount, in.Denominations); err != nil {
		return TellerDay{}, err
	}
	teller, err := s.loadCashTeller(ctx, in.TellerID)
	if err != nil {
		return TellerDay{}, err
	}
	vault, err := s.repo.GetVault(ctx, in.VaultID)
	if err != nil {
		return TellerDay{}, err
	}
	if vault.BranchCode != teller.BranchCode {
		return TellerDay{}, fmt.Errorf("%w: custody: vault %d is not in branch %s", shared.ErrValidation, vault.ID, teller.BranchCode)
	}
	currency, err := s.currencyOf(ctx, teller.TillAccount)
	if err != nil {
		return TellerDay{}, err
	}

	err = s.run(ctx, command{
		cmd:      CmdProvision,
		code:     in.Code,
		op:       serial.OpCashProvision,
		branch:   teller.BranchCode,
		date:     date,
		tellerID: teller.ID,
		vaultID:  vault.ID,
		locks:    []string{tellerLock(teller.ID, date), vaultLock(vault.ID)},
		actor:    actor,
		perm:     shared.PermCustodyProvision,
	}, func(ctx context.Context, code string) error {
		_, err := s.ledger.Post(ctx, ledger.PostingInput{
			Code:        code,
			ReferenceID: tellerReference(teller.ID, date),
			BranchCode:  teller.BranchCode,
			EntryDate:   date,
			Currency:    currency,
			PostedBy:    actor.ID,
			Memo:        fmt.Sprintf("Float provisioning %s from %s", teller.Code, vault.Code),
			Legs: []ledger.LegInput{
				{AccountNumber: teller.TillAccount, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: vault.VaultAccount, Side: ledger.SideCredit, Amount: in.Amount},
			},
		}, ledger.WithExtension(ledger.ExtensionFunc(func(ctx context.Context, set ledger.EntrySet) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				day, err := tx.LockTellerDay(ctx, teller.ID, date)
				switch {
				case errors.Is(err, ErrTellerDayNotFound):
					day = TellerDay{TellerID: teller.ID, BusinessDate: date, BranchCode: teller.BranchCode, State: StateProvisioned}
					day.OpeningFloat = in.Amount
					day.Balance = in.Amount
					day.UpdatedAt = s.now().UTC()
					if err := tx.InsertTellerDay(ctx, day); err != nil {
						return err
					}
				case err != nil:
					return err
				default:
					if _, err := next(CmdProvision, day.State); err != nil {
						return err
					}
					day.OpeningFloat = day.OpeningFloat.Add(in.Amount)
					day.Balance = day.Balance.Add(in.Amount)
					day.UpdatedAt = s.now().UTC()
					if err := tx.UpdateTellerDay(ctx, day); err != nil {
						return err
					}
				}
				v, err := tx.LockVault(ctx, vault.ID)
				if err != nil {
					return err
				}
				v.Balance = v.Balance.Sub(in.Amount)
				if v.Balance.IsNegative() {
					return fmt.Errorf("%w: vault %s holds %s", ErrInsufficientFloat, v.Code, v.Balance.Add(in.Amount))
				}
				v.UpdatedAt = s.now().UTC()
				if err := tx.UpdateVault(ctx, v); err != nil {
					return err
				}
				setID := set.ID
				if err := tx.InsertHistory(ctx, Provisioning{
					ID:            uuid.New(),
					Code:          set.Code,
					Kind:          HandOverOpening,
					TellerID:      teller.ID,
					BusinessDate:  date,
					VaultID:       int64Ptr(vault.ID),
					Amount:        in.Amount,
					Denominations: in.Denominations,
					Status:        ProvisioningPending,
					EntrySetID:    &setID,
					CreatedBy:     actor.ID,
					CreatedAt:     s.now().UTC(),
				}); err != nil {
					return err
				}
				return tx.InsertTransition(ctx, Transition{
					Code:         set.Code,
					Command:      CmdProvision,
					TellerID:     int64Ptr(teller.ID),
					VaultID:      int64Ptr(vault.ID),
					BusinessDate: date,
					ToState:      day.State,
					EntrySetID:   &setID,
					ActorID:      actor.ID,
					At:           s.now().UTC(),
				})
			})
		})))
		return err
	})
	if err != nil && !errors.Is(err, errReplayed) {
		return TellerDay{}, err
	}
	if err == nil {
		s.record(ctx, actor.ID, "custody.provision", tellerReference(teller.ID, date), map[string]any{
			"vault_id": vault.ID,
			"amount":   in.Amount.String(),
		})
	}
	return s.repo.GetTellerDay(ctx, teller.ID, date)
}

// SubmitEndOfDay records the declared and counted cash. No posting is made.
func (s *Service) SubmitEndOfDay(ctx context.Context, in EndOfDayInput, actor shared.Actor) (TellerDay, error) {
	date := BusinessDate(in.Date)
	if in.Date.IsZero() {
		return TellerDay{}, fmt.Errorf("%w: custody: date required", shared.ErrValidation)
	}
	if in.Declared.IsNegative() {
		return TellerDay{}, fmt.Errorf("%w: custody: declared amount cannot be negative", shared.ErrValidation)
	}
	counted := in.Counted
	if len(in.Denominations) > 0 {
		total, err := SumDenominations(in.Denominations)
		if err != nil {
			return TellerDay{}, err
		}
		if !counted.IsZero() && !counted.Equal(total) {
			return TellerDay{}, fmt.Errorf("%w: custody: counted %s differs from denominations total %s", shared.ErrValidation, counted, total)
		}
		counted = total
	}
	if counted.IsNegative() {
		return TellerDay{}, fmt.Errorf("%w: custody: counted amount cannot be negative", shared.ErrValidation)
	}
	teller, err := s.loadCashTeller(ctx, in.TellerID)
	if err != nil {
		return TellerDay{}, err
	}

	err = s.run(ctx, command{
		cmd:      CmdSubmitEndOfDay,
		code:     in.Code,
		op:       serial.OpEndOfDay,
		branch:   teller.BranchCode,
		date:     date,
		tellerID: teller.ID,
		locks:    []string{tellerLock(teller.ID, date)},
		actor:    actor,
		perm:     shared.PermCustodyOperate,
	}, func(ctx context.Context, code string) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			day, err := tx.LockTellerDay(ctx, teller.ID, date)
			if err != nil {
				return err
			}
			from := day.State
			to, err := next(CmdSubmitEndOfDay, from)
			if err != nil {
				return err
			}
			if err := s.codes.MarkUsed(ctx, code); err != nil {
				return err
			}
			day.State = to
			day.DeclaredAmount = in.Declared
			day.CountedAmount = counted
			day.Denominations = in.Denominations
			day.UpdatedAt = s.now().UTC()
			if err := tx.UpdateTellerDay(ctx, day); err != nil {
				return err
			}
			if err := tx.InsertHistory(ctx, Provisioning{
				ID:            uuid.New(),
				Code:          code,
				Kind:          HandOverReturn,
				TellerID:      teller.ID,
				BusinessDate:  date,
				Amount:        counted,
				Denominations: in.Denominations,
				Status:        ProvisioningPending,
				CreatedBy:     actor.ID,
				CreatedAt:     s.now().UTC(),
			}); err != nil {
				return err
			}
			return tx.InsertTransition(ctx, Transition{
				Code:         code,
				Command:      CmdSubmitEndOfDay,
				TellerID:     int64Ptr(teller.ID),
				BusinessDate: date,
				FromState:    from,
				ToState:      to,
				ActorID:      actor.ID,
				At:           s.now().UTC(),
			})
		})
	})
	if err != nil && !errors.Is(err, errReplayed) {
		return TellerDay{}, err
	}
	return s.repo.GetTellerDay(ctx, teller.ID, date)
}

// ConfirmBySubTeller accepts the count. A declared/counted mismatch is recorded as a
// variance pending accountant sign-off and moved between the till and suspense; the
// transition still succeeds.
func (s *Service) ConfirmBySubTeller(ctx context.Context, in ConfirmInput, actor shared.Actor) (SubTellerResult, error) {
	date := BusinessDate(in.Date)
	teller, err := s.loadCashTeller(ctx, in.TellerID)
	if err != nil {
		return SubTellerResult{}, err
	}
	day, err := s.repo.GetTellerDay(ctx, teller.ID, date)
	if err != nil {
		return SubTellerResult{}, err
	}
	variance := day.DeclaredAmount.Sub(day.CountedAmount)

	c := command{
		cmd:      CmdConfirmSub,
		code:     in.Code,
		op:       serial.OpVariance,
		branch:   teller.BranchCode,
		date:     date,
		tellerID: teller.ID,
		locks:    []string{tellerLock(teller.ID, date)},
		actor:    actor,
		perm:     shared.PermCustodyConfirmSubTeller,
	}

	apply := func(ctx context.Context, tx TxRepository, code string, setID *uuid.UUID) error {
		current, err := tx.LockTellerDay(ctx, teller.ID, date)
		if err != nil {
			return err
		}
		from := current.State
		to, err := next(CmdConfirmSub, from)
		if err != nil {
			return err
		}
		if !current.DeclaredAmount.Sub(current.CountedAmount).Equal(variance) {
			return fmt.Errorf("%w: teller day changed while confirming", ErrInvalidState)
		}
		if !variance.IsZero() {
			current.Balance = current.Balance.Sub(variance)
			if err := tx.InsertVariance(ctx, Variance{
				ID:           uuid.New(),
				TellerID:     teller.ID,
				BusinessDate: date,
				Declared:     current.DeclaredAmount,
				Counted:      current.CountedAmount,
				Amount:       variance,
				Status:       VariancePendingSignOff,
				EntrySetID:   setID,
				CreatedAt:    s.now().UTC(),
			}); err != nil {
				return err
			}
		}
		current.State = to
		current.UpdatedAt = s.now().UTC()
		if err := tx.UpdateTellerDay(ctx, current); err != nil {
			return err
		}
		if err := tx.SetHistoryStatus(ctx, teller.ID, date, ProvisioningConfirmedBySubTeller); err != nil {
			return err
		}
		return tx.InsertTransition(ctx, Transition{
			Code:         code,
			Command:      CmdConfirmSub,
			TellerID:     int64Ptr(teller.ID),
			BusinessDate: date,
			FromState:    from,
			ToState:      to,
			EntrySetID:   setID,
			ActorID:      actor.ID,
			At:           s.now().UTC(),
		})
	}

	var recorded bool
	if variance.IsZero() {
		err = s.run(ctx, c, func(ctx context.Context, code string) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				if err := apply(ctx, tx, code, nil); err != nil {
					return err
				}
				return s.codes.MarkUsed(ctx, code)
			})
		})
	} else {
		suspense, rerr := s.custodyAccount(ctx, mappings.KeySuspense)
		if rerr != nil {
			return SubTellerResult{}, rerr
		}
		currency, rerr := s.currencyOf(ctx, teller.TillAccount)
		if rerr != nil {
			return SubTellerResult{}, rerr
		}
		legs := []ledger.LegInput{
			{AccountNumber: suspense, Side: ledger.SideDebit, Amount: variance.Abs()},
			{AccountNumber: teller.TillAccount, Side: ledger.SideCredit, Amount: variance.Abs()},
		}
		if variance.IsNegative() {
			legs[0].Side, legs[1].Side = ledger.SideCredit, ledger.SideDebit
		}
		err = s.run(ctx, c, func(ctx context.Context, code string) error {
			_, err := s.ledger.Post(ctx, ledger.PostingInput{
				Code:        code,
				ReferenceID: tellerReference(teller.ID, date),
				BranchCode:  teller.BranchCode,
				EntryDate:   date,
				Currency:    currency,
				PostedBy:    actor.ID,
				Memo:        fmt.Sprintf("Cash %s %s for %s", varianceKind(variance), variance.Abs(), teller.Code),
				Legs:        legs,
			}, ledger.WithExtension(ledger.ExtensionFunc(func(ctx context.Context, set ledger.EntrySet) error {
				return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
					setID := set.ID
					return apply(ctx, tx, set.Code, &setID)
				})
			})))
			return err
		})
		if err == nil {
			recorded = true
			s.logger.Warn("cash variance recorded",
				slog.String("teller", teller.Code),
				slog.String("date", date.Format("2006-01-02")),
				slog.String("declared", day.DeclaredAmount.String()),
				slog.String("counted", day.CountedAmount.String()),
			)
			if s.metrics != nil {
				s.metrics.ObserveVariance(varianceKind(variance), variance.Abs())
			}
		}
	}
	if err != nil && !errors.Is(err, errReplayed) {
		return SubTellerResult{}, err
	}

	out := SubTellerResult{}
	if out.Day, err = s.repo.GetTellerDay(ctx, teller.ID, date); err != nil {
		return SubTellerResult{}, err
	}
	variances, err := s.repo.ListVariances(ctx, teller.ID, date)
	if err != nil {
		return SubTellerResult{}, err
	}
	if len(variances) > 0 {
		v := variances[len(variances)-1]
		out.Variance = &v
		if recorded {
			s.approve(ctx, shared.ApprovalSubmit, v, actor.ID, fmt.Sprintf("%s %s", varianceKind(v.Amount), v.Amount.Abs()))
		}
	}
	return out, nil
}

// ConfirmByPrimaryTeller hands the counted cash back to the teller's primary teller, or
// to a vault for tellers that report to none.
func (s *Service) ConfirmByPrimaryTeller(ctx context.Context, in ReturnInput, actor shared.Actor) (TellerDay, error) {
	date := BusinessDate(in.Date)
	teller, err := s.loadCashTeller(ctx, in.TellerID)
	if err != nil {
		return TellerDay{}, err
	}
	day, err := s.repo.GetTellerDay(ctx, teller.ID, date)
	if err != nil {
		return TellerDay{}, err
	}

	var (
		receiverAccount string
		receiverTeller  *Teller
		receiverVault   *Vault
		locks           = []string{tellerLock(teller.ID, date)}
	)
	if teller.PrimaryTellerID != nil {
		primary, err := s.loadCashTeller(ctx, *teller.PrimaryTellerID)
		if err != nil {
			return TellerDay{}, err
		}
		receiverTeller, receiverAccount = &primary, primary.TillAccount
		locks = append(locks, tellerLock(primary.ID, date))
	} else {
		if in.VaultID == 0 {
			return TellerDay{}, fmt.Errorf("%w: custody: vault required for teller %s", shared.ErrValidation, teller.Code)
		}
		vault, err := s.repo.GetVault(ctx, in.VaultID)
		if err != nil {
			return TellerDay{}, err
		}
		receiverVault, receiverAccount = &vault, vault.VaultAccount
		locks = append(locks, vaultLock(vault.ID))
	}
	amount := day.CountedAmount

	c := command{
		cmd:      CmdConfirmPrimary,
		code:     in.Code,
		op:       serial.OpTellerTransfer,
		branch:   teller.BranchCode,
		date:     date,
		tellerID: teller.ID,
		locks:    locks,
		actor:    actor,
		perm:     shared.PermCustodyConfirmPrimary,
	}
	if receiverVault != nil {
		c.op = serial.OpVaultTransfer
	}

	apply := func(ctx context.Context, tx TxRepository, code string, setID *uuid.UUID) error {
		current, err := tx.LockTellerDay(ctx, teller.ID, date)
		if err != nil {
			return err
		}
		from := current.State
		to, err := next(CmdConfirmPrimary, from)
		if err != nil {
			return err
		}
		if !current.CountedAmount.Equal(amount) {
			return fmt.Errorf("%w: teller day changed while confirming", ErrInvalidState)
		}
		current.Balance = current.Balance.Sub(amount)
		current.CashOut = current.CashOut.Add(amount)
		current.State = to
		current.UpdatedAt = s.now().UTC()
		if err := tx.UpdateTellerDay(ctx, current); err != nil {
			return err
		}
		tr := Transition{
			Code:         code,
			Command:      CmdConfirmPrimary,
			TellerID:     int64Ptr(teller.ID),
			BusinessDate: date,
			FromState:    from,
			ToState:      to,
			EntrySetID:   setID,
			ActorID:      actor.ID,
			At:           s.now().UTC(),
		}
		switch {
		case receiverTeller != nil && amount.IsPositive():
			recv, err := tx.LockTellerDay(ctx, receiverTeller.ID, date)
			if err != nil {
				return err
			}
			if _, err := next(CmdReceiveFromSub, recv.State); err != nil {
				return err
			}
			recv.Balance = recv.Balance.Add(amount)
			recv.CashIn = recv.CashIn.Add(amount)
			recv.UpdatedAt = s.now().UTC()
			if err := tx.UpdateTellerDay(ctx, recv); err != nil {
				return err
			}
		case receiverVault != nil:
			tr.VaultID = int64Ptr(receiverVault.ID)
			if amount.IsPositive() {
				v, err := tx.LockVault(ctx, receiverVault.ID)
				if err != nil {
					return err
				}
				v.Balance = v.Balance.Add(amount)
				v.UpdatedAt = s.now().UTC()
				if err := tx.UpdateVault(ctx, v); err != nil {
					return err
				}
			}
		}
		if err := tx.SetHistoryStatus(ctx, teller.ID, date, ProvisioningConfirmedByPrimaryTeller); err != nil {
			return err
		}
		return tx.InsertTransition(ctx, tr)
	}

	if amount.IsZero() {
		err = s.run(ctx, c, func(ctx context.Context, code string) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				if err := apply(ctx, tx, code, nil); err != nil {
					return err
				}
				return s.codes.MarkUsed(ctx, code)
			})
		})
	} else {
		currency, cerr := s.currencyOf(ctx, teller.TillAccount)
		if cerr != nil {
			return TellerDay{}, cerr
		}
		err = s.run(ctx, c, func(ctx context.Context, code string) error {
			_, err := s.ledger.Post(ctx, ledger.PostingInput{
				Code:        code,
				ReferenceID: tellerReference(teller.ID, date),
				BranchCode:  teller.BranchCode,
				EntryDate:   date,
				Currency:    currency,
				PostedBy:    actor.ID,
				Memo:        fmt.Sprintf("End of day cash return %s", teller.Code),
				Legs: []ledger.LegInput{
					{AccountNumber: receiverAccount, Side: ledger.SideDebit, Amount: amount},
					{AccountNumber: teller.TillAccount, Side: ledger.SideCredit, Amount: amount},
				},
			}, ledger.WithExtension(ledger.ExtensionFunc(func(ctx context.Context, set ledger.EntrySet) error {
				return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
					setID := set.ID
					return apply(ctx, tx, set.Code, &setID)
				})
			})))
			return err
		})
	}
	if err != nil && !errors.Is(err, errReplayed) {
		return TellerDay{}, err
	}
	return s.repo.GetTellerDay(ctx, teller.ID, date)
}

// ConfirmByAccountant signs off pending variances, clearing suspense into the shortage
// expense or overage income account.
func (s *Service) ConfirmByAccountant(ctx context.Context, in ConfirmInput, actor shared.Actor) (TellerDay, error) {
	date := BusinessDate(in.Date)
	teller, err := s.loadCashTeller(ctx, in.TellerID)
	if err != nil {
		return TellerDay{}, err
	}
	if teller.UserID != 0 && teller.UserID == actor.ID {
		return TellerDay{}, ErrSelfSignOff
	}
	all, err := s.repo.ListVariances(ctx, teller.ID, date)
	if err != nil {
		return TellerDay{}, err
	}
	var pending []Variance
	for _, v := range all {
		if v.Status == VariancePendingSignOff {
			pending = append(pending, v)
		}
	}

	c := command{
		cmd:      CmdConfirmAccount,
		code:     in.Code,
		op:       serial.OpVariance,
		branch:   teller.BranchCode,
		date:     date,
		tellerID: teller.ID,
		locks:    []string{tellerLock(teller.ID, date)},
		actor:    actor,
		perm:     shared.PermCustodyConfirmAccountant,
	}

	apply := func(ctx context.Context, tx TxRepository, code string, setID *uuid.UUID) error {
		current, err := tx.LockTellerDay(ctx, teller.ID, date)
		if err != nil {
			return err
		}
		from := current.State
		to, err := next(CmdConfirmAccount, from)
		if err != nil {
			return err
		}
		open, err := tx.PendingVariances(ctx, teller.ID, date)
		if err != nil {
			return err
		}
		if len(open) != len(pending) {
			return fmt.Errorf("%w: variances changed while signing off", ErrInvalidState)
		}
		at := s.now().UTC()
		for _, v := range open {
			v.Status = VarianceSignedOff
			v.SignOffEntrySetID = setID
			v.SignedOffBy = int64Ptr(actor.ID)
			v.SignedOffAt = &at
			if err := tx.UpdateVariance(ctx, v); err != nil {
				return err
			}
		}
		current.State = to
		current.UpdatedAt = at
		if err := tx.UpdateTellerDay(ctx, current); err != nil {
			return err
		}
		if err := tx.SetHistoryStatus(ctx, teller.ID, date, ProvisioningConfirmedByAccountant); err != nil {
			return err
		}
		return tx.InsertTransition(ctx, Transition{
			Code:         code,
			Command:      CmdConfirmAccount,
			TellerID:     int64Ptr(teller.ID),
			BusinessDate: date,
			FromState:    from,
			ToState:      to,
			EntrySetID:   setID,
			ActorID:      actor.ID,
			At:           at,
		})
	}

	if len(pending) == 0 {
		err = s.run(ctx, c, func(ctx context.Context, code string) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				if err := apply(ctx, tx, code, nil); err != nil {
					return err
				}
				return s.codes.MarkUsed(ctx, code)
			})
		})
	} else {
		legs, lerr := s.signOffLegs(ctx, pending)
		if lerr != nil {
			return TellerDay{}, lerr
		}
		currency, cerr := s.currencyOf(ctx, teller.TillAccount)
		if cerr != nil {
			return TellerDay{}, cerr
		}
		err = s.run(ctx, c, func(ctx context.Context, code string) error {
			_, err := s.ledger.Post(ctx, ledger.PostingInput{
				Code:        code,
				ReferenceID: tellerReference(teller.ID, date),
				BranchCode:  teller.BranchCode,
				EntryDate:   date,
				Currency:    currency,
				PostedBy:    actor.ID,
				Memo:        fmt.Sprintf("Variance sign-off %s", teller.Code),
				Legs:        legs,
			}, ledger.WithExtension(ledger.ExtensionFunc(func(ctx context.Context, set ledger.EntrySet) error {
				return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
					setID := set.ID
					return apply(ctx, tx, set.Code, &setID)
				})
			})))
			return err
		})
	}
	if err != nil && !errors.Is(err, errReplayed) {
		return TellerDay{}, err
	}
	if err == nil && len(pending) > 0 {
		s.record(ctx, actor.ID, "custody.variance.signoff", tellerReference(teller.ID, date), map[string]any{"variances": len(pending)})
		for _, v := range pending {
			s.approve(ctx, shared.ApprovalApprove, v, actor.ID, in.Note)
		}
	}
	return s.repo.GetTellerDay(ctx, teller.ID, date)
}

func (s *Service) signOffLegs(ctx context.Context, pending []Variance) ([]ledger.LegInput, error) {
	suspense, err := s.custodyAccount(ctx, mappings.KeySuspense)
	if err != nil {
		return nil, err
	}
	var legs []ledger.LegInput
	for _, v := range pending {
		if v.Shortage() {
			shortage, err := s.custodyAccount(ctx, mappings.KeyShortage)
			if err != nil {
				return nil, err
			}
			legs = append(legs,
				ledger.LegInput{AccountNumber: shortage, Side: ledger.SideDebit, Amount: v.Amount},
				ledger.LegInput{AccountNumber: suspense, Side: ledger.SideCredit, Amount: v.Amount},
			)
			continue
		}
		overage, err := s.custodyAccount(ctx, mappings.KeyOverage)
		if err != nil {
			return nil, err
		}
		legs = append(legs,
			ledger.LegInput{AccountNumber: suspense, Side: ledger.SideDebit, Amount: v.Amount.Abs()},
			ledger.LegInput{AccountNumber: overage, Side: ledger.SideCredit, Amount: v.Amount.Abs()},
		)
	}
	return legs, nil
}

// CloseTellerDay ends the teller-day. The till's ledger balance must equal the custody
// running balance; a mismatch is reported, never adjusted.
func (s *Service) CloseTellerDay(ctx context.Context, in ConfirmInput, actor shared.Actor) (TellerDay, error) {
	date := BusinessDate(in.Date)
	teller, err := s.loadCashTeller(ctx, in.TellerID)
	if err != nil {
		return TellerDay{}, err
	}
	err = s.run(ctx, command{
		cmd:      CmdCloseTellerDay,
		code:     in.Code,
		op:       serial.OpEndOfDay,
		branch:   teller.BranchCode,
		date:     date,
		tellerID: teller.ID,
		locks:    []string{tellerLock(teller.ID, date)},
		actor:    actor,
		perm:     shared.PermCustodyConfirmAccountant,
	}, func(ctx context.Context, code string) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			day, err := tx.LockTellerDay(ctx, teller.ID, date)
			if err != nil {
				return err
			}
			from := day.State
			to, err := next(CmdCloseTellerDay, from)
			if err != nil {
				return err
			}
			bal, err := s.ledger.GetAccountBalance(ctx, teller.TillAccount)
			if err != nil {
				return err
			}
			if !bal.Balance.Equal(day.Balance) {
				s.logger.Error("custody discrepancy at teller close",
					slog.String("teller", teller.Code),
					slog.String("till", teller.TillAccount),
					slog.String("custody", day.Balance.String()),
					slog.String("ledger", bal.Balance.String()),
				)
				return fmt.Errorf("%w: till %s ledger %s custody %s", ErrCustodyDiscrepancy, teller.TillAccount, bal.Balance, day.Balance)
			}
			if err := s.codes.MarkUsed(ctx, code); err != nil {
				return err
			}
			day.State = to
			day.UpdatedAt = s.now().UTC()
			if err := tx.UpdateTellerDay(ctx, day); err != nil {
				return err
			}
			return tx.InsertTransition(ctx, Transition{
				Code:         code,
				Command:      CmdCloseTellerDay,
				TellerID:     int64Ptr(teller.ID),
				BusinessDate: date,
				FromState:    from,
				ToState:      to,
				ActorID:      actor.ID,
				At:           s.now().UTC(),
			})
		})
	})
	if err != nil && !errors.Is(err, errReplayed) {
		return TellerDay{}, err
	}
	return s.repo.GetTellerDay(ctx, teller.ID, date)
}

func varianceKind(amount decimal.Decimal) string {
	if amount.IsPositive() {
		return "shortage"
	}
	return "overage"
}

func tellerReference(tellerID int64, date time.Time) string {
	return "teller:" + strconv.FormatInt(tellerID, 10) + ":" + date.Format("20060102")
}
