package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// PartyKind distinguishes cash holders.
type PartyKind string

const (
	PartyTeller PartyKind = "TELLER"
	PartyVault  PartyKind = "VAULT"
)

// Party is one side of a custody transfer.
type Party struct {
	Kind PartyKind `json:"kind"`
	ID   int64     `json:"id"`
}

// TransferInput moves cash between two custodians.
type TransferInput struct {
	Code          string
	From          Party
	To            Party
	Date          time.Time
	Amount        decimal.Decimal
	Denominations json.RawMessage
	Memo          string
}

type custodian struct {
	party   Party
	account string
	branch  string
	label   string
}

func (s *Service) resolveParty(ctx context.Context, p Party, date time.Time) (custodian, error) {
	switch p.Kind {
	case PartyTeller:
		teller, err := s.loadCashTeller(ctx, p.ID)
		if err != nil {
			return custodian{}, err
		}
		day, err := s.repo.GetTellerDay(ctx, teller.ID, date)
		if err != nil {
			return custodian{}, err
		}
		if _, err := next(CmdTransfer, day.State); err != nil {
			return custodian{}, err
		}
		return custodian{party: p, account: teller.TillAccount, branch: teller.BranchCode, label: teller.Code}, nil
	case PartyVault:
		vault, err := s.repo.GetVault(ctx, p.ID)
		if err != nil {
			return custodian{}, err
		}
		return custodian{party: p, account: vault.VaultAccount, branch: vault.BranchCode, label: vault.Code}, nil
	default:
		return custodian{}, fmt.Errorf("%w: custody: unknown party kind %q", shared.ErrValidation, p.Kind)
	}
}

func (c custodian) lockKey(date time.Time) string {
	if c.party.Kind == PartyVault {
		return vaultLock(c.party.ID)
	}
	return tellerLock(c.party.ID, date)
}

// Transfer moves cash vault↔vault, teller↔teller or vault↔teller. Both custodians'
// running balances move with the posting in one transaction.
func (s *Service) Transfer(ctx context.Context, in TransferInput, actor shared.Actor) (Transition, error) {
	date := BusinessDate(in.Date)
	if in.Date.IsZero() {
		return Transition{}, fmt.Errorf("%w: custody: date required", shared.ErrValidation)
	}
	if in.From == in.To {
		return Transition{}, fmt.Errorf("%w: custody: sender and receiver must differ", shared.ErrValidation)
	}
	if err := positive(in.Amount); err != nil {
		return Transition{}, err
	}
	if err := checkDenominations(in.Amount, in.Denominations); err != nil {
		return Transition{}, err
	}
	from, err := s.resolveParty(ctx, in.From, date)
	if err != nil {
		return Transition{}, err
	}
	to, err := s.resolveParty(ctx, in.To, date)
	if err != nil {
		return Transition{}, err
	}
	currency, err := s.currencyOf(ctx, from.account)
	if err != nil {
		return Transition{}, err
	}

	op := serial.OpTellerTransfer
	if from.party.Kind == PartyVault && to.party.Kind == PartyVault {
		op = serial.OpVaultTransfer
	}
	c := command{
		cmd:    CmdTransfer,
		code:   in.Code,
		op:     op,
		branch: from.branch,
		date:   date,
		locks:  []string{from.lockKey(date), to.lockKey(date)},
		actor:  actor,
		perm:   shared.PermCustodyTransfer,
	}
	for _, p := range []Party{in.From, in.To} {
		if p.Kind == PartyTeller && c.tellerID == 0 {
			c.tellerID = p.ID
		}
		if p.Kind == PartyVault && c.vaultID == 0 {
			c.vaultID = p.ID
		}
	}
	memo := in.Memo
	if memo == "" {
		memo = fmt.Sprintf("Cash transfer %s to %s", from.label, to.label)
	}

	var code string
	err = s.run(ctx, c, func(ctx context.Context, reserved string) error {
		code = reserved
		_, err := s.ledger.Post(ctx, ledger.PostingInput{
			Code:        reserved,
			ReferenceID: fmt.Sprintf("transfer:%s:%d:%s:%d", from.party.Kind, from.party.ID, to.party.Kind, to.party.ID),
			BranchCode:  from.branch,
			EntryDate:   date,
			Currency:    currency,
			PostedBy:    actor.ID,
			Memo:        memo,
			Legs: []ledger.LegInput{
				{AccountNumber: to.account, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: from.account, Side: ledger.SideCredit, Amount: in.Amount},
			},
		}, ledger.WithExtension(ledger.ExtensionFunc(func(ctx context.Context, set ledger.EntrySet) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				if err := s.moveCustody(ctx, tx, from.party, date, in.Amount.Neg()); err != nil {
					return err
				}
				if err := s.moveCustody(ctx, tx, to.party, date, in.Amount); err != nil {
					return err
				}
				setID := set.ID
				tr := Transition{
					Code:         set.Code,
					Command:      CmdTransfer,
					BusinessDate: date,
					EntrySetID:   &setID,
					ActorID:      actor.ID,
					At:           s.now().UTC(),
				}
				if c.tellerID != 0 {
					tr.TellerID = int64Ptr(c.tellerID)
				}
				if c.vaultID != 0 {
					tr.VaultID = int64Ptr(c.vaultID)
				}
				return tx.InsertTransition(ctx, tr)
			})
		})))
		return err
	})
	if err != nil && !errors.Is(err, errReplayed) {
		return Transition{}, err
	}
	if code == "" {
		code = strings.ToUpper(strings.TrimSpace(in.Code))
	}
	if err == nil {
		s.record(ctx, actor.ID, "custody.transfer", code, map[string]any{
			"from":   fmt.Sprintf("%s:%d", from.party.Kind, from.party.ID),
			"to":     fmt.Sprintf("%s:%d", to.party.Kind, to.party.ID),
			"amount": in.Amount.String(),
		})
	}
	return s.repo.GetTransition(ctx, code)
}

// moveCustody applies delta to a custodian's running balance.
func (s *Service) moveCustody(ctx context.Context, tx TxRepository, p Party, date time.Time, delta decimal.Decimal) error {
	switch p.Kind {
	case PartyVault:
		v, err := tx.LockVault(ctx, p.ID)
		if err != nil {
			return err
		}
		v.Balance = v.Balance.Add(delta)
		if v.Balance.IsNegative() {
			return fmt.Errorf("%w: vault %s holds %s", ErrInsufficientFloat, v.Code, v.Balance.Sub(delta))
		}
		v.UpdatedAt = s.now().UTC()
		return tx.UpdateVault(ctx, v)
	default:
		day, err := tx.LockTellerDay(ctx, p.ID, date)
		if err != nil {
			return err
		}
		to, err := next(CmdTransfer, day.State)
		if err != nil {
			return err
		}
		if delta.IsPositive() {
			day.CashIn = day.CashIn.Add(delta)
		} else {
			day.CashOut = day.CashOut.Add(delta.Neg())
		}
		day.Balance = day.Balance.Add(delta)
		if day.Balance.IsNegative() {
			return fmt.Errorf("%w: teller %d holds %s", ErrInsufficientFloat, p.ID, day.Balance.Sub(delta))
		}
		day.State = to
		day.UpdatedAt = s.now().UTC()
		return tx.UpdateTellerDay(ctx, day)
	}
}
