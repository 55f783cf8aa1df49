package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/integration/loans"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// Deposit takes cash at a teller into a customer account: Dr till / Cr account.
func (s *Service) Deposit(ctx context.Context, in CashInput, actor shared.Actor) (Result, error) {
	if err := checkCash(in); err != nil {
		return Result{}, err
	}
	branch := normalizeBranch(in.BranchCode)
	return s.execute(ctx, operation{
		kind:     KindDeposit,
		serialOp: serial.OpDeposit,
		code:     in.Code,
		idemKey:  in.IdempotencyKey,
		branch:   branch,
		date:     in.Date,
		tellerID: in.TellerID,
		submit: func(ctx context.Context, code, till string, opts []ledger.PostOption) (ledger.EntrySet, error) {
			memo := memoOr(in.Memo, "Cash deposit to %s", in.AccountNumber)
			p, err := s.posting(ctx, code, branch, in.Date, in.ReferenceID, memo, actor.ID, []ledger.LegInput{
				{AccountNumber: till, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: in.AccountNumber, Side: ledger.SideCredit, Amount: in.Amount},
			})
			if err != nil {
				return ledger.EntrySet{}, err
			}
			return s.ledger.Post(ctx, p, opts...)
		},
	}, actor)
}

// Withdrawal pays cash out of a customer account at a teller: Dr account / Cr till.
func (s *Service) Withdrawal(ctx context.Context, in CashInput, actor shared.Actor) (Result, error) {
	if err := checkCash(in); err != nil {
		return Result{}, err
	}
	branch := normalizeBranch(in.BranchCode)
	return s.execute(ctx, operation{
		kind:     KindWithdrawal,
		serialOp: serial.OpWithdrawal,
		code:     in.Code,
		idemKey:  in.IdempotencyKey,
		branch:   branch,
		date:     in.Date,
		tellerID: in.TellerID,
		submit: func(ctx context.Context, code, till string, opts []ledger.PostOption) (ledger.EntrySet, error) {
			memo := memoOr(in.Memo, "Cash withdrawal from %s", in.AccountNumber)
			p, err := s.posting(ctx, code, branch, in.Date, in.ReferenceID, memo, actor.ID, []ledger.LegInput{
				{AccountNumber: in.AccountNumber, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: till, Side: ledger.SideCredit, Amount: in.Amount},
			})
			if err != nil {
				return ledger.EntrySet{}, err
			}
			return s.ledger.Post(ctx, p, opts...)
		},
	}, actor)
}

// Transfer moves funds between accounts. Across branches each branch's clearing
// account (OPERATIONS/INTERBRANCH_<branch>) carries the position and the code is
// reserved with the inter-branch prefix.
func (s *Service) Transfer(ctx context.Context, in TransferInput, actor shared.Actor) (Result, error) {
	in.BranchCode = normalizeBranch(in.BranchCode)
	in.ToBranchCode = normalizeBranch(in.ToBranchCode)
	if !in.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if strings.TrimSpace(in.FromAccount) == "" || strings.TrimSpace(in.ToAccount) == "" {
		return Result{}, fmt.Errorf("%w: operations: both accounts required", shared.ErrValidation)
	}
	if in.FromAccount == in.ToAccount {
		return Result{}, fmt.Errorf("%w: operations: cannot transfer to the same account", shared.ErrValidation)
	}
	return s.execute(ctx, operation{
		kind:        KindTransfer,
		serialOp:    serial.OpTransfer,
		interBranch: in.InterBranch(),
		code:        in.Code,
		idemKey:     in.IdempotencyKey,
		branch:      in.BranchCode,
		date:        in.Date,
		submit: func(ctx context.Context, code, _ string, opts []ledger.PostOption) (ledger.EntrySet, error) {
			legs := []ledger.LegInput{
				{AccountNumber: in.FromAccount, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: in.ToAccount, Side: ledger.SideCredit, Amount: in.Amount},
			}
			if in.InterBranch() {
				origin, err := s.mapped(ctx, mappings.KeyInterbranch+"_"+in.BranchCode)
				if err != nil {
					return ledger.EntrySet{}, err
				}
				destination, err := s.mapped(ctx, mappings.KeyInterbranch+"_"+in.ToBranchCode)
				if err != nil {
					return ledger.EntrySet{}, err
				}
				legs = []ledger.LegInput{
					{AccountNumber: in.FromAccount, Side: ledger.SideDebit, Amount: in.Amount},
					{AccountNumber: destination, Side: ledger.SideCredit, Amount: in.Amount},
					{AccountNumber: origin, Side: ledger.SideDebit, Amount: in.Amount},
					{AccountNumber: in.ToAccount, Side: ledger.SideCredit, Amount: in.Amount},
				}
			}
			memo := memoOr(in.Memo, "Transfer %s to %s", in.FromAccount, in.ToAccount)
			p, err := s.posting(ctx, code, in.BranchCode, in.Date, in.ReferenceID, memo, actor.ID, legs)
			if err != nil {
				return ledger.EntrySet{}, err
			}
			return s.ledger.Post(ctx, p, opts...)
		},
	}, actor)
}

// Remittance takes cash at a teller for payout elsewhere: Dr till / Cr remittances payable.
func (s *Service) Remittance(ctx context.Context, in RemittanceInput, actor shared.Actor) (Result, error) {
	if !in.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if in.TellerID == 0 {
		return Result{}, fmt.Errorf("%w: operations: teller required", shared.ErrValidation)
	}
	if strings.TrimSpace(in.Beneficiary) == "" {
		return Result{}, fmt.Errorf("%w: operations: beneficiary required", shared.ErrValidation)
	}
	branch := normalizeBranch(in.BranchCode)
	return s.execute(ctx, operation{
		kind:     KindRemittance,
		serialOp: serial.OpRemittance,
		code:     in.Code,
		idemKey:  in.IdempotencyKey,
		branch:   branch,
		date:     in.Date,
		tellerID: in.TellerID,
		submit: func(ctx context.Context, code, till string, opts []ledger.PostOption) (ledger.EntrySet, error) {
			payable, err := s.mapped(ctx, mappings.KeyRemittancePayable)
			if err != nil {
				return ledger.EntrySet{}, err
			}
			memo := memoOr(in.Memo, "Remittance to %s", in.Beneficiary)
			p, err := s.posting(ctx, code, branch, in.Date, in.ReferenceID, memo, actor.ID, []ledger.LegInput{
				{AccountNumber: till, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: payable, Side: ledger.SideCredit, Amount: in.Amount},
			})
			if err != nil {
				return ledger.EntrySet{}, err
			}
			return s.ledger.Post(ctx, p, opts...)
		},
	}, actor)
}

// LoanRepayment books a repayment against the loan receivable. The loan service is
// asked first; if it does not answer nothing is reserved or posted.
func (s *Service) LoanRepayment(ctx context.Context, in LoanRepaymentInput, actor shared.Actor) (Result, error) {
	if err := actor.Require(shared.PermOperations); err != nil {
		return Result{}, err
	}
	if !in.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if (in.TellerID == 0) == (strings.TrimSpace(in.AccountNumber) == "") {
		return Result{}, fmt.Errorf("%w: operations: repay either in cash at a teller or from an account", shared.ErrValidation)
	}
	if s.loans == nil {
		return Result{}, fmt.Errorf("%w: operations: loan service not configured", shared.ErrUnavailable)
	}
	loan, err := s.loans.GetLoan(ctx, in.LoanID)
	if err != nil {
		return Result{}, err
	}
	if err := repayable(loan, in.Amount); err != nil {
		return Result{}, err
	}
	branch := normalizeBranch(in.BranchCode)
	return s.execute(ctx, operation{
		kind:     KindLoanRepayment,
		serialOp: serial.OpLoanRepayment,
		code:     in.Code,
		idemKey:  in.IdempotencyKey,
		branch:   branch,
		date:     in.Date,
		tellerID: in.TellerID,
		submit: func(ctx context.Context, code, till string, opts []ledger.PostOption) (ledger.EntrySet, error) {
			receivable := loan.ReceivableAccount
			if receivable == "" {
				var err error
				if receivable, err = s.mapped(ctx, mappings.KeyLoanReceivable); err != nil {
					return ledger.EntrySet{}, err
				}
			}
			source := in.AccountNumber
			if till != "" {
				source = till
			}
			memo := memoOr(in.Memo, "Repayment of loan %s", loan.Number)
			p, err := s.posting(ctx, code, branch, in.Date, "loan:"+loan.ID, memo, actor.ID, []ledger.LegInput{
				{AccountNumber: source, Side: ledger.SideDebit, Amount: in.Amount},
				{AccountNumber: receivable, Side: ledger.SideCredit, Amount: in.Amount},
			})
			if err != nil {
				return ledger.EntrySet{}, err
			}
			if p.Currency != loan.Currency {
				return ledger.EntrySet{}, fmt.Errorf("%w: loan %s is in %s", ErrLoanNotRepayable, loan.ID, loan.Currency)
			}
			return s.ledger.Post(ctx, p, opts...)
		},
	}, actor)
}

// Reverse cancels a booked operation by posting its mirror image under a REV code.
// A cash operation is reversed through the teller whose till it moved.
func (s *Service) Reverse(ctx context.Context, in ReverseInput, actor shared.Actor) (Result, error) {
	original, err := s.ledger.GetEntrySet(ctx, in.EntrySetID)
	if err != nil {
		return Result{}, err
	}
	tellerID := in.TellerID
	if tellerID == 0 && s.custody != nil {
		if tellerID, err = s.custody.TellerForSet(ctx, original); err != nil {
			return Result{}, err
		}
	}
	date := in.Date
	if date.IsZero() {
		date = original.EntryDate
	}
	return s.execute(ctx, operation{
		kind:     KindReversal,
		serialOp: serial.OpReversal,
		code:     in.Code,
		idemKey:  in.IdempotencyKey,
		branch:   original.BranchCode,
		date:     date,
		tellerID: tellerID,
		submit: func(ctx context.Context, code, _ string, opts []ledger.PostOption) (ledger.EntrySet, error) {
			return s.ledger.Reverse(ctx, ledger.ReverseInput{
				EntrySetID: original.ID,
				ActorID:    actor.ID,
				Code:       code,
				EntryDate:  serial.BusinessDate(date),
				Memo:       in.Memo,
			}, opts...)
		},
	}, actor)
}

func checkCash(in CashInput) error {
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if in.TellerID == 0 {
		return fmt.Errorf("%w: operations: teller required", shared.ErrValidation)
	}
	if strings.TrimSpace(in.AccountNumber) == "" {
		return fmt.Errorf("%w: operations: account required", shared.ErrValidation)
	}
	return nil
}

func repayable(loan loans.Loan, amount decimal.Decimal) error {
	if loan.Status != loans.StatusActive {
		return fmt.Errorf("%w: loan %s is %s", ErrLoanNotRepayable, loan.ID, loan.Status)
	}
	if amount.GreaterThan(loan.Outstanding) {
		return fmt.Errorf("%w: loan %s owes %s", ErrLoanNotRepayable, loan.ID, loan.Outstanding)
	}
	return nil
}

func memoOr(memo, format string, args ...any) string {
	if strings.TrimSpace(memo) != "" {
		return memo
	}
	return fmt.Sprintf(format, args...)
}
