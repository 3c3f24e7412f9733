package model

import (
	"errors"
)

// Business failures are explicit values so callers branch deterministically
// instead of matching on error text. Every operation's failure mode is one
// of these or a wrapped storage error.
var (
	// ErrNotFound: unknown delivery or account id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: the requested lifecycle change is not in the
	// transition table, or the delivery is already terminal.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyTaken: another courier claimed the delivery first.
	ErrAlreadyTaken = errors.New("delivery already taken")
	// ErrAlreadyHasActiveJob: the courier holds another non-terminal delivery.
	ErrAlreadyHasActiveJob = errors.New("courier already has an active delivery")
	// ErrNoActiveCredit: no active, unexpired account with remaining units.
	ErrNoActiveCredit = errors.New("no active delivery credit")
	// ErrInvalidCode: presented proof code matches neither token nor the
	// confirmation code, or the delivery is not at the matching checkpoint.
	ErrInvalidCode = errors.New("invalid proof code")
	// ErrForbidden: the actor's role or identity does not permit the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation: the request payload is malformed or out of range. Always
	// wrapped with the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrLedgerIntegrity marks an invariant violation in the credit ledger
	// (negative balance, duplicate usage or refund row). It is never handled;
	// observing it means the atomicity discipline failed.
	ErrLedgerIntegrity = errors.New("credit ledger integrity violation")
)
