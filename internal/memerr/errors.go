// Package memerr defines the failure taxonomy shared by every memory
// component. Callers branch on Kind; the CLI maps kinds to exit codes.
package memerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide whether to retry,
// repair, or surface it.
type Kind int

const (
	KindUnknown Kind = iota
	KindWriteConflict
	KindChainBreak
	KindLockUnavailable
	KindBudgetTooSmall
	KindMergeConflict
	KindRepoIdentityUnknown
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	KindWriteConflict:       "WriteConflict",
	KindChainBreak:          "ChainBreak",
	KindLockUnavailable:     "LockUnavailable",
	KindBudgetTooSmall:      "BudgetTooSmall",
	KindMergeConflict:       "MergeConflict",
	KindRepoIdentityUnknown: "RepoIdentityUnknown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether the caller may simply try again later.
func (k Kind) Retryable() bool {
	return k == KindWriteConflict || k == KindLockUnavailable
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrWriteConflict       = &Error{Kind: KindWriteConflict}
	ErrChainBreak          = &Error{Kind: KindChainBreak}
	ErrLockUnavailable     = &Error{Kind: KindLockUnavailable}
	ErrBudgetTooSmall      = &Error{Kind: KindBudgetTooSmall}
	ErrMergeConflict       = &Error{Kind: KindMergeConflict}
	ErrRepoIdentityUnknown = &Error{Kind: KindRepoIdentityUnknown}
)

// Error carries a Kind plus enough context for the caller to act on it.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "eventstore.append".
	Op string
	// Seq is the event sequence number involved, -1 when not applicable.
	Seq int64
	// Detail is a human readable explanation.
	Detail string
	// Values lists conflicting values for MergeConflict.
	Values []string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Kind == KindChainBreak && e.Seq >= 0 {
		fmt.Fprintf(&b, " at seq %d", e.Seq)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Values) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Values, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Seq: -1, Detail: detail}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Seq: -1, Err: err}
}

// ChainBreak reports an integrity violation at seq.
func ChainBreak(op string, seq int64, detail string) *Error {
	return &Error{Kind: KindChainBreak, Op: op, Seq: seq, Detail: detail}
}

// MergeConflict reports decision values that need manual resolution.
func MergeConflict(op string, values []string) *Error {
	return &Error{
		Kind:   KindMergeConflict,
		Op:     op,
		Seq:    -1,
		Detail: fmt.Sprintf("%d decision(s) diverged on both sides", len(values)),
		Values: values,
	}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SeqOf returns the sequence number carried by err, or -1.
func SeqOf(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.Seq
	}
	return -1
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindWriteConflict:
		return 10
	case KindChainBreak:
		return 11
	case KindLockUnavailable:
		return 12
	case KindBudgetTooSmall:
		return 13
	case KindMergeConflict:
		return 14
	case KindRepoIdentityUnknown:
		return 15
	default:
		return 1
	}
}
