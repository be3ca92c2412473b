package storage

import (
	"errors"
	"fmt"
)

// ErrListingNotFound wird geliefert, wenn kein Listing mit der ID existiert.
var ErrListingNotFound = errors.New("listing not found")

// ErrEvaluationNotFound wird geliefert, wenn keine Evaluation mit der ID existiert.
var ErrEvaluationNotFound = errors.New("evaluation not found")

// ErrJobMismatch wird geliefert, wenn ein Ergebnis nicht zum zuletzt ausgelösten Job gehört.
var ErrJobMismatch = errors.New("result does not belong to the current job")

// StoreError kapselt jeden fehlgeschlagenen Lese- oder Schreibzugriff.
// Der Aufrufer darf keinen Teilerfolg annehmen; die Operation kann wiederholt werden.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable ist immer true: alle Store-Fehler betreffen nur eine Operation eines Listings.
func (e *StoreError) Retryable() bool { return true }

// PartialReplacementError meldet, dass nach einem Austausch des Keyword-Pools
// nicht exakt der neue Satz in der Datenbank steht.
type PartialReplacementError struct {
	Scope    string
	Expected int
	Found    int
	Missing  []string
	Stale    []string
}

func (e *PartialReplacementError) Error() string {
	return fmt.Sprintf("keyword replacement for %s incomplete: expected %d rows, found %d (missing %d, stale %d)",
		e.Scope, e.Expected, e.Found, len(e.Missing), len(e.Stale))
}

// Retryable: die UI soll neu laden bzw. den Austausch wiederholen.
func (e *PartialReplacementError) Retryable() bool { return true }
