package services

import (
	"errors"
	"fmt"
)

// ErrJobInFlight wird geliefert, wenn für das Listing bereits ein Job aussteht.
var ErrJobInFlight = errors.New("a job is already outstanding for this listing")

// ErrWatcherStopped wird geliefert, wenn ein abgebauter Watcher erneut scharf geschaltet wird.
var ErrWatcherStopped = errors.New("completion watcher stopped")

// ErrEmptyJobOutput meldet eine Worker-Ausgabe ohne verwertbaren Inhalt für die Aktion.
var ErrEmptyJobOutput = errors.New("job output has no usable content")

// ErrEmptyKeyword wird geliefert, wenn ein leeres Keyword hinzugefügt werden soll.
var ErrEmptyKeyword = errors.New("keyword is empty")

// DuplicateKeywordError ist reine Nutzer-Validierung beim Hinzufügen eines Keywords.
type DuplicateKeywordError struct {
	Keyword string
}

func (e *DuplicateKeywordError) Error() string {
	return fmt.Sprintf("keyword %q already exists for this listing", e.Keyword)
}

// UnavailableModeError meldet einen Modus ohne geladene Evaluation.
// Die UI soll den Modus deaktivieren, nicht auf einen anderen ausweichen.
type UnavailableModeError struct {
	Mode string
}

func (e *UnavailableModeError) Error() string {
	return fmt.Sprintf("no evaluation loaded for mode %q", e.Mode)
}
