package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"etsy-penny/models"
)

// ChangeFeed liefert Push-Benachrichtigungen über Änderungen an einer Listing-Zeile.
type ChangeFeed interface {
	Subscribe(ctx context.Context, listingID string) (<-chan models.ListingChange, func(), error)
}

// StatusReader liest Status und updated_at eines Listings für den Poll.
type StatusReader interface {
	ListingStatus(ctx context.Context, id string) (models.ListingChange, error)
}

// CompletionWatcher erkennt das Ende eines externen Jobs über zwei Kanäle (Push und Poll).
// Zustand: idle oder waiting(since, job). Eine Fertigmeldung wird nur angenommen, wenn der Watcher
// wartet, der Status der Completion-Marker ist, die Zeile zum erwarteten Job gehört und
// updated_at echt nach since liegt.
// Wer zuerst passt, gewinnt; der Callback läuft genau einmal pro Job.
type CompletionWatcher struct {
	listingID        string
	completionStatus string
	interval         time.Duration
	feed             ChangeFeed
	status           StatusReader
	onComplete       func(models.ListingChange)
	logger           *zap.Logger

	mu      sync.Mutex
	waiting bool
	since   time.Time
	jobID   string
	started bool
	stopped bool

	cancel      context.CancelFunc
	unsubscribe func()
	scheduler   *cron.Cron
	wg          sync.WaitGroup
}

// NewCompletionWatcher erstellt einen Watcher für ein Listing. feed darf nil sein, dann wird nur gepollt.
func NewCompletionWatcher(listingID, completionStatus string, interval time.Duration, feed ChangeFeed, status StatusReader, onComplete func(models.ListingChange), logger *zap.Logger) *CompletionWatcher {
	return &CompletionWatcher{
		listingID:        listingID,
		completionStatus: completionStatus,
		interval:         interval,
		feed:             feed,
		status:           status,
		onComplete:       onComplete,
		logger:           logger.With(zap.String("listing_id", listingID)),
	}
}

// Arm wechselt nach waiting(since, jobID). Es darf nur ein Job pro Listing ausstehen.
func (w *CompletionWatcher) Arm(since time.Time, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWatcherStopped
	}
	if w.waiting {
		return ErrJobInFlight
	}
	w.waiting = true
	w.since = since
	w.jobID = jobID
	w.logger.Debug("Watcher scharf geschaltet", zap.Time("since", since), zap.String("job_id", jobID))
	return nil
}

// Disarm kehrt ohne Callback nach idle zurück, z.B. wenn der Trigger fehlgeschlagen ist.
func (w *CompletionWatcher) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waiting = false
	w.since = time.Time{}
	w.jobID = ""
}

// Waiting meldet, ob ein Job aussteht, und seit wann.
func (w *CompletionWatcher) Waiting() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting, w.since
}

// HandleChange prüft eine Benachrichtigung gegen den Zustand. Nur der Aufruf, der den Watcher
// von waiting nach idle bringt, ruft den Callback auf und liefert true.
func (w *CompletionWatcher) HandleChange(change models.ListingChange, channel string) bool {
	w.mu.Lock()
	if w.stopped || !w.waiting {
		w.mu.Unlock()
		return false
	}
	if change.ListingID != w.listingID || change.Status != w.completionStatus {
		w.mu.Unlock()
		return false
	}
	if change.JobID != w.jobID || !change.UpdatedAt.After(w.since) {
		since, jobID := w.since, w.jobID
		w.mu.Unlock()
		staleSignals.WithLabelValues(channel).Inc()
		w.logger.Debug("Veraltete Fertigmeldung ignoriert",
			zap.String("channel", channel),
			zap.String("job_id", change.JobID),
			zap.String("expected_job_id", jobID),
			zap.Time("updated_at", change.UpdatedAt),
			zap.Time("since", since),
		)
		return false
	}
	w.waiting = false
	w.since = time.Time{}
	w.jobID = ""
	cb := w.onComplete
	w.mu.Unlock()

	completionsAccepted.WithLabelValues(channel).Inc()
	w.logger.Info("Job abgeschlossen", zap.String("channel", channel), zap.Time("updated_at", change.UpdatedAt))
	if cb != nil {
		cb(change)
	}
	return true
}

// PollOnce liest den aktuellen Status und prüft ihn wie eine Push-Benachrichtigung.
func (w *CompletionWatcher) PollOnce(ctx context.Context) bool {
	if waiting, _ := w.Waiting(); !waiting {
		return false
	}
	change, err := w.status.ListingStatus(ctx, w.listingID)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Status-Poll fehlgeschlagen", zap.Error(err))
		}
		return false
	}
	return w.HandleChange(change, ChannelPoll)
}

// Start abonniert den Push-Kanal und startet den Poll im festen Intervall.
// Scheitert das Abonnement, läuft der Watcher nur mit dem Poll weiter.
func (w *CompletionWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWatcherStopped
	}
	if w.started {
		return nil
	}
	w.started = true

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.feed != nil {
		changes, unsubscribe, err := w.feed.Subscribe(ctx, w.listingID)
		if err != nil {
			w.logger.Warn("Push-Abonnement fehlgeschlagen, nur Poll aktiv", zap.Error(err))
		} else {
			w.unsubscribe = unsubscribe
			w.wg.Add(1)
			go w.consume(ctx, changes)
		}
	}

	w.scheduler = cron.New()
	if _, err := w.scheduler.AddFunc(fmt.Sprintf("@every %s", w.interval), func() { w.PollOnce(ctx) }); err != nil {
		cancel()
		if w.unsubscribe != nil {
			w.unsubscribe()
		}
		return fmt.Errorf("schedule poll: %w", err)
	}
	w.scheduler.Start()
	return nil
}

func (w *CompletionWatcher) consume(ctx context.Context, changes <-chan models.ListingChange) {
	defer w.wg.Done()
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			w.HandleChange(change, ChannelPush)
		case <-ctx.Done():
			return
		}
	}
}

// Stop baut beide Kanäle ab. Ein ausstehender Job wird verworfen; nach Stop läuft kein Callback mehr.
// Stop darf nicht aus dem Callback heraus aufgerufen werden.
func (w *CompletionWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.waiting = false
	cancel, unsubscribe, scheduler := w.cancel, w.unsubscribe, w.scheduler
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	w.wg.Wait()
	w.logger.Debug("Watcher abgebaut")
}
