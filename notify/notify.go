/*
Package notify provides loan.Notifier implementations.

PURPOSE:
  The state machine reports every status move to a Notifier. What happens
  next (business events, webhooks, delinquency jobs) is outside the engine;
  this package offers the building blocks the server and tests use.

IMPLEMENTATIONS:
  LogNotifier: writes one structured logrus entry per change
  Recorder:    keeps changes in memory, for tests and the HTTP harness
  Multi:       fans a change out to several notifiers

USAGE:
  rec := notify.NewRecorder()
  n := notify.Multi{notify.NewLogNotifier(logger), rec}
  svc := loan.NewService(store, engine, n, logger)
*/
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

type LogNotifier struct {
	Log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogNotifier{Log: log}
}

func (n *LogNotifier) StatusChanged(c loan.StatusChange) {
	n.Log.WithFields(logrus.Fields{
		"loan_id": c.LoanID,
		"event":   c.Event.String(),
		"from":    c.From.String(),
		"to":      c.To.String(),
		"on":      c.On.String(),
	}).Info("loan status changed")
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder stores every change it receives. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	changes []loan.StatusChange
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) StatusChanged(c loan.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

// Changes returns a copy of everything recorded so far.
func (r *Recorder) Changes() []loan.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]loan.StatusChange, len(r.changes))
	copy(out, r.changes)
	return out
}

// ForLoan returns the changes recorded for one loan, oldest first.
func (r *Recorder) ForLoan(id int64) []loan.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []loan.StatusChange
	for _, c := range r.changes {
		if c.LoanID == id {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi delivers each change to every notifier in order. Nil entries are skipped.
type Multi []loan.Notifier

func (m Multi) StatusChanged(c loan.StatusChange) {
	for _, n := range m {
		if n != nil {
			n.StatusChanged(c)
		}
	}
}
