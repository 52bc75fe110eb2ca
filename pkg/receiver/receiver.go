package receiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rescp17/deckrocket/pkg/classify"
	"github.com/rescp17/deckrocket/pkg/concurrency"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/settings"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTransfer marks a resource transfer the transport reported as failed.
	ErrTransfer = errors.New("resource transfer failed")
	// ErrUnrecognizedFileType marks a completed transfer that was dropped
	// because its extension maps to no known kind. It is not a failure.
	ErrUnrecognizedFileType = errors.New("unrecognized file type")
	// ErrDestinationReplaceFailed is returned by a Sink that accepted a file
	// but could not put it in place. Callers must not continue as if the file
	// had been adopted.
	ErrDestinationReplaceFailed = errors.New("failed to replace destination file")
)

// TransferError wraps the error the transport reported for one transfer.
type TransferError struct {
	Name string
	Peer discovery.PeerID
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %q from %s failed: %v", e.Name, e.Peer, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

// InboundTransfer is one resource being received.
type InboundTransfer struct {
	Name      string
	Peer      discovery.PeerID
	Location  string
	Err       error
	StartedAt time.Time
}

// ClassifiedFile is a fully received file of a known kind, ready for adoption.
type ClassifiedFile struct {
	Kind        classify.Kind
	Name        string
	Location    string
	Peer        discovery.PeerID
	PromptTitle string
	SettingsKey string
}

// Sink decides what happens to a classified file: typically it asks the user,
// moves the file into place, persists its name and reloads the view.
type Sink interface {
	Adopt(ctx context.Context, file ClassifiedFile) error
}

// Outcome is what Finished did with a transfer.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeUnrecognized
	OutcomeTransferFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeUnrecognized:
		return "unrecognized"
	case OutcomeTransferFailed:
		return "transfer_failed"
	default:
		return "unknown"
	}
}

// Stats counts transfers by what happened to them.
type Stats struct {
	Started      int
	Delivered    int
	Unrecognized int
	Failed       int
}

// Receiver turns finished resource transfers into sink handoffs. Handoffs are
// always scheduled on the dispatcher, never run on the calling goroutine.
type Receiver struct {
	sink       Sink
	dispatcher concurrency.Dispatcher
	logger     logrus.FieldLogger

	mu     sync.Mutex
	fatal  func(error)
	active map[transferKey]*InboundTransfer
	stats  Stats
}

type transferKey struct {
	peer discovery.PeerID
	name string
}

func New(sink Sink, dispatcher concurrency.Dispatcher, logger logrus.FieldLogger) *Receiver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Receiver{
		sink:       sink,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "receiver"),
		active:     make(map[transferKey]*InboundTransfer),
	}
	r.fatal = func(err error) {
		r.logger.WithError(err).Error("Accepted file could not be put in place")
	}
	return r
}

// OnFatal sets the handler for sink errors wrapping ErrDestinationReplaceFailed.
func (r *Receiver) OnFatal(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.fatal = fn
	}
}

// Started records the beginning of a transfer.
func (r *Receiver) Started(name string, peer discovery.PeerID) {
	r.mu.Lock()
	r.active[transferKey{peer: peer, name: name}] = &InboundTransfer{
		Name:      name,
		Peer:      peer,
		StartedAt: time.Now(),
	}
	r.stats.Started++
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"name": name, "peer": peer.String()}).Info("Started receiving resource")
}

// Finished handles the end of a transfer. A failed or unrecognized transfer
// is dropped; a recognized one is handed to the sink asynchronously.
func (r *Receiver) Finished(ctx context.Context, name string, peer discovery.PeerID, location string, transferErr error) Outcome {
	key := transferKey{peer: peer, name: name}
	r.mu.Lock()
	transfer, ok := r.active[key]
	if !ok {
		transfer = &InboundTransfer{Name: name, Peer: peer}
	}
	delete(r.active, key)
	transfer.Location = location
	transfer.Err = transferErr
	r.mu.Unlock()

	log := r.logger.WithFields(logrus.Fields{"name": name, "peer": peer.String(), "location": location})

	if transferErr != nil {
		err := &TransferError{Name: name, Peer: peer, Err: transferErr}
		log.WithError(err).Error("Dropping failed resource transfer")
		r.discard(location)
		r.count(OutcomeTransferFailed)
		return OutcomeTransferFailed
	}

	kind, ok := classify.File(name)
	if !ok {
		log.WithField("reason", ErrUnrecognizedFileType).Info("Ignoring resource of unrecognized type")
		r.discard(location)
		r.count(OutcomeUnrecognized)
		return OutcomeUnrecognized
	}

	file := ClassifiedFile{
		Kind:        kind,
		Name:        name,
		Location:    location,
		Peer:        peer,
		PromptTitle: kind.PromptTitle(),
		SettingsKey: SettingsKey(kind),
	}
	log.WithField("kind", kind.String()).Info("Handing off received resource")
	r.count(OutcomeDelivered)

	r.dispatcher.Dispatch(func() {
		if err := r.sink.Adopt(ctx, file); err != nil {
			r.handleSinkError(file, err)
		}
	})
	return OutcomeDelivered
}

// Stats returns a copy of the outcome counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Pending returns the transfers that have started but not finished.
func (r *Receiver) Pending() []InboundTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InboundTransfer, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, *t)
	}
	return out
}

func (r *Receiver) handleSinkError(file ClassifiedFile, err error) {
	if errors.Is(err, ErrDestinationReplaceFailed) {
		r.mu.Lock()
		fatal := r.fatal
		r.mu.Unlock()
		fatal(err)
		return
	}
	r.logger.WithError(err).WithField("name", file.Name).Error("Failed to adopt received resource")
}

func (r *Receiver) count(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o {
	case OutcomeDelivered:
		r.stats.Delivered++
	case OutcomeUnrecognized:
		r.stats.Unrecognized++
	case OutcomeTransferFailed:
		r.stats.Failed++
	}
}

// discard removes a staged file nobody will adopt.
func (r *Receiver) discard(location string) {
	if location == "" {
		return
	}
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		r.logger.WithError(err).WithField("location", location).Warn("Failed to remove staged file")
	}
}

// SettingsKey is the settings key under which an adopted file of kind is stored.
func SettingsKey(kind classify.Kind) string {
	switch kind {
	case classify.Slides:
		return settings.SlidesKey
	case classify.Notes:
		return settings.NotesKey
	default:
		return ""
	}
}
