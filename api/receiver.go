package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pion/webrtc/v4"
	"github.com/rescp17/deckrocket/pkg/concurrency"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/sirupsen/logrus"
)

// maxPayloadSize bounds an invite body; a gathered SDP is a few KiB.
const maxPayloadSize = 1 << 20

// InviteHandler decides on an invitation and produces the answer. It
// returns ErrAlreadyConnected or ErrDeclined to refuse.
type InviteHandler interface {
	HandleInvite(ctx context.Context, from discovery.PeerID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
}

// API is the invitee's HTTP surface.
type API struct {
	local   discovery.PeerID
	guard   *concurrency.Guard
	handler InviteHandler
	logger  logrus.FieldLogger
	mux     *http.ServeMux
}

func NewAPI(local discovery.PeerID, handler InviteHandler, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &API{
		local:   local,
		guard:   concurrency.NewGuard(),
		handler: handler,
		logger:  logger.WithField("component", "api"),
		mux:     http.NewServeMux(),
	}
	a.registerRoutes()
	return a
}

// ServeHTTP allows the API struct to satisfy the http.Handler interface.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) registerRoutes() {
	a.mux.Handle("POST /invite", a.ConcurrencyControlMiddleware(http.HandlerFunc(a.InviteHandler)))
}

// ConcurrencyControlMiddleware ensures only one invitation is processed at a
// time.
func (a *API) ConcurrencyControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := a.guard.Execute(func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if errors.Is(err, concurrency.ErrBusy) {
			a.logger.WithField("from", r.Header.Get(peerIDHeader)).Warn("Invite rejected, already handling one")
			writeError(w, http.StatusServiceUnavailable, err)
		}
	})
}

func (a *API) InviteHandler(w http.ResponseWriter, r *http.Request) {
	var req InvitePayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request"))
		return
	}
	if req.From.IsZero() || req.Offer.Type != webrtc.SDPTypeOffer {
		writeError(w, http.StatusBadRequest, errors.New("invite needs a sender and an offer"))
		return
	}

	log := a.logger.WithField("from", req.From.String())
	log.Info("Invite received")

	answer, err := a.handler.HandleInvite(r.Context(), req.From, req.Offer)
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		log.Info("Invite refused, already connected")
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, ErrDeclined):
		log.Info("Invite declined")
		writeError(w, http.StatusForbidden, err)
		return
	case err != nil:
		log.WithError(err).Error("Failed to answer invite")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(InviteResponse{From: a.local, Answer: *answer}); err != nil {
		log.WithError(err).Warn("Failed to write answer")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
