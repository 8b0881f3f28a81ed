package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quiz-attempt-client/internal/app"
	"quiz-attempt-client/internal/domain"
)

// WSHandler lets a presentation layer drive the process-wide attempt session
// over a websocket and receive countdown ticks and results.
type WSHandler struct {
	session  *app.Session
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(session *app.Session, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		session: session,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws_handler").Logger(),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID      int64 `json:"questionId"`
	SelectedIndexes []int `json:"selectedIndexes"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type tickPayload struct {
	Remaining string `json:"remaining"`
}

type errorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// ServeWS upgrades HTTP requests to websockets and wires them into the session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := h.session.Subscribe()
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(eventsDone)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case send <- h.eventMessage(ev):
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	h.readLoop(r.Context(), conn.ReadJSON, send, writerDone)

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}

// readLoop answers inbound commands until the connection fails or the writer
// has stopped.
func (h *WSHandler) readLoop(ctx context.Context, read func(v interface{}) error, send chan<- outboundMessage[any], writerDone <-chan struct{}) {
	for {
		var inbound inboundMessage
		if err := read(&inbound); err != nil {
			return
		}
		select {
		case send <- h.handle(ctx, inbound):
		case <-writerDone:
			return
		}
	}
}

func (h *WSHandler) handle(ctx context.Context, inbound inboundMessage) outboundMessage[any] {
	var err error
	switch inbound.Type {
	case "state":
	case "start":
		user, ok := h.session.User()
		if !ok {
			err = domain.ErrNotAuthenticated
			break
		}
		_, err = h.session.Start(ctx, user)
	case "answer":
		var payload answerPayload
		if jsonErr := json.Unmarshal(inbound.Payload, &payload); jsonErr != nil {
			return errorMessage("invalid answer payload", "validation")
		}
		err = h.session.Answer(payload.QuestionID, payload.SelectedIndexes)
	case "next":
		err = h.session.GoToNext()
	case "advance":
		var res *domain.SubmitResult
		res, err = h.session.Advance(ctx)
		if err == nil && res != nil {
			return outboundMessage[any]{Type: "result", Payload: res}
		}
	case "submit":
		var res domain.SubmitResult
		res, err = h.session.Submit(ctx, true)
		if err == nil {
			return outboundMessage[any]{Type: "result", Payload: res}
		}
	case "reset":
		err = h.session.ResetAnswers()
	case "discard":
		h.session.Discard()
	default:
		return errorMessage("unsupported message type", "validation")
	}
	if err != nil {
		h.log.Debug().Err(err).Str("type", inbound.Type).Msg("ws command rejected")
		return errorMessage(err.Error(), errorKind(err))
	}
	return outboundMessage[any]{Type: "state", Payload: h.session.View()}
}

func (h *WSHandler) eventMessage(ev domain.SessionEvent) outboundMessage[any] {
	switch ev.Type {
	case domain.EventTick, domain.EventExpired:
		return outboundMessage[any]{Type: string(ev.Type), Payload: tickPayload{Remaining: ev.Display}}
	case domain.EventSubmitted:
		return outboundMessage[any]{Type: string(ev.Type), Payload: ev.Result}
	case domain.EventSubmitFailed:
		return errorTyped(string(ev.Type), ev.Error, "transient")
	case domain.EventReauthRequired:
		return outboundMessage[any]{Type: string(ev.Type), Payload: h.session.View()}
	default:
		return outboundMessage[any]{Type: "state", Payload: h.session.View()}
	}
}

// errorKind names the fault class a presentation layer reacts to.
func errorKind(err error) string {
	switch {
	case domain.IsValidation(err):
		return "validation"
	case domain.IsAuth(err):
		return "auth"
	case errors.Is(err, domain.ErrAttemptOpen), errors.Is(err, domain.ErrNoActiveAttempt),
		errors.Is(err, domain.ErrSubmissionInFlight):
		return "state"
	default:
		return "transient"
	}
}

func errorMessage(message, kind string) outboundMessage[any] {
	return errorTyped("error", message, kind)
}

func errorTyped(typ, message, kind string) outboundMessage[any] {
	return outboundMessage[any]{Type: typ, Payload: errorPayload{Message: message, Kind: kind}}
}
