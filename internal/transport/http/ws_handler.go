package http

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"simulado-service/internal/app"
	"simulado-service/internal/domain"
)

// AttemptSocket streams the countdown of one open attempt and accepts answers
// and the finish command over a websocket. The countdown is advisory: the
// engine recomputes remaining time from started_at on every call.
type AttemptSocket struct {
	attempts *app.AttemptService
	tick     time.Duration
	upgrader websocket.Upgrader
}

func NewAttemptSocket(attempts *app.AttemptService, tick time.Duration) *AttemptSocket {
	if tick <= 0 {
		tick = time.Second
	}
	return &AttemptSocket{
		attempts: attempts,
		tick:     tick,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Position int    `json:"position"`
	Choice   string `json:"choice"`
}

type finishPayload struct {
	Answers AnswerSet `json:"answers"`
}

type tickPayload struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// ServeWS upgrades the request and runs the attempt session until the client
// disconnects.
func (s *AttemptSocket) ServeWS(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	attemptID := mux.Vars(r)["attemptID"]

	remaining, attempt, err := s.attempts.Remaining(r.Context(), caller.UserID, attemptID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempt.Completed() {
		writeError(w, r, domain.ErrAlreadyCompleted)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("attempt_id", attemptID).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	tickerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Str("attempt_id", attemptID).Msg("ws write error")
				conn.Close()
				return
			}
		}
	}()

	push := func(msg outboundMessage[any]) bool {
		select {
		case send <- msg:
			return true
		case <-writerDone:
			return false
		}
	}

	var finishOnce sync.Once
	finished := make(chan struct{})
	markFinished := func() { finishOnce.Do(func() { close(finished) }) }

	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-finished:
				return
			case <-closeSignals:
				return
			}

			left, _, err := s.attempts.Remaining(r.Context(), caller.UserID, attemptID)
			if err != nil {
				push(errorMessage(err))
				return
			}
			if left > 0 {
				if !push(outboundMessage[any]{Type: "tick", Payload: tickPayload{RemainingSeconds: seconds(left)}}) {
					return
				}
				continue
			}

			result, err := s.attempts.Finalize(r.Context(), caller.UserID, attemptID, nil)
			markFinished()
			if errors.Is(err, domain.ErrAlreadyCompleted) {
				return
			}
			if err != nil {
				push(errorMessage(err))
				return
			}
			push(outboundMessage[any]{Type: "finished", Payload: newFinishedResponse(result)})
			return
		}
	}()

	push(outboundMessage[any]{Type: "tick", Payload: tickPayload{RemainingSeconds: seconds(remaining)}})

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				push(errorMessage(domain.InvalidInput("invalid answer payload")))
				continue
			}
			left, err := s.attempts.RecordAnswer(r.Context(), caller.UserID, attemptID, domain.AnswerChoice{
				Position: payload.Position,
				Choice:   payload.Choice,
			})
			if err != nil {
				push(errorMessage(err))
				continue
			}
			push(outboundMessage[any]{Type: "answer", Payload: recordAnswerResponse{Position: payload.Position, RemainingSeconds: left}})
		case "finish":
			var payload finishPayload
			if len(inbound.Payload) > 0 {
				if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
					push(errorMessage(domain.InvalidInput("invalid finish payload")))
					continue
				}
			}
			result, err := s.attempts.Finalize(r.Context(), caller.UserID, attemptID, payload.Answers)
			if err != nil {
				push(errorMessage(err))
				continue
			}
			markFinished()
			push(outboundMessage[any]{Type: "finished", Payload: newFinishedResponse(result)})
		default:
			push(errorMessage(domain.InvalidInput("unsupported message type %q", inbound.Type)))
		}
	}

	close(closeSignals)
	<-tickerDone
	close(send)
	<-writerDone
}

func errorMessage(err error) outboundMessage[any] {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("ws attempt operation failed")
	}
	return outboundMessage[any]{Type: "error", Payload: body}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
