package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/chatclient"
	"github.com/ent0n29/personachat/internal/orchestrator"
	"github.com/ent0n29/personachat/internal/protocol"
)

const outboundTimeout = 2 * time.Second

// runConnection drives one persona conversation from inbound client messages
// until inbound is closed or ctx ends. Turns run in the background so that
// controls such as cancel are handled while a reply streams.
func (s *Server) runConnection(ctx context.Context, personaID string, inbound <-chan any, outbound chan<- any) error {
	send := func(msg any) { s.send(ctx, outbound, msg) }

	var conv *orchestrator.Conversation
	var created bool
	conv = s.orch.Conversation(personaID, orchestrator.Listener{
		OnSession: func(_ string, c bool) { created = c },
		OnDelta: func(turnID, text string) {
			send(protocol.AssistantTextDelta{
				Type:      protocol.TypeAssistantTextDelta,
				SessionID: conv.SessionID(),
				TurnID:    turnID,
				TextDelta: text,
			})
		},
		OnTurnEnd: func(res orchestrator.TurnResult) {
			end := protocol.AssistantTurnEnd{
				Type:      protocol.TypeAssistantTurnEnd,
				SessionID: res.SessionID,
				TurnID:    res.TurnID,
				Reason:    string(res.Outcome),
				Text:      res.Text,
			}
			if res.Err != nil {
				end.Detail = res.Err.Error()
			}
			send(end)
		},
		OnPlayback: func(ev orchestrator.PlaybackEvent) {
			msg := protocol.PlaybackEvent{
				Type:   protocol.TypePlaybackEvent,
				TurnID: ev.TurnID,
				State:  string(ev.State),
				Reason: ev.Reason,
			}
			if ev.State == orchestrator.PlaybackFailed && ev.Err != nil {
				msg.Detail = ev.Err.Error()
			}
			send(msg)
		},
		OnSpeechError: func(turnID string, err error) {
			send(protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: conv.SessionID(),
				Code:      "speech_unavailable",
				Detail:    err.Error(),
			})
		},
	})
	defer conv.Close()

	if _, err := conv.EnsureSession(ctx); err != nil {
		send(errorEvent("", "session_unavailable", "backend", err))
		return err
	}
	send(sessionReady(conv, created))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-inbound:
			if !ok {
				conv.Close()
				return nil
			}
			switch msg := raw.(type) {
			case protocol.UserMessage:
				wg.Add(1)
				go func(text string) {
					defer wg.Done()
					if _, err := conv.Send(ctx, text); err != nil {
						send(turnError(conv.SessionID(), err))
					}
				}(msg.Text)
			case protocol.ClientControl:
				s.handleControl(ctx, conv, msg, send)
			}
		}
	}
}

func (s *Server) handleControl(ctx context.Context, conv *orchestrator.Conversation, msg protocol.ClientControl, send func(any)) {
	switch msg.Action {
	case protocol.ActionCancel:
		conv.Cancel()
	case protocol.ActionSkipAudio:
		conv.SkipAudio()
		send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: conv.SessionID(),
			Code:      "audio_skipped",
		})
	case protocol.ActionNewChat:
		if _, err := conv.NewChat(ctx); err != nil {
			send(errorEvent(conv.SessionID(), "new_chat_failed", "backend", err))
			return
		}
		send(sessionReady(conv, true))
	}
	s.logger.Debug("client control handled",
		zap.String("persona_id", conv.PersonaID()),
		zap.String("action", msg.Action),
	)
}

// send delivers msg unless the connection is gone or the writer stalls.
func (s *Server) send(ctx context.Context, outbound chan<- any, msg any) {
	timer := time.NewTimer(outboundTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-ctx.Done():
	case <-timer.C:
		s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}

func sessionReady(conv *orchestrator.Conversation, created bool) protocol.SessionReady {
	transcript := conv.Transcript()
	entries := make([]protocol.TranscriptEntry, 0, len(transcript))
	for _, m := range transcript {
		entries = append(entries, protocol.TranscriptEntry{Role: string(m.Role), Content: m.Content})
	}
	return protocol.SessionReady{
		Type:       protocol.TypeSessionReady,
		SessionID:  conv.SessionID(),
		PersonaID:  conv.PersonaID(),
		Created:    created,
		Transcript: entries,
	}
}

func turnError(sessionID string, err error) protocol.ErrorEvent {
	switch {
	case errors.Is(err, chatclient.ErrConcurrentTurn):
		ev := errorEvent(sessionID, "turn_in_progress", "gateway", err)
		ev.Retryable = true
		return ev
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return errorEvent(sessionID, "empty_message", "gateway", err)
	default:
		return errorEvent(sessionID, "turn_failed", "backend", err)
	}
}

func errorEvent(sessionID, code, source string, err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Detail:    err.Error(),
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		ev.Retryable = r.Retryable()
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		ev.Source = "backend"
	}
	return ev
}
