package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

// mu-law encodes silence as 0xFF
const ulawSilence = 0xFF

type peer struct {
	id     string
	model  string
	voice  string
	server *Server
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger *realtime.Logger

	// send writes one text frame; replaced in tests
	send func(data []byte) error

	mu           sync.Mutex
	lastUserText string
	items        []string

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) newPeer(model, voice string) (*peer, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(realtime.PCMUCodec(), "audio", "loopback")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &peer{
		id:     uuid.NewString(),
		model:  model,
		voice:  voice,
		server: s,
		pc:     pc,
		track:  track,
		done:   make(chan struct{}),
	}
	p.logger = s.logger.WithField("session_id", p.id)
	p.send = func([]byte) error { return errors.New("event channel not open") }

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		realtime.DiscardSink{}.Play(remote)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.WithField("label", dc.Label()).Debug("Event channel announced")
		dc.OnOpen(func() {
			p.mu.Lock()
			p.send = func(data []byte) error { return dc.SendText(string(data)) }
			p.mu.Unlock()
			p.emit(map[string]interface{}{
				"type": "session.created",
				"session": map[string]interface{}{
					"id":    p.id,
					"model": p.model,
					"voice": p.voice,
				},
			})
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.handle(msg.Data)
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			go p.streamSilence()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// may run inside pc.Close
			go func() {
				s.forget(p.id)
				p.close()
			}()
		}
	})
	return p, nil
}

func (p *peer) answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

// streamSilence keeps the downstream audio track alive.
func (p *peer) streamSilence() {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = ulawSilence
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond}); err != nil {
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.pc.Close(); err != nil {
			p.logger.WithError(err).Debug("Peer close failed")
		}
		p.logger.Info("Session closed")
	})
}

type inboundEvent struct {
	Type    string                     `json:"type"`
	EventID string                     `json:"event_id"`
	Item    *realtime.ConversationItem `json:"item"`
	Session json.RawMessage            `json:"session"`
}

// handle reacts to one client event the way the hosted model would, minus
// the model.
func (p *peer) handle(data []byte) {
	var evt inboundEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
		p.emitError("invalid_request_error", "invalid_json", "The event could not be parsed", "")
		return
	}

	switch evt.Type {
	case realtime.EventTypeConversationItemCreate:
		if evt.Item == nil {
			p.emitError("invalid_request_error", "missing_required_parameter", "Missing required parameter: 'item'", evt.EventID)
			return
		}
		text := firstText(evt.Item.Content)
		itemID := evt.Item.ID
		if itemID == "" {
			itemID = "item_" + uuid.NewString()
		}
		p.mu.Lock()
		if evt.Item.Role == realtime.ItemRoleUser {
			p.lastUserText = text
		}
		p.items = append(p.items, itemID)
		previous := ""
		if n := len(p.items); n > 1 {
			previous = p.items[n-2]
		}
		reply := p.server.config.ReplyPrefix + text
		p.mu.Unlock()

		p.emit(map[string]interface{}{
			"type":             "conversation.item.created",
			"previous_item_id": previous,
			"item": realtime.ConversationItem{
				ID:      itemID,
				Type:    realtime.ItemTypeMessage,
				Role:    realtime.ItemRoleAssistant,
				Content: []realtime.ItemContent{{Type: realtime.ContentTypeText, Text: reply}},
			},
		})

	case realtime.EventTypeResponseCreate:
		p.mu.Lock()
		reply := p.server.config.ReplyPrefix + p.lastUserText
		p.mu.Unlock()

		respID := "resp_" + uuid.NewString()
		p.emit(map[string]interface{}{"type": "response.created", "response": map[string]string{"id": respID, "status": "in_progress"}})
		p.emit(map[string]interface{}{"type": "response.text.delta", "response_id": respID, "delta": reply})
		p.emit(map[string]interface{}{
			"type": realtime.EventTypeResponseDone,
			"response": realtime.Response{
				ID:     respID,
				Status: "completed",
				Output: []realtime.OutputItem{{
					ID:      "item_" + uuid.NewString(),
					Type:    realtime.ItemTypeMessage,
					Role:    realtime.ItemRoleAssistant,
					Status:  "completed",
					Content: []realtime.ContentPart{{Type: realtime.ContentTypeText, Text: reply}},
				}},
			},
		})

	case realtime.EventTypeSessionUpdate:
		p.emit(map[string]interface{}{"type": "session.updated", "session": evt.Session})

	default:
		p.logger.WithField("type", evt.Type).Debug("Ignoring client event")
	}
}

func firstText(content []realtime.ItemContent) string {
	for _, c := range content {
		if c.Text != "" {
			return c.Text
		}
	}
	return ""
}

func (p *peer) emitError(errType, code, message, eventID string) {
	p.emit(map[string]interface{}{
		"type": realtime.EventTypeError,
		"error": realtime.ServerError{
			Type:    errType,
			Code:    code,
			Message: message,
			EventID: eventID,
		},
	})
}

// emit stamps an event id and sends the event.
func (p *peer) emit(evt map[string]interface{}) {
	evt["event_id"] = "event_" + uuid.NewString()
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode server event")
		return
	}
	p.mu.Lock()
	send := p.send
	p.mu.Unlock()
	if err := send(data); err != nil {
		p.logger.WithError(err).WithField("type", evt["type"]).Debug("Dropped server event")
	}
}
