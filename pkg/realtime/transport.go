package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventChannel is the reliable ordered message channel carried by the
// transport.
type EventChannel interface {
	Label() string
	IsOpen() bool
	SendText(data string) error
	Close() error
}

// ChannelHandlers are attached to the event channel before the offer is
// created, so no signal can be missed.
type ChannelHandlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// Transport owns the peer connection and its outbound media.
type Transport interface {
	StopTracks()
	Close() error
}

// Link is the result of a successful negotiation.
type Link struct {
	Transport Transport
	Channel   EventChannel
}

type Negotiator interface {
	Negotiate(ctx context.Context, params SessionParams, credential *Credential, handlers ChannelHandlers) (*Link, error)
}

// MediaSource provides the outbound microphone track.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalAudio, error)
}

type LocalAudio interface {
	Track() webrtc.TrackLocal
	Stop() error
}

// PlaybackSink plays remote audio as soon as it arrives.
type PlaybackSink interface {
	Play(track *webrtc.TrackRemote)
}

// NewPCMUAPI builds a pion API whose only audio codec is PCMU, so both sides
// settle on G.711 mu-law.
func NewPCMUAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: PCMUCodec(),
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

func PCMUCodec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuSampleRate, Channels: 1}
}

// WebRTCNegotiator performs the offer/answer exchange with the model endpoint.
type WebRTCNegotiator struct {
	api       *webrtc.API
	pcConfig  webrtc.Configuration
	label     string
	media     MediaSource
	sink      PlaybackSink
	exchanger SDPExchanger
	logger    *Logger
}

// NewWebRTCNegotiator wires a negotiator. A nil media source negotiates a
// receive-only audio transceiver; a nil sink discards remote audio.
func NewWebRTCNegotiator(config *Config, media MediaSource, sink PlaybackSink, exchanger SDPExchanger) (*WebRTCNegotiator, error) {
	api, err := NewPCMUAPI()
	if err != nil {
		return nil, err
	}
	if exchanger == nil {
		exchanger = NewHTTPSDPExchanger(config.RealtimeURL)
	}
	if sink == nil {
		sink = DiscardSink{}
	}

	pcConfig := webrtc.Configuration{}
	if len(config.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	label := config.ChannelLabel
	if label == "" {
		label = DefaultChannelLabel
	}

	return &WebRTCNegotiator{
		api:       api,
		pcConfig:  pcConfig,
		label:     label,
		media:     media,
		sink:      sink,
		exchanger: exchanger,
		logger:    GetGlobalLogger().WithComponent("Negotiator"),
	}, nil
}

func (n *WebRTCNegotiator) Negotiate(ctx context.Context, params SessionParams, credential *Credential, handlers ChannelHandlers) (*Link, error) {
	pc, err := n.api.NewPeerConnection(n.pcConfig)
	if err != nil {
		return nil, NewNegotiationError("failed to create peer connection", err)
	}
	transport := &peerTransport{pc: pc}
	fail := func(err error) (*Link, error) {
		transport.StopTracks()
		_ = transport.Close()
		return nil, err
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		n.logger.WithField("codec", remote.Codec().MimeType).Debug("Remote audio track arrived")
		n.sink.Play(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.WithField("state", state.String()).Debug("Peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed && handlers.OnError != nil {
			handlers.OnError(errors.New("peer connection failed"))
		}
	})

	if n.media != nil {
		local, err := n.media.Acquire(ctx)
		if err != nil {
			if CodeOf(err) != ErrCodeMediaAcquisition {
				err = NewMediaAcquisitionError("microphone unavailable", err)
			}
			return fail(err)
		}
		transport.local = local

		sender, err := pc.AddTrack(local.Track())
		if err != nil {
			return fail(NewMediaAcquisitionError("failed to attach microphone track", err))
		}
		go drainRTCP(sender)
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fail(NewNegotiationError("failed to add audio transceiver", err))
	}

	ordered := true
	dc, err := pc.CreateDataChannel(n.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(NewNegotiationError("failed to create event channel", err))
	}
	attachChannelHandlers(dc, handlers)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(NewNegotiationError("failed to create offer", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(NewNegotiationError("failed to set local description", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(NewNegotiationError("ICE gathering interrupted", ctx.Err()))
	}

	answer, err := n.exchanger.Exchange(ctx, params.Model, credential, pc.LocalDescription().SDP)
	if err != nil {
		if CodeOf(err) != ErrCodeNegotiation {
			err = NewNegotiationError("SDP exchange failed", err)
		}
		return fail(err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(NewNegotiationError("failed to set remote description", err))
	}

	return &Link{Transport: transport, Channel: &pionChannel{dc: dc}}, nil
}

func attachChannelHandlers(dc *webrtc.DataChannel, handlers ChannelHandlers) {
	if handlers.OnOpen != nil {
		dc.OnOpen(handlers.OnOpen)
	}
	if handlers.OnMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			handlers.OnMessage(msg.Data)
		})
	}
	if handlers.OnClose != nil {
		dc.OnClose(handlers.OnClose)
	}
	if handlers.OnError != nil {
		dc.OnError(handlers.OnError)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type peerTransport struct {
	pc    *webrtc.PeerConnection
	local LocalAudio

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (t *peerTransport) StopTracks() {
	t.stopOnce.Do(func() {
		if t.local != nil {
			_ = t.local.Stop()
		}
	})
}

func (t *peerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// SendText sends a text frame; the model expects JSON as strings.
func (c *pionChannel) SendText(data string) error {
	return c.dc.SendText(data)
}

func (c *pionChannel) Close() error {
	return c.dc.Close()
}

// DiscardSink reads and drops remote audio.
type DiscardSink struct{}

func (DiscardSink) Play(track *webrtc.TrackRemote) {
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}
