package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/zaf/g711"
)

const (
	pcmuSampleRate    = 8000
	pcmuFrameSamples  = 160
	pcmuFrameDuration = 20 * time.Millisecond
)

// PortAudioMicrophone captures mono 8 kHz audio and publishes it as a PCMU track.
type PortAudioMicrophone struct {
	deviceID *int
	logger   *Logger
}

func NewPortAudioMicrophone(deviceID *int) *PortAudioMicrophone {
	return &PortAudioMicrophone{
		deviceID: deviceID,
		logger:   GetGlobalLogger().WithComponent("Microphone"),
	}
}

func (m *PortAudioMicrophone) Acquire(ctx context.Context) (LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewMediaAcquisitionError("acquisition cancelled", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, NewMediaAcquisitionError("failed to initialize PortAudio", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(PCMUCodec(), "audio", "microphone")
	if err != nil {
		portaudio.Terminate()
		return nil, NewMediaAcquisitionError("failed to create microphone track", err)
	}

	buf := make([]int16, pcmuFrameSamples)
	stream, err := openStream(m.deviceID, true, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, NewMediaAcquisitionError("no microphone available", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, NewMediaAcquisitionError("failed to start microphone", err)
	}

	c := &micCapture{
		stream: stream,
		track:  track,
		buf:    buf,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: m.logger,
	}
	go c.loop()
	m.logger.Info("Microphone acquired")
	return c, nil
}

type micCapture struct {
	stream *portaudio.Stream
	track  *webrtc.TrackLocalStaticSample
	buf    []int16
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *Logger
}

func (c *micCapture) Track() webrtc.TrackLocal { return c.track }

func (c *micCapture) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if err := c.stream.Read(); err != nil {
			select {
			case <-c.stop:
			default:
				c.logger.WithError(err).Warn("Microphone read failed")
			}
			return
		}
		payload := make([]byte, len(c.buf))
		for i, s := range c.buf {
			payload[i] = g711.EncodeUlawFrame(s)
		}
		if err := c.track.WriteSample(media.Sample{Data: payload, Duration: pcmuFrameDuration}); err != nil {
			c.logger.WithError(err).Debug("Dropped microphone frame")
		}
	}
}

// Stop ends capture and releases the device. Safe to call repeatedly.
func (c *micCapture) Stop() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		err = c.stream.Stop()
		<-c.done
		if cerr := c.stream.Close(); err == nil {
			err = cerr
		}
		portaudio.Terminate()
		c.logger.Info("Microphone released")
	})
	return err
}

// PortAudioSpeaker plays PCMU tracks on an output device.
type PortAudioSpeaker struct {
	deviceID *int
	logger   *Logger
}

func NewPortAudioSpeaker(deviceID *int) *PortAudioSpeaker {
	return &PortAudioSpeaker{
		deviceID: deviceID,
		logger:   GetGlobalLogger().WithComponent("Speaker"),
	}
}

func (s *PortAudioSpeaker) Play(track *webrtc.TrackRemote) {
	go s.play(track)
}

func (s *PortAudioSpeaker) play(track *webrtc.TrackRemote) {
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypePCMU) {
		s.logger.WithField("codec", track.Codec().MimeType).Warn("Unsupported remote codec, discarding audio")
		DiscardSink{}.Play(track)
		return
	}

	if err := portaudio.Initialize(); err != nil {
		s.logger.WithError(err).Error("Failed to initialize PortAudio")
		DiscardSink{}.Play(track)
		return
	}
	defer portaudio.Terminate()

	buf := make([]int16, pcmuFrameSamples)
	stream, err := openStream(s.deviceID, false, buf)
	if err != nil {
		s.logger.WithError(err).Error("No output device, discarding audio")
		DiscardSink{}.Play(track)
		return
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		s.logger.WithError(err).Error("Failed to start playback")
		return
	}
	defer stream.Stop()

	pending := make([]int16, 0, len(buf)*4)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		for _, b := range pkt.Payload {
			pending = append(pending, g711.DecodeUlawFrame(b))
		}
		for len(pending) >= len(buf) {
			copy(buf, pending)
			n := copy(pending, pending[len(buf):])
			pending = pending[:n]
			if err := stream.Write(); err != nil {
				s.logger.WithError(err).Debug("Playback underflow")
			}
		}
	}
}

func openStream(deviceID *int, input bool, buf []int16) (*portaudio.Stream, error) {
	if deviceID == nil {
		if input {
			return portaudio.OpenDefaultStream(1, 0, pcmuSampleRate, len(buf), buf)
		}
		return portaudio.OpenDefaultStream(0, 1, pcmuSampleRate, len(buf), buf)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if *deviceID < 0 || *deviceID >= len(devices) {
		return nil, fmt.Errorf("audio device %d not found", *deviceID)
	}
	dev := devices[*deviceID]

	var params portaudio.StreamParameters
	if input {
		params = portaudio.LowLatencyParameters(dev, nil)
		params.Input.Channels = 1
	} else {
		params = portaudio.LowLatencyParameters(nil, dev)
		params.Output.Channels = 1
	}
	params.SampleRate = pcmuSampleRate
	params.FramesPerBuffer = len(buf)
	return portaudio.OpenStream(params, buf)
}
