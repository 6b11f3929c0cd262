package realtime

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice describes a PortAudio device usable for capture or playback.
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
	HostAPI           string
}

func (d AudioDevice) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d AudioDevice) IsOutput() bool { return d.MaxOutputChannels > 0 }

// String renders one line for device listings.
func (d AudioDevice) String() string {
	caps := make([]string, 0, 2)
	if d.IsInput() {
		caps = append(caps, "in")
	}
	if d.IsOutput() {
		caps = append(caps, "out")
	}
	if len(caps) == 0 {
		caps = append(caps, "none")
	}
	marker := ""
	if d.IsDefaultInput || d.IsDefaultOutput {
		marker = " (default)"
	}
	return fmt.Sprintf("[%d] %s%s - %s, %.0f Hz, %s",
		d.ID, d.Name, marker, strings.Join(caps, "/"), d.DefaultSampleRate, d.HostAPI)
}

// ListAudioDevices initializes PortAudio, snapshots the device table and
// terminates again. IDs match the AudioInputDevice/AudioOutputDevice settings.
func ListAudioDevices() ([]AudioDevice, error) {
	logger := GetGlobalLogger().WithComponent("AudioDevices")
	if err := portaudio.Initialize(); err != nil {
		return nil, NewMediaAcquisitionError("failed to initialize PortAudio", err)
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			logger.WithError(err).Warn("Failed to terminate PortAudio")
		}
	}()

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		logger.WithError(err).Debug("No default input device")
	}
	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		logger.WithError(err).Debug("No default output device")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, NewMediaAcquisitionError("failed to enumerate audio devices", err)
	}

	out := make([]AudioDevice, 0, len(devices))
	for i, dev := range devices {
		hostAPI := "Unknown"
		if dev.HostApi != nil {
			hostAPI = dev.HostApi.Name
		}
		out = append(out, AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefaultInput:    defaultInput != nil && dev == defaultInput,
			IsDefaultOutput:   defaultOutput != nil && dev == defaultOutput,
			HostAPI:           hostAPI,
		})
	}
	logger.WithField("device_count", len(out)).Debug("Audio devices enumerated")
	return out, nil
}

// ValidateAudioDevice checks that id names a device with at least one
// channel in the requested direction.
func ValidateAudioDevice(devices []AudioDevice, id int, input bool) error {
	for _, d := range devices {
		if d.ID != id {
			continue
		}
		if input && !d.IsInput() {
			return NewConfigError(fmt.Sprintf("device '%s' is not an input device", d.Name))
		}
		if !input && !d.IsOutput() {
			return NewConfigError(fmt.Sprintf("device '%s' is not an output device", d.Name))
		}
		return nil
	}
	return NewConfigError(fmt.Sprintf("device with ID %d not found", id))
}
