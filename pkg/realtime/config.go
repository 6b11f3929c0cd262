package realtime

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTokenEndpoint = "http://localhost:8000/token"
	DefaultRealtimeURL   = "https://api.openai.com/v1/realtime"
	DefaultChannelLabel  = "oai-events"
)

type Config struct {
	TokenEndpoint      string            `json:"token_endpoint"`
	RealtimeURL        string            `json:"realtime_url"`
	Headers            map[string]string `json:"headers,omitempty"`
	Params             SessionParams     `json:"params"`
	NegotiationTimeout time.Duration     `json:"negotiation_timeout"`
	ICEServers         []string          `json:"ice_servers,omitempty"`
	ChannelLabel       string            `json:"channel_label"`
	DebugLevel         string            `json:"debug_level"`
	DebugChannel       bool              `json:"debug_channel"`
	AudioInputDevice   *int              `json:"audio_input_device,omitempty"`
	AudioOutputDevice  *int              `json:"audio_output_device,omitempty"`
}

func NewConfig() *Config {
	c := &Config{
		TokenEndpoint: DefaultTokenEndpoint,
		RealtimeURL:   DefaultRealtimeURL,
		Headers:       make(map[string]string),
		Params:        DefaultSessionParams(),
		ChannelLabel:  DefaultChannelLabel,
		DebugLevel:    "INFO",
	}

	c.loadFromEnv()

	return c
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if endpoint := os.Getenv("VOCALS_RT_TOKEN_ENDPOINT"); endpoint != "" {
		c.TokenEndpoint = endpoint
	}
	if url := os.Getenv("VOCALS_RT_REALTIME_URL"); url != "" {
		c.RealtimeURL = url
	}
	if model := os.Getenv("VOCALS_RT_MODEL"); model != "" {
		c.Params.Model = model
	}
	if voice := os.Getenv("VOCALS_RT_VOICE"); voice != "" {
		c.Params.Voice = Voice(voice)
	}
	if instructions, ok := os.LookupEnv("VOCALS_RT_INSTRUCTIONS"); ok {
		c.Params.Instructions = instructions
	}

	if timeout := os.Getenv("VOCALS_RT_NEGOTIATION_TIMEOUT"); timeout != "" {
		if val, err := time.ParseDuration(timeout); err == nil {
			c.NegotiationTimeout = val
		}
	}

	if servers := os.Getenv("VOCALS_RT_ICE_SERVERS"); servers != "" {
		c.ICEServers = splitList(servers)
	}

	if level := os.Getenv("VOCALS_RT_DEBUG_LEVEL"); level != "" {
		c.DebugLevel = strings.ToUpper(level)
	}
	c.DebugChannel = os.Getenv("VOCALS_RT_DEBUG_CHANNEL") == "true"

	if id := os.Getenv("VOCALS_RT_AUDIO_INPUT_DEVICE"); id != "" {
		if val, err := strconv.Atoi(id); err == nil {
			c.AudioInputDevice = &val
		}
	}
	if id := os.Getenv("VOCALS_RT_AUDIO_OUTPUT_DEVICE"); id != "" {
		if val, err := strconv.Atoi(id); err == nil {
			c.AudioOutputDevice = &val
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if !strings.HasPrefix(c.TokenEndpoint, "http") {
		issues = append(issues, "Invalid token endpoint format")
	}
	if !strings.HasPrefix(c.RealtimeURL, "http") {
		issues = append(issues, "Invalid realtime endpoint format")
	}
	if err := c.Params.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if c.NegotiationTimeout < 0 {
		issues = append(issues, "Negotiation timeout must not be negative")
	}
	if c.ChannelLabel == "" {
		issues = append(issues, "Channel label must not be empty")
	}
	for _, server := range c.ICEServers {
		if !strings.HasPrefix(server, "stun:") && !strings.HasPrefix(server, "turn:") && !strings.HasPrefix(server, "turns:") {
			issues = append(issues, fmt.Sprintf("Invalid ICE server URL: %s", server))
		}
	}

	validLevels := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR"}
	found := false
	for _, level := range validLevels {
		if level == c.DebugLevel {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid debug level: %s", c.DebugLevel))
	}

	return issues
}

// LogLevel maps DebugLevel onto the logger's levels.
func (c *Config) LogLevel() LogLevel {
	switch c.DebugLevel {
	case "TRACE":
		return TraceLevel
	case "DEBUG":
		return DebugLevel
	case "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (c *Config) PrintConfig(w io.Writer) {
	fmt.Fprintln(w, "Realtime Session Configuration")
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintf(w, "Token Endpoint: %s\n", c.TokenEndpoint)
	fmt.Fprintf(w, "Realtime Endpoint: %s\n", c.RealtimeURL)
	fmt.Fprintf(w, "Model: %s\n", c.Params.Model)
	fmt.Fprintf(w, "Voice: %s\n", c.Params.Voice)
	fmt.Fprintf(w, "Instructions: %q\n", c.Params.Instructions)
	if c.NegotiationTimeout > 0 {
		fmt.Fprintf(w, "Negotiation Timeout: %s\n", c.NegotiationTimeout)
	} else {
		fmt.Fprintln(w, "Negotiation Timeout: none")
	}
	if len(c.ICEServers) > 0 {
		fmt.Fprintf(w, "ICE Servers: %s\n", strings.Join(c.ICEServers, ", "))
	} else {
		fmt.Fprintln(w, "ICE Servers: host candidates only")
	}
	fmt.Fprintf(w, "Channel Label: %s\n", c.ChannelLabel)
	fmt.Fprintf(w, "Debug Level: %s\n", c.DebugLevel)
	fmt.Fprintf(w, "Debug Channel: %t\n", c.DebugChannel)

	if c.AudioInputDevice != nil {
		fmt.Fprintf(w, "Audio Input Device: %d\n", *c.AudioInputDevice)
	} else {
		fmt.Fprintln(w, "Audio Input Device: Default")
	}
	if c.AudioOutputDevice != nil {
		fmt.Fprintf(w, "Audio Output Device: %d\n", *c.AudioOutputDevice)
	} else {
		fmt.Fprintln(w, "Audio Output Device: Default")
	}
}
