package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/rojolang/vocals-rt-go/pkg/loopback"
	"github.com/rojolang/vocals-rt-go/pkg/realtime"
	"github.com/rojolang/vocals-rt-go/pkg/tokenserver"
)

var (
	verbose       bool
	tokenEndpoint string
	realtimeURL   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vocals-rt",
		Short: "Realtime voice session CLI",
		Long:  "Talk to a realtime speech model over WebRTC, or run the token server and loopback peer it needs",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&tokenEndpoint, "token-endpoint", "", "Credential endpoint URL")
	rootCmd.PersistentFlags().StringVar(&realtimeURL, "realtime-url", "", "SDP negotiation endpoint URL")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(tokenServerCmd())
	rootCmd.AddCommand(loopbackCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(devicesCmd())

	if err := rootCmd.Execute(); err != nil {
		realtime.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

// loadConfig applies flag overrides on top of the environment and installs
// the global logger at the configured level.
func loadConfig() *realtime.Config {
	config := realtime.NewConfig()
	if tokenEndpoint != "" {
		config.TokenEndpoint = tokenEndpoint
	}
	if realtimeURL != "" {
		config.RealtimeURL = realtimeURL
	}

	logConfig := realtime.DefaultLogConfig()
	logConfig.Level = config.LogLevel()
	if verbose {
		logConfig.Level = realtime.DebugLevel
		config.DebugChannel = true
	}
	realtime.SetGlobalLogger(realtime.NewLogger(logConfig))
	return config
}

func tokenServerCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "token-server",
		Short: "Serve GET /token backed by the upstream realtime sessions API",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfig()
			serverConfig := tokenserver.ConfigFromEnv()
			if serverConfig.APIKey == "" {
				return errors.New("OPENAI_API_KEY is not set")
			}
			e := tokenserver.NewEcho(tokenserver.NewServer(serverConfig))
			return serve(e, addr, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	return cmd
}

func loopbackCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run a local peer that stands in for the hosted model",
		Long:  "Issues signed credentials on /token and answers offers on /v1/realtime, replying to text turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfig()
			server, err := loopback.NewServer(loopback.ConfigFromEnv())
			if err != nil {
				return err
			}
			fmt.Printf("Point sessions at this peer with:\n")
			fmt.Printf("  VOCALS_RT_TOKEN_ENDPOINT=http://localhost%s/token\n", addr)
			fmt.Printf("  VOCALS_RT_REALTIME_URL=http://localhost%s/v1/realtime\n", addr)
			return serve(loopback.NewEcho(server), addr, server.Close)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8100", "Listen address")
	return cmd
}

// serve runs e until SIGINT/SIGTERM, then shuts down gracefully.
func serve(e *echo.Echo, addr string, cleanup func()) error {
	logger := realtime.GetGlobalLogger().WithComponent("Server")

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.WithField("addr", addr).Info("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("Shutting down")
	if cleanup != nil {
		cleanup()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Run: func(cmd *cobra.Command, args []string) {
			config := loadConfig()
			config.PrintConfig(os.Stdout)
			fmt.Printf("OpenAI API Key: %s\n", maskString(os.Getenv("OPENAI_API_KEY")))
			fmt.Printf("Loopback Secret: %s\n", maskString(os.Getenv("VOCALS_RT_LOOPBACK_SECRET")))

			if issues := config.Validate(); len(issues) > 0 {
				fmt.Println("\nConfiguration issues:")
				for _, issue := range issues {
					fmt.Printf("  ✗ %s\n", issue)
				}
				return
			}
			fmt.Println("\n✓ Configuration is valid")
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesCheckCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfig()
			devices, err := realtime.ListAudioDevices()
			if err != nil {
				return err
			}
			fmt.Println("Available Audio Devices:")
			for _, d := range devices {
				fmt.Printf("  %s\n", d)
			}
			return nil
		},
	}
}

func devicesCheckCmd() *cobra.Command {
	var output bool
	cmd := &cobra.Command{
		Use:   "check [device-id]",
		Short: "Check that a device can be used for the microphone or speaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfig()
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid device id %q", args[0])
			}
			devices, err := realtime.ListAudioDevices()
			if err != nil {
				return err
			}
			if err := realtime.ValidateAudioDevice(devices, id, !output); err != nil {
				return err
			}
			direction := "microphone"
			env := "VOCALS_RT_AUDIO_INPUT_DEVICE"
			if output {
				direction = "speaker"
				env = "VOCALS_RT_AUDIO_OUTPUT_DEVICE"
			}
			fmt.Printf("✓ Device %d can be used as the %s (%s=%d)\n", id, direction, env, id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&output, "output", false, "Check as an output device")
	return cmd
}

// Helper function to mask sensitive strings
func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
