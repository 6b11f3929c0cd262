package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/rojolang/vocals-rt-go/pkg/monitor"
	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

func sessionCmd() *cobra.Command {
	var (
		textOnly     bool
		monitorAddr  string
		model        string
		voice        string
		instructions string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start a realtime session and chat from stdin",
		Long: `Start a realtime session and chat from stdin.

Each line is sent as a user text turn followed by a response request.
Commands:
  /instructions <text>  update the session instructions
  /event <json>         send a raw client event
  /events               print the non-delta event log
  /quit                 stop the session and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := loadConfig()
			if model != "" {
				config.Params.Model = model
			}
			if voice != "" {
				config.Params.Voice = realtime.Voice(voice)
			}
			if instructions != "" {
				config.Params.Instructions = instructions
			}
			if timeout > 0 {
				config.NegotiationTimeout = timeout
			}
			return runSession(config, textOnly, monitorAddr)
		},
	}

	cmd.Flags().BoolVar(&textOnly, "text-only", false, "Do not open the microphone or speaker")
	cmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "Serve the websocket monitor on this address (e.g. :8200)")
	cmd.Flags().StringVar(&model, "model", "", "Realtime model")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice")
	cmd.Flags().StringVar(&instructions, "instructions", "", "Session instructions")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Negotiation timeout (0 keeps the configured value)")
	return cmd
}

func runSession(config *realtime.Config, textOnly bool, monitorAddr string) error {
	logger := realtime.GetGlobalLogger().WithComponent("CLI")

	session, err := realtime.NewDefaultSession(config, textOnly)
	if err != nil {
		return err
	}

	session.AddTurnHandler(realtime.CreateTranscriptHandler(func(role realtime.Role, text string) {
		label := "You"
		if role == realtime.RoleAI {
			label = "AI"
		}
		fmt.Printf("%s: %s\n", label, text)
	}))
	session.AddErrorHandler(realtime.CreateErrorLoggingHandler("Session"))
	if verbose {
		session.AddStateHandler(realtime.CreateStateLoggingHandler(nil))
		session.AddEventHandler(realtime.CreateLoggingEventHandler(true))
	}

	if monitorAddr != "" {
		hub := monitor.NewHub(session, monitor.DefaultConfig())
		defer hub.Close()

		e := echo.New()
		e.HideBanner = true
		hub.RegisterRoutes(e)
		go func() {
			if err := e.Start(monitorAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Monitor server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.Shutdown(ctx)
		}()
		fmt.Printf("Monitor: ws://localhost%s/ws\n", monitorAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ended, unsubscribe := watchRemoteClose(session)
	defer unsubscribe()

	fmt.Println("Starting session...")
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()

	if err := session.WaitActive(ctx); err != nil {
		select {
		case <-ended:
			return errors.New("session closed by remote peer before it became active")
		default:
		}
		return err
	}
	params := session.Params()
	fmt.Printf("✓ Session active (model %s, voice %s). Type a message, /quit to exit.\n", params.Model, params.Voice)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping session...")
			return nil
		case <-ended:
			fmt.Println("Session closed by remote peer")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(session, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// watchRemoteClose returns a channel closed once the session reaches the
// closed state. Register it before Start so an early close is not missed.
func watchRemoteClose(session *realtime.Session) (<-chan struct{}, func()) {
	ended := make(chan struct{})
	var once sync.Once
	unsubscribe := session.AddStateHandler(func(s realtime.SessionState) {
		if s == realtime.StateClosed {
			once.Do(func() { close(ended) })
		}
	})
	return ended, unsubscribe
}

// handleLine runs one stdin line and reports whether the user asked to quit.
func handleLine(session *realtime.Session, line string) bool {
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/events":
		for _, e := range session.Events() {
			if realtime.IsDeltaType(e.Type) {
				continue
			}
			fmt.Printf("  %s %s %s\n", e.Timestamp.Format("15:04:05"), e.Direction, e.Type)
		}
		return false
	case strings.HasPrefix(line, "/instructions "):
		text := strings.TrimSpace(strings.TrimPrefix(line, "/instructions "))
		update := realtime.SessionUpdate{Session: realtime.SessionOptions{Instructions: text}}
		report(session.SendClientEvent(update))
		return false
	case strings.HasPrefix(line, "/event "):
		evt, err := realtime.ParseClientEvent([]byte(strings.TrimPrefix(line, "/event ")))
		if err != nil {
			report(err)
			return false
		}
		report(session.SendClientEvent(evt))
		return false
	default:
		report(session.SendTextMessage(line))
		return false
	}
}

func report(err error) {
	if err != nil {
		fmt.Printf("✗ %v\n", err)
	}
}
