// Command warden-approve is a terminal approval client for the warden daemon.
// It connects to the daemon's websocket approval endpoint, lists pending
// consent requests, and sends allow/deny responses.
//
// Usage:
//
//	warden-approve --url ws://127.0.0.1:7433/ws/approvals
//	warden-approve --url ... --token <jwt>   # when WARDEN_JWT_SECRET is set
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wardenlabs/warden/internal/approval"
	"github.com/wardenlabs/warden/internal/consent"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:7433/ws/approvals", "daemon approval endpoint")
	token := flag.String("token", "", "approver JWT (required when the daemon enforces auth)")
	flag.Parse()

	// Log to file; stdout is owned by the TUI.
	logFile, err := os.OpenFile("warden-approve.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	target := *wsURL
	if *token != "" {
		u, err := url.Parse(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad url: %v\n", err)
			os.Exit(1)
		}
		q := u.Query()
		q.Set("token", *token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to %s: %v\n", *wsURL, err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client exit") //nolint:errcheck

	logger.Info("connected", "url", *wsURL)

	program := tea.NewProgram(newModel(ctx, conn, logger), tea.WithAltScreen())

	// Reader goroutine feeds daemon frames into the TUI.
	go func() {
		for {
			var frame approval.Frame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				logger.Info("connection closed", "error", err)
				program.Send(disconnectMsg{})
				return
			}
			switch frame.Type {
			case "request":
				if frame.Request != nil {
					program.Send(requestMsg{req: *frame.Request})
				}
			case "error":
				program.Send(daemonErrMsg{text: frame.Error})
			}
		}
	}()

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		os.Exit(1)
	}
}

// sendResponse writes one allow/deny frame back to the daemon.
func sendResponse(ctx context.Context, conn *websocket.Conn, id string, decision consent.Decision) error {
	resp := consent.Response{
		RequestID: id,
		Decision:  decision,
		Reason:    "resolved via warden-approve",
	}
	return wsjson.Write(ctx, conn, approval.Frame{Type: "response", Response: &resp})
}
