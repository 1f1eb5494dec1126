package approval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wardenlabs/warden/internal/consent"
)

// pendingStub is a stubEngine with a fixed pending set to replay.
type pendingStub struct {
	*stubEngine
	pending []consent.Request
}

func (p *pendingStub) Pending() []consent.Request { return p.pending }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSChannel_ReplayAndResolve(t *testing.T) {
	engine := &pendingStub{
		stubEngine: newStubEngine(),
		pending: []consent.Request{
			{ID: "pending-1", Operation: consent.OpCommandExecute},
		},
	}
	ch := NewWSChannel(engine, nil, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ch.Stop()

	srv := httptest.NewServer(ch)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The server replays pending requests on connect.
	var frame Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "request" || frame.Request == nil || frame.Request.ID != "pending-1" {
		t.Fatalf("frame = %+v", frame)
	}

	// Answer it; the engine must see the resolution.
	resp := consent.Response{RequestID: "pending-1", Decision: consent.DecisionAllow}
	if err := wsjson.Write(ctx, conn, Frame{Type: "response", Response: &resp}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		engine.mu.Lock()
		n := len(engine.resolved)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resolution never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSChannel_BadFrameGetsErrorResponse(t *testing.T) {
	engine := &pendingStub{stubEngine: newStubEngine()}
	ch := NewWSChannel(engine, nil, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ch.Stop()

	srv := httptest.NewServer(ch)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, Frame{Type: "request"}); err != nil {
		t.Fatal(err)
	}

	var frame Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "error" || frame.Error == "" {
		t.Errorf("frame = %+v, want error frame", frame)
	}
}

func TestWSChannel_AuthRequired(t *testing.T) {
	engine := &pendingStub{stubEngine: newStubEngine()}
	secret := []byte("test-secret")
	ch := NewWSChannel(engine, secret, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ch.Stop()

	srv := httptest.NewServer(ch)
	defer srv.Close()

	// Missing token is rejected before the upgrade.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// A valid token passes.
	tok, err := GenerateToken("alice", secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("authenticated dial failed: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}
