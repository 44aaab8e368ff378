package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/engine"
	"github.com/breeze-rmm/capture-agent/internal/health"
	"github.com/breeze-rmm/capture-agent/internal/notify"
)

type fakeEngine struct {
	mu      sync.Mutex
	cmds    []engine.Command
	actions []notify.Action
	status  *engine.Broadcaster
	monitor *health.Monitor
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status:  engine.NewBroadcaster(),
		monitor: health.NewMonitor(),
	}
}

func (f *fakeEngine) Send(cmd engine.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return true
}

func (f *fakeEngine) Inject(action notify.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

func (f *fakeEngine) Subscribe() <-chan engine.Status {
	return f.status.Subscribe()
}

func (f *fakeEngine) Unsubscribe(ch <-chan engine.Status) {
	f.status.Unsubscribe(ch)
}

func (f *fakeEngine) LastStatus() (engine.Status, bool) {
	return f.status.Last()
}

func (f *fakeEngine) Health() *health.Monitor {
	return f.monitor
}

func startServer(t *testing.T) (*fakeEngine, *Conn) {
	t.Helper()

	eng := newFakeEngine()
	socketPath := filepath.Join(t.TempDir(), "agent.sock")

	server, err := Listen(socketPath, eng)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	conn := NewConn(raw)
	t.Cleanup(func() { conn.Close() })
	return eng, conn
}

// recvType skips status broadcasts until a message of the wanted type
// arrives.
func recvType(t *testing.T, conn *Conn, msgType string) *Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		env, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("message of type %s never arrived", msgType)
	return nil
}

func TestCommandDispatch(t *testing.T) {
	eng, conn := startServer(t)

	payload, _ := json.Marshal(CommandPayload{Command: "start_recording"})
	if err := conn.Send(&Envelope{ID: "c1", Type: TypeCommand, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	result := recvType(t, conn, TypeCommandResult)
	var res CommandResultPayload
	if err := json.Unmarshal(result.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Error("command should be accepted")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.cmds) != 1 || eng.cmds[0].Kind != engine.CmdStartRecording {
		t.Errorf("engine commands = %+v", eng.cmds)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	_, conn := startServer(t)

	payload, _ := json.Marshal(CommandPayload{Command: "reticulate_splines"})
	if err := conn.Send(&Envelope{ID: "c2", Type: TypeCommand, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	result := recvType(t, conn, TypeCommandResult)
	if result.Error == "" {
		t.Error("expected error for unknown command")
	}
}

func TestStatusBroadcastReachesClient(t *testing.T) {
	eng, conn := startServer(t)

	// Give the per-connection subscriber a moment to register.
	time.Sleep(50 * time.Millisecond)
	eng.status.Publish(engine.Status{Kind: engine.StatusCapturing, EventCount: 7})

	env := recvType(t, conn, TypeStatus)
	var status engine.Status
	if err := json.Unmarshal(env.Payload, &status); err != nil {
		t.Fatal(err)
	}
	if status.Kind != engine.StatusCapturing || status.EventCount != 7 {
		t.Errorf("status = %+v", status)
	}
}

func TestNotifyActionInjection(t *testing.T) {
	eng, conn := startServer(t)

	payload, _ := json.Marshal(NotifyActionPayload{Action: "switch_to_display", DisplayID: 3})
	if err := conn.Send(&Envelope{ID: "n1", Type: TypeNotifyAction, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		eng.mu.Lock()
		n := len(eng.actions)
		eng.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.actions) != 1 || eng.actions[0].Kind != notify.ActionSwitchToDisplay ||
		eng.actions[0].DisplayID != 3 {
		t.Errorf("actions = %+v", eng.actions)
	}
}

func TestStatusRequest(t *testing.T) {
	eng, conn := startServer(t)
	eng.monitor.Update("capture", health.Healthy, "")
	eng.status.Publish(engine.Status{Kind: engine.StatusIdle})

	if err := conn.Send(&Envelope{ID: "s1", Type: TypeStatusRequest}); err != nil {
		t.Fatal(err)
	}

	env := recvType(t, conn, TypeStatusResult)
	var result StatusResultPayload
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Health) == 0 {
		t.Error("expected health payload")
	}

	var checks []health.Check
	if err := json.Unmarshal(result.Health, &checks); err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 || checks[0].Name != "capture" {
		t.Errorf("checks = %+v", checks)
	}
}

func TestPingPong(t *testing.T) {
	_, conn := startServer(t)

	if err := conn.Send(&Envelope{ID: "p1", Type: TypePing}); err != nil {
		t.Fatal(err)
	}
	env := recvType(t, conn, TypePong)
	if env.ID != "p1" {
		t.Errorf("pong id = %q, want p1", env.ID)
	}
}
