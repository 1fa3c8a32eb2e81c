package ipc_test

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ax-host/ax/internal/ax/ipc"
	"github.com/ax-host/ax/internal/ax/schema"
)

func newTestServer(t *testing.T, handlers map[string]ipc.HandlerFunc) string {
	t.Helper()
	reg, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	socket := filepath.Join(t.TempDir(), "ax.sock")
	srv := ipc.New(socket, reg, handlers, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return socket
}

func roundTrip(t *testing.T, socket string, req map[string]any) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("read response length: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(buf, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestDispatch_UnknownAction(t *testing.T) {
	socket := newTestServer(t, nil)
	resp := roundTrip(t, socket, map[string]any{"action": "not_a_real_action"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false", resp)
	}
}

func TestDispatch_ValidationFailure(t *testing.T) {
	socket := newTestServer(t, nil)
	resp := roundTrip(t, socket, map[string]any{"action": "skill_read"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false for missing required field", resp)
	}
}

func TestDispatch_NoHandlerRegistered(t *testing.T) {
	socket := newTestServer(t, map[string]ipc.HandlerFunc{})
	resp := roundTrip(t, socket, map[string]any{"action": "skill_list"})
	if resp["ok"] != false {
		t.Fatalf("resp = %+v, want ok=false", resp)
	}
}

func TestDispatch_HandlerSuccess(t *testing.T) {
	handlers := map[string]ipc.HandlerFunc{
		"skill_list": func(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
			return map[string]any{"skills": []string{"a", "b"}}, nil
		},
	}
	socket := newTestServer(t, handlers)
	resp := roundTrip(t, socket, map[string]any{"action": "skill_list"})
	if resp["ok"] != true {
		t.Fatalf("resp = %+v, want ok=true", resp)
	}
	skills, ok := resp["skills"].([]any)
	if !ok || len(skills) != 2 {
		t.Fatalf("skills = %+v", resp["skills"])
	}
}

func TestDispatch_SerialRequestsOverOneConnection(t *testing.T) {
	calls := 0
	handlers := map[string]ipc.HandlerFunc{
		"skill_list": func(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"n": calls}, nil
		},
	}
	socket := newTestServer(t, handlers)

	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 1; i <= 3; i++ {
		payload, _ := json.Marshal(map[string]any{"action": "skill_list"})
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		conn.Write(lenBuf[:])
		conn.Write(payload)

		io.ReadFull(conn, lenBuf[:])
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		io.ReadFull(conn, buf)
		var resp map[string]any
		json.Unmarshal(buf, &resp)
		if int(resp["n"].(float64)) != i {
			t.Fatalf("call %d: n = %v", i, resp["n"])
		}
	}
}
