package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestServeStdioRoundTrip(t *testing.T) {
	s := newTestServer()

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"A","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`,
		`this is not json`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n") + "\n"

	var out strings.Builder
	if err := s.ServeStdio(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}

	// Requests run concurrently, so index responses by ID rather than
	// assuming arrival order.
	byID := map[string]map[string]any{}
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var resp map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("response line is not JSON: %q", scanner.Text())
		}
		key, _ := json.Marshal(resp["id"])
		byID[string(key)] = resp
	}

	// Notification produces no response; the other four lines do.
	if len(byID) != 4 {
		t.Fatalf("got %d responses, want 4: %v", len(byID), out.String())
	}

	if resp := byID["1"]; resp == nil || resp["error"] != nil {
		t.Errorf("initialize response = %+v", resp)
	}

	// String IDs must be echoed as strings.
	if resp := byID[`"A"`]; resp == nil || resp["error"] != nil {
		t.Errorf("tools/call response = %+v", resp)
	}

	parseErr := byID["null"]
	if parseErr == nil {
		t.Fatal("no parse-error response with null id")
	}
	errObj := parseErr["error"].(map[string]any)
	if int(errObj["code"].(float64)) != CodeParseError {
		t.Errorf("parse error code = %v", errObj["code"])
	}

	if resp := byID["2"]; resp == nil || resp["error"] != nil {
		t.Errorf("tools/list response = %+v", resp)
	}
}

func TestServeStdioSlowCallDoesNotStarveOthers(t *testing.T) {
	s := newTestServer()

	release := make(chan struct{})
	s.Register(&Tool{
		Name:        "block",
		Description: "Blocks until released",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			<-release
			return map[string]any{"done": true}, nil
		},
	})

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- s.ServeStdio(context.Background(), inR, outW)
	}()

	responses := make(chan map[string]any, 4)
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var resp map[string]any
			if json.Unmarshal(scanner.Bytes(), &resp) == nil {
				responses <- resp
			}
		}
	}()

	writeLine := func(line string) {
		if _, err := inW.Write([]byte(line + "\n")); err != nil {
			t.Errorf("write: %v", err)
		}
	}

	writeLine(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"block","arguments":{}}}`)
	writeLine(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	// The ping must answer while the blocking call is still in flight.
	select {
	case resp := <-responses:
		if resp["id"] != float64(2) {
			t.Fatalf("first response id = %v, want the ping", resp["id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ping got no response while a slow call was in flight")
	}

	close(release)

	select {
	case resp := <-responses:
		if resp["id"] != float64(1) {
			t.Fatalf("second response id = %v, want the blocked call", resp["id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked call never completed after release")
	}

	inW.Close()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("ServeStdio: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdio did not return on EOF")
	}
	outW.Close()
}

func TestServeStdioEmptyInput(t *testing.T) {
	s := newTestServer()
	var out strings.Builder
	if err := s.ServeStdio(context.Background(), strings.NewReader(""), &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output: %q", out.String())
	}
}
