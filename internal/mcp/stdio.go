package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ServeStdio runs the newline-delimited JSON-RPC loop: one request per
// line on r, one response per line on w. Each request is dispatched on
// its own goroutine so a slow call (a cold device-code sign-in can take
// minutes) never starves ping, tools/list, or the cache tools; response
// writes stay serialized so frames never interleave. Diagnostics go to
// the server's logger, never to w — stdout carries protocol frames
// only. Returns when r reaches EOF or ctx is canceled, after in-flight
// handlers finish.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20) // large query results

	var writeMu sync.Mutex
	write := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("marshal response", "error", err)
			return
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			s.logger.Error("write response", "error", err)
		}
	}

	s.logger.Info("stdio transport ready")

	var inflight sync.WaitGroup
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("unparseable frame", "error", err)
			write(newErrorResponse(nil, &RPCError{
				Code:    CodeParseError,
				Message: "invalid JSON",
			}))
			continue
		}
		// Raw fields (ID, Params) alias the scanner's buffer, which the
		// next Scan overwrites; detach them before handing off.
		req.ID = append(json.RawMessage(nil), req.ID...)
		req.Params = append(json.RawMessage(nil), req.Params...)

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if resp := s.Dispatch(ctx, &req); resp != nil {
				write(resp)
			}
		}()
	}

	inflight.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	s.logger.Info("stdio transport closed")
	return nil
}
