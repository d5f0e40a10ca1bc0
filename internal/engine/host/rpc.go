package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// rpcClient is a minimal JSON-RPC 2.0 client over newline-delimited
// JSON. It supports outgoing requests, incoming notifications, and
// incoming reverse requests, which is all the thread protocol needs.
type rpcClient struct {
	w   io.Writer
	log *slog.Logger

	// onNotification receives server notifications (no id).
	onNotification func(method string, params json.RawMessage)
	// onRequest receives reverse requests (id and method).
	onRequest func(id json.RawMessage, method string, params json.RawMessage)

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResult
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

func newRPCClient(w io.Writer, log *slog.Logger) *rpcClient {
	return &rpcClient{w: w, log: log, pending: make(map[int64]chan rpcResult)}
}

// rpcEnvelope is the decoded form of any incoming message.
type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call issues a request and waits for its response.
func (c *rpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	}
}

// respond answers a reverse request.
func (c *rpcClient) respond(id json.RawMessage, result any) error {
	return c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

// respondError answers a reverse request with an error.
func (c *rpcClient) respondError(id json.RawMessage, code int, message string) error {
	return c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

func (c *rpcClient) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("rpc write: %w", err)
	}
	return nil
}

// read dispatches incoming messages until r ends. Runs on its own
// goroutine; the caller fails pending requests afterwards.
func (c *rpcClient) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			if c.log != nil {
				c.log.Debug("Skipping undecodable rpc line", "error", err)
			}
			continue
		}
		c.dispatch(&env)
	}
}

func (c *rpcClient) dispatch(env *rpcEnvelope) {
	switch {
	case env.Method == "" && len(env.ID) > 0:
		// Response to one of our requests.
		var id int64
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch == nil {
			return
		}
		if env.Error != nil {
			ch <- rpcResult{err: env.Error}
		} else {
			ch <- rpcResult{result: env.Result}
		}

	case env.Method != "" && len(env.ID) > 0:
		if c.onRequest != nil {
			c.onRequest(env.ID, env.Method, env.Params)
		}

	case env.Method != "":
		if c.onNotification != nil {
			c.onNotification(env.Method, env.Params)
		}
	}
}

// failPending errors out all in-flight requests, used when the
// transport closes underneath them.
func (c *rpcClient) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}
