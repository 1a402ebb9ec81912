package gbx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// protocolGreeting is sent by the server immediately after accept.
	protocolGreeting = "GBXRemote 2"

	// handlerBase marks client-initiated requests; frames below it are
	// server-initiated callbacks.
	handlerBase = uint32(0x80000000)

	// maxFrameSize guards against a corrupt length prefix.
	maxFrameSize = 4 * 1024 * 1024

	callbackBuffer = 32
)

// client implements Client over one framed GBXRemote TCP session.
type client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan callResult
	nextID  uint32
	closed  bool

	callbacks chan Callback
	quit      chan struct{}
	done      chan struct{}
}

type callResult struct {
	value any
	err   error
}

// Dial connects and authenticates a GBXRemote session. Errors are wrapped
// with the sentinel that classifies them: ErrUnreachable, ErrTimeout or
// ErrAuthFailed.
func Dial(ctx context.Context, identity ServerIdentity) (Client, error) {
	var d net.Dialer
	addr := net.JoinHostPort(identity.Host, strconv.Itoa(identity.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := readGreeting(conn); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	c := newClient(conn)

	if _, err := c.Call(ctx, "Authenticate", identity.User, identity.Password); err != nil {
		c.Close()
		var fault *Fault
		if errors.As(err, &fault) {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, fault.Reason)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: authenticate: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	// Without this the server never pushes callbacks.
	if _, err := c.Call(ctx, "EnableCallbacks", true); err != nil {
		c.Close()
		return nil, fmt.Errorf("enable callbacks: %w", err)
	}

	return c, nil
}

func newClient(conn net.Conn) *client {
	c := &client{
		conn:      conn,
		pending:   make(map[uint32]chan callResult),
		nextID:    handlerBase,
		callbacks: make(chan Callback, callbackBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func readGreeting(conn net.Conn) error {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return fmt.Errorf("%w: greeting: %v", ErrUnreachable, err)
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size == 0 || size > 64 {
		return fmt.Errorf("%w: bogus greeting length %d", ErrUnreachable, size)
	}
	greeting := make([]byte, size)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return fmt.Errorf("%w: greeting: %v", ErrUnreachable, err)
	}
	if string(greeting) != protocolGreeting {
		return fmt.Errorf("%w: unexpected greeting %q", ErrUnreachable, greeting)
	}
	return nil
}

func (c *client) Call(ctx context.Context, method string, args ...any) (any, error) {
	payload, err := marshalCall(method, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	if c.nextID < handlerBase {
		c.nextID = handlerBase + 1
	}
	id := c.nextID
	resCh := make(chan callResult, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	if err := c.writeFrame(id, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *client) Callbacks() <-chan Callback {
	return c.callbacks
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	// Wakes a readLoop parked on a full callbacks buffer; closing the conn
	// alone would leave it blocked on the send forever.
	close(c.quit)
	return c.conn.Close()
}

func (c *client) writeFrame(handler uint32, payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], handler)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

// readLoop demultiplexes the session: frames with a request handler resolve
// a pending Call, everything else is a callback. It owns the callbacks
// channel and closes it on exit, which is how the connection supervisor
// learns the session died.
func (c *client) readLoop() {
	defer func() {
		c.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			ch <- callResult{err: ErrClosed}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
		close(c.callbacks)
	}()

	var header [8]byte
	for {
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return
		}
		size := binary.LittleEndian.Uint32(header[0:4])
		handler := binary.LittleEndian.Uint32(header[4:8])
		if size > maxFrameSize {
			log.Printf("gbx: frame of %d bytes exceeds limit, closing session", size)
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		if handler >= handlerBase {
			c.dispatchResponse(handler, payload)
			continue
		}

		method, args, err := parseCall(payload)
		if err != nil {
			// A malformed callback must not kill the session; the
			// normalizer counts these via the relay's diagnostics.
			log.Printf("gbx: %v", err)
			continue
		}
		select {
		case c.callbacks <- Callback{Method: method, Args: args, At: time.Now()}:
		case <-c.quit:
			return
		}
	}
}

func (c *client) dispatchResponse(handler uint32, payload []byte) {
	value, err := parseResponse(payload)

	c.mu.Lock()
	ch, ok := c.pending[handler]
	delete(c.pending, handler)
	c.mu.Unlock()

	if !ok {
		// Late response for a call that timed out.
		return
	}
	ch <- callResult{value: value, err: err}
}
