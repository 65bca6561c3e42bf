package hub

import (
	"tradelive/logger"
	errs "tradelive/tools/errs"
)

// Handler processes one inbound frame type.
type Handler interface {
	Type() string
	Handle(ctx *Context, f *Frame, c *Client) error
}

// Context hands the server to handlers.
type Context struct {
	S *Server
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Get(frameType string) Handler {
	return d.handlers[frameType]
}

// rate-limited frame types; each consults the limiter before its handler.
func isLimited(frameType string) bool {
	switch frameType {
	case TypeSubscribe, TypeUnsubscribe, TypeTypingStart, TypeTypingStop:
		return true
	}
	return false
}

// Dispatch enforces the per-connection state machine and the
// auth-first/rate-limit-first ordering, then runs the handler with panic
// isolation. Every outcome except a clean handler run answers in-band; the
// connection never closes here.
func (d *Dispatcher) Dispatch(ctx *Context, f *Frame, c *Client) {
	// ping is always allowed, any state
	if f.Type == TypePing {
		c.MarkAlive()
		c.Enqueue(MarshalFrame(TypePong, nil))
		return
	}

	switch c.State() {
	case StateClosed:
		return
	case StatePendingAuth:
		if f.Type != TypeAuthenticate {
			c.Enqueue(MarshalError(errs.ErrNotAuthenticated))
			return
		}
	case StateAuthenticated:
		if f.Type == TypeAuthenticate {
			c.Enqueue(MarshalError(errs.ErrInvalidMessage.WithDetail("already authenticated")))
			return
		}
		if isLimited(f.Type) && !ctx.S.Limiter().Allow(c.UserID()) {
			c.Enqueue(MarshalError(errs.ErrRateLimited))
			return
		}
	}

	h := d.Get(f.Type)
	if h == nil {
		c.Enqueue(MarshalError(errs.ErrUnknownType))
		return
	}

	d.run(ctx, h, f, c)
}

// run executes a handler, catching faults so one bad message never kills the
// connection or the process.
func (d *Dispatcher) run(ctx *Context, h Handler, f *Frame, c *Client) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[router] handler panic type=%s conn=%s user=%s: %v", f.Type, c.ConnID, c.UserID(), r)
			c.Enqueue(MarshalError(errs.ErrInternal))
		}
	}()
	if err := h.Handle(ctx, f, c); err != nil {
		logger.Warnf("[router] handler err type=%s conn=%s user=%s: %v", f.Type, c.ConnID, c.UserID(), err)
		c.Enqueue(MarshalError(errs.ErrInternal))
	}
}
