package host

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/gridsite/platform/internal/sandbox/envelope"
	"github.com/gridsite/platform/pkg/logger"
)

// MaxBundleSize bounds the module bundle accepted for execution.
const MaxBundleSize = 4 << 20 // 4MB

// GojaConfig configures an in-process module runtime.
type GojaConfig struct {
	// ModuleID is the module identity this context is bound to.
	ModuleID string

	// Origin is the origin module-to-host envelopes are stamped with.
	// It derives from the module's source URL.
	Origin string

	// Bundle is the module's JavaScript source.
	Bundle string

	// QueueSize bounds the host-to-module delivery queue.
	QueueSize int

	Logger *logger.Logger
}

// GojaHost runs one module bundle in an isolated JavaScript VM. The VM
// lives on its own goroutine and owns all script execution; the only
// host objects visible to module code are channel.postMessage and
// channel.onMessage. Everything crossing the boundary is serialized
// through the envelope wire format.
type GojaHost struct {
	mu        sync.Mutex
	cfg       GojaConfig
	onMsg     func(Inbound)
	onFault   func(error)
	inbound   chan envelope.Envelope
	done      chan struct{}
	stopped   chan struct{}
	vm        *goja.Runtime
	destroyed bool
	log       *logger.Logger
}

// NewGojaHost creates a runtime for the given bundle. The module does
// not start executing until Start is called.
func NewGojaHost(cfg GojaConfig) (*GojaHost, error) {
	if cfg.ModuleID == "" {
		return nil, fmt.Errorf("module id is required")
	}
	if len(cfg.Bundle) > MaxBundleSize {
		return nil, fmt.Errorf("bundle exceeds maximum size of %d bytes", MaxBundleSize)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("sandbox-host")
	}

	return &GojaHost{
		cfg:     cfg,
		inbound: make(chan envelope.Envelope, cfg.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.WithField("module", cfg.ModuleID),
	}, nil
}

// OnMessage registers the handler for module-to-host envelopes.
func (h *GojaHost) OnMessage(fn func(Inbound)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMsg = fn
}

// OnFault registers the handler invoked when the bundle fails to
// evaluate or a message handler throws. The fault is terminal for this
// context: the VM loop exits after reporting it. The handler runs on
// its own goroutine and may call Destroy.
func (h *GojaHost) OnFault(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFault = fn
}

// Start boots the VM goroutine and evaluates the bundle.
func (h *GojaHost) Start() {
	go h.run()
}

// Send queues a host-to-module envelope for delivery on the VM
// goroutine.
func (h *GojaHost) Send(env envelope.Envelope) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	h.mu.Unlock()

	select {
	case h.inbound <- env:
		return nil
	case <-h.done:
		return ErrDestroyed
	}
}

// Destroy interrupts the VM and waits for the loop to exit. After it
// returns, no messages are delivered in either direction.
func (h *GojaHost) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.onMsg = nil
	h.onFault = nil
	vm := h.vm
	close(h.done)
	h.mu.Unlock()

	if vm != nil {
		vm.Interrupt("context destroyed")
	}
	<-h.stopped
	return nil
}

// run owns the VM for the lifetime of the context.
func (h *GojaHost) run() {
	defer close(h.stopped)

	vm := goja.New()
	h.mu.Lock()
	h.vm = vm
	h.mu.Unlock()

	var handler goja.Callable

	channel := vm.NewObject()
	channel.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		h.post(call.Arguments[0].Export())
		return goja.Undefined()
	})
	channel.Set("onMessage", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			if fn, ok := goja.AssertFunction(call.Arguments[0]); ok {
				handler = fn
			}
		}
		return goja.Undefined()
	})
	vm.Set("channel", channel)

	if _, err := vm.RunString(h.cfg.Bundle); err != nil {
		h.fault(fmt.Errorf("bundle evaluation: %w", err))
		return
	}

	for {
		select {
		case <-h.done:
			return
		case env := <-h.inbound:
			if handler == nil {
				continue
			}
			data, err := env.Encode()
			if err != nil {
				continue
			}
			var exported interface{}
			if err := json.Unmarshal(data, &exported); err != nil {
				continue
			}
			if _, err := handler(goja.Undefined(), vm.ToValue(exported)); err != nil {
				h.fault(fmt.Errorf("message handler: %w", err))
				return
			}
		}
	}
}

// post carries a module postMessage value to the host handler. Values
// that do not decode as valid envelopes are dropped silently.
func (h *GojaHost) post(value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	env, err := envelope.Decode(data)
	if err != nil {
		h.log.WithError(err).Debug("dropping malformed module message")
		return
	}

	h.mu.Lock()
	fn := h.onMsg
	destroyed := h.destroyed
	h.mu.Unlock()

	if destroyed || fn == nil {
		return
	}
	fn(Inbound{Envelope: env, Origin: h.cfg.Origin})
}

// fault reports a terminal VM error, unless the context was destroyed.
func (h *GojaHost) fault(err error) {
	h.mu.Lock()
	fn := h.onFault
	destroyed := h.destroyed
	h.mu.Unlock()

	if destroyed {
		return
	}
	h.log.WithError(err).Warn("module runtime fault")
	if fn != nil {
		// The handler may call Destroy, which waits for the VM loop to
		// exit. Run it off the VM goroutine so that wait can finish.
		go fn(err)
	}
}

var _ Transport = (*GojaHost)(nil)
