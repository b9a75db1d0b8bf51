package replob

import (
	"sync"

	logging "github.com/op/go-logging"

	"github.com/gridem/replob/wire"
)

var applyLogger *logging.Logger

func init() {
	applyLogger = logging.MustGetLogger("replob.apply")
}

// Handler runs one application command's effects on the local replicated
// singletons. Handlers are registered by the component that owns the
// state the command mutates (detector, chronos, kvapp) so replob never
// imports them directly -- breaking the cyclic reference spec.md §9
// flags between replob and chronos.
type Handler func(cmd wire.AppCommand)

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[wire.Tag]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[wire.Tag]Handler)}
}

func (h *handlerRegistry) register(tag wire.Tag, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[tag] = fn
}

// dispatch runs the registered handler for cmd's tag. A handler that
// panics, or a missing handler, is logged and skipped rather than
// aborting the applier -- spec.md §7's "log and continue" policy for
// exceptions inside an applied command (resolved Open Question, see
// DESIGN.md).
func (h *handlerRegistry) dispatch(cmd wire.AppCommand) {
	h.mu.RLock()
	fn, ok := h.handlers[cmd.Tag()]
	h.mu.RUnlock()
	if !ok {
		applyLogger.Warningf("no handler registered for command tag %s, ignoring", cmd.Tag())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			applyLogger.Errorf("apply of %s command panicked: %v", cmd.Tag(), r)
		}
	}()
	fn(cmd)
}
