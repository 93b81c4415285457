package gateway

import (
	"fmt"
	"strings"
)

// HandlerFunc handles one routed action request. The handler is fully
// responsible for writing a response to the connection.
type HandlerFunc func(req *Request, conn *Conn)

// SpecialHandler consumes all frames of a connection locked into a special
// mode. HandleClose runs exactly once when the connection ends.
type SpecialHandler interface {
	HandleFrame(conn *Conn, messageType int, data []byte)
	HandleClose(conn *Conn)
}

// SpecialFunc is invoked when a fresh connection's first frame matches a
// special-connection key. It returns the per-connection handler that owns
// the rest of the connection's frames.
type SpecialFunc func(conn *Conn) SpecialHandler

// Module is a named bundle of action handlers and special-connection
// handlers offered for routing.
type Module struct {
	Name     string
	Actions  map[string]HandlerFunc
	Specials map[string]SpecialFunc
}

// Router is the immutable action and special-connection dispatch table.
// It is built once at startup and read-only thereafter.
type Router struct {
	actions  map[string]HandlerFunc
	specials map[string]SpecialFunc
}

// NewRouter validates the configured route tables against the registered
// modules and builds the dispatch table. Any reference to an unregistered
// module or method is an error; the process must not serve with an invalid
// table.
func NewRouter(modules []Module, actionTable, specialTable map[string]string) (*Router, error) {
	registered := make(map[string]Module, len(modules))
	for _, module := range modules {
		if module.Name == "" {
			return nil, fmt.Errorf("module with empty name")
		}
		if _, dup := registered[module.Name]; dup {
			return nil, fmt.Errorf("module %q registered twice", module.Name)
		}
		registered[module.Name] = module
	}

	router := &Router{
		actions:  make(map[string]HandlerFunc, len(actionTable)),
		specials: make(map[string]SpecialFunc, len(specialTable)),
	}

	for action, ref := range actionTable {
		moduleName, method, err := splitRef(ref)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", action, err)
		}
		module, ok := registered[moduleName]
		if !ok {
			return nil, fmt.Errorf("action %q references unknown module %q", action, moduleName)
		}
		handler, ok := module.Actions[method]
		if !ok {
			return nil, fmt.Errorf("action %q references unknown method %q of module %q", action, method, moduleName)
		}
		router.actions[action] = handler
	}

	for key, ref := range specialTable {
		moduleName, method, err := splitRef(ref)
		if err != nil {
			return nil, fmt.Errorf("special connection %q: %w", key, err)
		}
		module, ok := registered[moduleName]
		if !ok {
			return nil, fmt.Errorf("special connection %q references unknown module %q", key, moduleName)
		}
		special, ok := module.Specials[method]
		if !ok {
			return nil, fmt.Errorf("special connection %q references unknown handler %q of module %q", key, method, moduleName)
		}
		router.specials[key] = special
	}

	return router, nil
}

// Resolve returns the handler for an action name. Lookup is case-sensitive.
func (r *Router) Resolve(action string) (HandlerFunc, bool) {
	handler, ok := r.actions[action]
	return handler, ok
}

// Special returns the special-connection constructor for a first-frame key.
func (r *Router) Special(key string) (SpecialFunc, bool) {
	special, ok := r.specials[key]
	return special, ok
}

func splitRef(ref string) (module, method string, err error) {
	module, method, ok := strings.Cut(ref, ".")
	if !ok || module == "" || method == "" {
		return "", "", fmt.Errorf("invalid handler reference %q (want \"module.method\")", ref)
	}
	return module, method, nil
}
