package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/particula/pkg/particle"
)

var ErrDuplicateFunction = errors.New("dispatch: function already registered")

// Handler executes one function of a service.
//
// Handlers MUST honour `ctx` cancellation, the dispatcher stops waiting for
// them once the call timeout is reached.
type Handler func(ctx context.Context, req particle.CallRequest) (any, error)

// Registry is the capability table mapping `service.function` to handlers.
//
// It is backed by an immutable radix tree: a `Dispatcher` snapshots the
// tree when created so registrations made afterwards never affect it.
type Registry struct {
	tree *iradix.Tree
}

func NewRegistry() *Registry {
	return &Registry{tree: iradix.New()}
}

func capabilityKey(service, function string) []byte {
	return []byte(service + "." + function)
}

func (r *Registry) Register(service, function string, h Handler) error {
	if strings.Contains(service, ".") {
		return fmt.Errorf("dispatch: invalid service name %q", service)
	}
	tree, _, existed := r.tree.Insert(capabilityKey(service, function), h)
	if existed {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateFunction, service, function)
	}
	r.tree = tree
	return nil
}

// MustRegister panics on error, it is meant for static tables.
func (r *Registry) MustRegister(service, function string, h Handler) {
	if err := r.Register(service, function, h); err != nil {
		panic(err)
	}
}

// Merge registers every function of `other` into `r`.
func (r *Registry) Merge(other *Registry) error {
	var err error
	other.tree.Root().Walk(func(k []byte, v interface{}) bool {
		service, function, _ := strings.Cut(string(k), ".")
		err = r.Register(service, function, v.(Handler))
		return err != nil
	})
	return err
}

func (r *Registry) Lookup(service, function string) (Handler, bool) {
	return lookup(r.tree, service, function)
}

func lookup(tree *iradix.Tree, service, function string) (Handler, bool) {
	v, ok := tree.Root().Get(capabilityKey(service, function))
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

// Functions lists the functions of `service` in lexical order.
func (r *Registry) Functions(service string) []string {
	var fns []string
	prefix := service + "."
	r.tree.Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		fns = append(fns, strings.TrimPrefix(string(k), prefix))
		return false
	})
	return fns
}

func (r *Registry) Services() []string {
	seen := make(map[string]struct{})
	r.tree.Root().Walk(func(k []byte, _ interface{}) bool {
		service, _, _ := strings.Cut(string(k), ".")
		seen[service] = struct{}{}
		return false
	})
	services := make([]string, 0, len(seen))
	for s := range seen {
		services = append(services, s)
	}
	sort.Strings(services)
	return services
}

func (r *Registry) Len() int {
	return r.tree.Len()
}
