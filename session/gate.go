package session

import (
	"slices"
	"strings"
	"sync"

	"github.com/tradeport/tradeport-client/auth"
)

// Decision is the outcome of evaluating a view against the session. Exactly
// one of Allow, Pending or a non-empty Redirect holds.
type Decision struct {
	Allow    bool   `json:"allow"`
	Pending  bool   `json:"pending,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// Policy decides whether the current session may see a view.
type Policy interface {
	Evaluate(s Snapshot) Decision
}

// Gate admits sessions holding one of a set of roles.
type Gate struct {
	roles     []auth.Role
	fallback  string
	loginPath string
}

// NewGate creates a gate. Authenticated sessions without an allowed role are
// sent to fallback; unauthenticated ones to the default login path.
func NewGate(fallback string, roles ...auth.Role) *Gate {
	if fallback == "" {
		fallback = "/"
	}
	return &Gate{roles: roles, fallback: fallback, loginPath: DefaultLoginPath}
}

// Evaluate implements Policy.
func (g *Gate) Evaluate(s Snapshot) Decision {
	switch {
	case s.Pending():
		return Decision{Pending: true}
	case !s.Authenticated:
		return Decision{Redirect: g.loginPath}
	case !s.HasRole(g.roles...):
		return Decision{Redirect: g.fallback}
	default:
		return Decision{Allow: true}
	}
}

// Routes is the application route table: which paths are public and which
// belong to each role.
type Routes struct {
	Public    []string
	AuthPages []string
	Admin     []string
	User      []string
	LoginPath string
	AdminHome string
	UserHome  string
}

// DefaultRoutes returns the route table of the trading client.
func DefaultRoutes() Routes {
	return Routes{
		Public:    []string{"/login", "/signup", "/about"},
		AuthPages: []string{"/login", "/signup"},
		Admin:     []string{"/admin"},
		User:      []string{"/", "/crypto", "/futureshistory", "/mine"},
		LoginPath: DefaultLoginPath,
		AdminHome: "/admin",
		UserHome:  "/",
	}
}

// Resolve decides what the session may do on path. Signed-in users are sent
// away from the login and signup pages to their home, and each role is kept
// out of the other's area.
func (r Routes) Resolve(s Snapshot, path string) Decision {
	if s.Pending() {
		return Decision{Pending: true}
	}
	public := matchAny(r.Public, path)
	if !s.Authenticated {
		if public {
			return Decision{Allow: true}
		}
		return Decision{Redirect: r.LoginPath}
	}

	home := r.UserHome
	if s.Role == auth.RoleAdmin {
		home = r.AdminHome
	}
	switch {
	case matchAny(r.AuthPages, path):
		return Decision{Redirect: home}
	case s.Role == auth.RoleAdmin && matchAny(r.User, path):
		return Decision{Redirect: r.AdminHome}
	case s.Role == auth.RoleUser && matchAny(r.Admin, path):
		return Decision{Redirect: r.UserHome}
	}
	return Decision{Allow: true}
}

// For returns a Policy bound to path.
func (r Routes) For(path string) Policy {
	return routePolicy{routes: r, path: path}
}

type routePolicy struct {
	routes Routes
	path   string
}

func (p routePolicy) Evaluate(s Snapshot) Decision {
	return p.routes.Resolve(s, p.path)
}

// matchAny matches exact paths; non-root entries also match their subpaths.
func matchAny(list []string, path string) bool {
	if slices.Contains(list, path) {
		return true
	}
	for _, p := range list {
		if p != "/" && strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Binding re-evaluates a policy on every session change and calls
// onRedirect once each time the decision changes to a redirect.
type Binding struct {
	m          *Manager
	onRedirect func(string)

	mu     sync.Mutex
	policy Policy
	last   Decision
	closed bool

	unsubscribe func()
}

// Bind attaches p to m and evaluates it immediately.
func Bind(m *Manager, p Policy, onRedirect func(string)) *Binding {
	b := &Binding{m: m, policy: p, onRedirect: onRedirect}
	b.unsubscribe = m.Subscribe(func(Event) { b.evaluate() })
	b.evaluate()
	return b
}

// Retarget switches to a new policy, e.g. after navigation, and evaluates it.
func (b *Binding) Retarget(p Policy) {
	b.mu.Lock()
	b.policy = p
	b.last = Decision{}
	b.mu.Unlock()
	b.evaluate()
}

// Decision returns the latest decision.
func (b *Binding) Decision() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Close detaches from the manager.
func (b *Binding) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.unsubscribe()
}

// evaluate always reads the manager's latest snapshot so delivery order
// cannot make it act on stale state.
func (b *Binding) evaluate() {
	s := b.m.Snapshot()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	d := b.policy.Evaluate(s)
	fire := d.Redirect != "" && d != b.last
	b.last = d
	b.mu.Unlock()
	if fire {
		b.onRedirect(d.Redirect)
	}
}
