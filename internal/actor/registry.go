package actor

import (
	"sort"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/protocol"
)

// Conn is the actor's view of one live connection. The identity and role are
// bound at upgrade time and immutable for the connection's lifetime. Send is
// best-effort; a send error causes the actor to drop only that connection.
type Conn interface {
	Identity() string
	Role() domain.Role
	Send(data []byte) error
	CloseWith(code int, text string)
}

// registry is the per-actor connection table. It is only touched from the
// actor's mailbox goroutine, so it needs no lock.
type registry struct {
	conns map[Conn]struct{}
}

func newRegistry() *registry {
	return &registry{conns: make(map[Conn]struct{})}
}

func (r *registry) add(c Conn) {
	r.conns[c] = struct{}{}
}

func (r *registry) remove(c Conn) {
	delete(r.conns, c)
}

func (r *registry) has(c Conn) bool {
	_, ok := r.conns[c]
	return ok
}

func (r *registry) count() int {
	return len(r.conns)
}

// byPlayerIdentity returns the existing player connection for an identity,
// if any. Admin connections may share an identity and are never displaced.
func (r *registry) byPlayerIdentity(identity string) Conn {
	for c := range r.conns {
		if c.Role() == domain.RoleAdmin {
			continue
		}
		if c.Identity() == identity {
			return c
		}
	}
	return nil
}

func (r *registry) all() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *registry) admins() []Conn {
	var out []Conn
	for c := range r.conns {
		if c.Role() == domain.RoleAdmin {
			out = append(out, c)
		}
	}
	return out
}

// identities lists the live connections for a connected-identities push,
// sorted for stable output.
func (r *registry) identities() []protocol.ConnectedIdentity {
	out := make([]protocol.ConnectedIdentity, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, protocol.ConnectedIdentity{Identity: c.Identity(), Role: c.Role()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Role < out[j].Role
	})
	return out
}
