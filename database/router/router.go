// Package router resolves logical schemas to the physical database connections that serve them.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/gitlabschema"
)

// Connection names.
const (
	Main = "main"
	CI   = "ci"
	Geo  = "geo"
)

var order = []string{Main, CI, Geo}

var (
	// ErrMainRequired is returned when no main connection is configured.
	ErrMainRequired = errors.New("a main connection is required")
	// ErrNoConnection is returned when no configured connection serves a schema.
	ErrNoConnection = errors.New("no connection serves schema")
)

// Connection is a named logical connection.
type Connection struct {
	Name string
	DB   *datastore.DB
	// SharedWith names the connection whose physical database this one shares, if any.
	SharedWith string

	schemas []gitlabschema.Schema
}

// Schemas returns the schemas served by the connection.
func (c *Connection) Schemas() []gitlabschema.Schema {
	return append([]gitlabschema.Schema(nil), c.schemas...)
}

// Serves reports whether the connection's database holds tables of schema s.
func (c *Connection) Serves(s gitlabschema.Schema) bool {
	for _, v := range c.schemas {
		if v == s {
			return true
		}
	}
	return false
}

// Spec describes a connection to build a Router from.
type Spec struct {
	Name string
	// DB is the connection handle. It is ignored when ShareWith is set.
	DB        *datastore.DB
	ShareWith string
}

// Router maps schemas to connections.
type Router struct {
	conns  []*Connection
	byName map[string]*Connection
}

// New builds a Router. Connections with ShareWith reuse the named connection's handle. Connections whose DSNs point
// at the same physical database are treated as sharing it too.
func New(specs ...Spec) (*Router, error) {
	r := &Router{byName: make(map[string]*Connection)}

	for _, s := range specs {
		if !validName(s.Name) {
			return nil, fmt.Errorf("unknown connection name %q, must be one of %q", s.Name, order)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate connection %q", s.Name)
		}
		r.byName[s.Name] = &Connection{Name: s.Name, DB: s.DB, SharedWith: s.ShareWith}
	}

	main, ok := r.byName[Main]
	if !ok {
		return nil, ErrMainRequired
	}
	if main.SharedWith != "" {
		return nil, errors.New("the main connection cannot share another connection")
	}

	for _, name := range order {
		c, ok := r.byName[name]
		if !ok {
			continue
		}
		if c.SharedWith != "" {
			target, ok := r.byName[c.SharedWith]
			if !ok || target.SharedWith != "" {
				return nil, fmt.Errorf("connection %q shares unknown connection %q", c.Name, c.SharedWith)
			}
			c.DB = target.DB
		}
		if c.DB == nil {
			return nil, fmt.Errorf("connection %q: %w", c.Name, datastore.ErrNilHandler)
		}
		r.conns = append(r.conns, c)
	}

	r.assignSchemas()
	return r, nil
}

func validName(name string) bool {
	for _, n := range order {
		if n == name {
			return true
		}
	}
	return false
}

func baseSchemas(name string, hasCI bool) []gitlabschema.Schema {
	switch name {
	case Main:
		s := []gitlabschema.Schema{gitlabschema.Main, gitlabschema.Shared, gitlabschema.Internal}
		if !hasCI {
			s = append(s, gitlabschema.CI)
		}
		return s
	case CI:
		return []gitlabschema.Schema{gitlabschema.CI, gitlabschema.Shared, gitlabschema.Internal}
	case Geo:
		return []gitlabschema.Schema{gitlabschema.Geo, gitlabschema.Internal}
	}
	return nil
}

// assignSchemas computes the served schemas. Connections on the same physical database serve the union of their
// schemas.
func (r *Router) assignSchemas() {
	_, hasCI := r.byName[CI]

	for _, c := range r.conns {
		c.schemas = baseSchemas(c.Name, hasCI)
	}
	for _, c := range r.conns {
		for _, other := range r.conns {
			if c == other || !samePhysical(c, other) {
				continue
			}
			for _, s := range baseSchemas(other.Name, hasCI) {
				if !c.Serves(s) {
					c.schemas = append(c.schemas, s)
				}
			}
		}
	}
}

func samePhysical(a, b *Connection) bool {
	if a.DB == b.DB {
		return true
	}
	return a.DB.DSN.SameDatabase(b.DB.DSN)
}

// Connection returns the connection with the given name.
func (r *Router) Connection(name string) (*Connection, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Main returns the main connection.
func (r *Router) Main() *Connection {
	return r.byName[Main]
}

// Connections returns the configured connections ordered main, ci, geo.
func (r *Router) Connections() []*Connection {
	return append([]*Connection(nil), r.conns...)
}

// SingleDatabase reports whether every connection points at the same physical database.
func (r *Router) SingleDatabase() bool {
	main := r.Main()
	for _, c := range r.conns {
		if !samePhysical(main, c) {
			return false
		}
	}
	return true
}

// ConnectionFor returns the connection that owns the tables of schema s. gitlab_shared and gitlab_internal resolve
// to main.
func (r *Router) ConnectionFor(s gitlabschema.Schema) (*Connection, error) {
	if r.SingleDatabase() {
		return r.Main(), nil
	}

	switch s {
	case gitlabschema.Main, gitlabschema.Shared, gitlabschema.Internal:
		return r.Main(), nil
	case gitlabschema.CI:
		if c, ok := r.byName[CI]; ok {
			return c, nil
		}
		return r.Main(), nil
	case gitlabschema.Geo:
		if c, ok := r.byName[Geo]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrNoConnection, s)
}

// distinct returns one connection per physical database handle, in connection order.
func (r *Router) distinct() []*Connection {
	var out []*Connection
	seen := make(map[*datastore.DB]bool)
	for _, c := range r.conns {
		if seen[c.DB] {
			continue
		}
		seen[c.DB] = true
		out = append(out, c)
	}
	return out
}

// Close closes every distinct database handle, aggregating errors.
func (r *Router) Close() error {
	var errs *multierror.Error
	for _, c := range r.distinct() {
		if err := c.DB.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s connection: %w", c.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// Open opens one handle per connection that does not share another one and builds a Router from them.
func Open(ctx context.Context, connector datastore.Connector, dsns map[string]*datastore.DSN, shareWith map[string]string, opts ...datastore.Option) (*Router, error) {
	var specs []Spec
	var opened []*datastore.DB

	closeAll := func() {
		for _, db := range opened {
			_ = db.Close()
		}
	}

	for _, name := range order {
		if target, ok := shareWith[name]; ok && target != "" {
			specs = append(specs, Spec{Name: name, ShareWith: target})
			continue
		}
		dsn, ok := dsns[name]
		if !ok {
			continue
		}
		db, err := connector.Open(ctx, dsn, opts...)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("opening %s connection: %w", name, err)
		}
		opened = append(opened, db)
		specs = append(specs, Spec{Name: name, DB: db})
	}

	r, err := New(specs...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return r, nil
}
