// Package target applies mutation routes to addressable targets.
package target

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/route"
)

// ErrTargetNotFound is returned when a mutation addresses nothing
var ErrTargetNotFound = errors.New("target: not found")

// Resolver locates the target of a mutation and applies it.
type Resolver interface {
	Apply(ctx context.Context, m route.Mutation, content codec.Payload) error
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, m route.Mutation, content codec.Payload) error

// Apply implements Resolver
func (f ResolverFunc) Apply(ctx context.Context, m route.Mutation, content codec.Payload) error {
	return f(ctx, m, content)
}

// Element is one addressable target of a Document.
type Element struct {
	ID  string `json:"id"`
	Tag string `json:"tag,omitempty"`
	// Input elements hold a value; other elements hold inner content
	Input   bool   `json:"input,omitempty"`
	Content string `json:"content"`
}

// Document is an in-memory Resolver: a set of elements addressed by id, plus named queries
// selecting any number of them.
type Document struct {
	mu       sync.RWMutex
	elements map[string]*Element
	queries  map[string][]string
	// order keeps Snapshot stable
	order []string
}

// NewDocument returns an empty document
func NewDocument() *Document {
	return &Document{
		elements: make(map[string]*Element),
		queries:  make(map[string][]string),
	}
}

// Add inserts or replaces e
func (d *Document) Add(e Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.elements[e.ID]; !ok {
		d.order = append(d.order, e.ID)
	}
	d.elements[e.ID] = &e
}

// Bind makes query select the elements with the given ids, e.g. Bind(".log", "log", "audit").
func (d *Document) Bind(query string, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries[query] = append([]string(nil), ids...)
}

// Get returns a copy of the element with id
func (d *Document) Get(id string) (Element, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.elements[id]
	if !ok {
		return Element{}, false
	}
	return *e, true
}

// Snapshot returns copies of every element in insertion order
func (d *Document) Snapshot() []Element {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Element, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.elements[id])
	}
	return out
}

// Apply implements Resolver.
//
//	Replace  sets the value of input elements, the content of others
//	Append   appends to the value or content
//	Swap     replaces the element; a structured payload {"id","tag","input","content"} describes the
//	         new element, any other payload becomes its content
func (d *Document) Apply(_ context.Context, m route.Mutation, content codec.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets := d.lookup(m)
	if len(targets) == 0 {
		return errors.WithMessagef(ErrTargetNotFound, "%s", m)
	}
	switch m.Mode {
	case route.Replace:
		for _, e := range targets {
			e.Content = content.String()
		}
	case route.Append:
		for _, e := range targets {
			e.Content += content.String()
		}
	case route.Swap:
		nexts, err := d.planSwap(targets, content)
		if err != nil {
			return err
		}
		for i, e := range targets {
			next := nexts[i]
			if next.ID != e.ID {
				d.rename(e.ID, next.ID)
			}
			d.elements[next.ID] = next
		}
	default:
		return errors.Errorf("target: unknown mode %s", m.Mode)
	}
	return nil
}

func (d *Document) lookup(m route.Mutation) []*Element {
	if m.Addressing == route.Identifier {
		if e, ok := d.elements[m.Target]; ok {
			return []*Element{e}
		}
		return nil
	}
	ids := d.queries[m.Target]
	out := make([]*Element, 0, len(ids))
	for _, id := range ids {
		if e, ok := d.elements[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (d *Document) rename(from, to string) {
	delete(d.elements, from)
	for i, id := range d.order {
		if id == from {
			d.order[i] = to
		}
	}
	for q, ids := range d.queries {
		for i, id := range ids {
			if id == from {
				d.queries[q][i] = to
			}
		}
	}
}

// planSwap builds the replacement of every target before any is applied, a failed swap changes nothing
func (d *Document) planSwap(targets []*Element, content codec.Payload) ([]*Element, error) {
	nexts := make([]*Element, 0, len(targets))
	from := make(map[string]string, len(targets)) // new id -> old id
	for _, e := range targets {
		next, err := swapped(e, content)
		if err != nil {
			return nil, err
		}
		if prev, dup := from[next.ID]; dup {
			return nil, errors.Errorf("target: swap %s and %s: both become %s", prev, e.ID, next.ID)
		}
		from[next.ID] = e.ID
		if next.ID != e.ID {
			if _, taken := d.elements[next.ID]; taken {
				return nil, errors.Errorf("target: swap %s: id %s is taken", e.ID, next.ID)
			}
		}
		nexts = append(nexts, next)
	}
	return nexts, nil
}

func swapped(old *Element, content codec.Payload) (*Element, error) {
	if content.Structured && len(content.Raw) > 0 && content.Raw[0] == '{' {
		var next Element
		if err := content.Decode(&next); err != nil {
			return nil, errors.WithMessagef(err, "swap %s", old.ID)
		}
		if next.ID == "" {
			next.ID = old.ID
		}
		return &next, nil
	}
	return &Element{ID: old.ID, Tag: old.Tag, Input: old.Input, Content: content.String()}, nil
}

// Queries returns the registered query strings, sorted
func (d *Document) Queries() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.queries))
	for q := range d.queries {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
