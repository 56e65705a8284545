package valueconv

import (
	"github.com/ruvnet/crdtbridge/internal/bridgeerrors"
	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
)

// ToCRDT converts v into something ready to hand to a crdtiface.MapNode.Set
// / ListNode.Insert call: a primitive, a crdtiface.Leaf reference, or a
// freshly built MapNode/ListNode subtree. identity may be nil if v is
// known not to be a reactive proxy.
func ToCRDT(v any, doc crdtiface.Document, identity ProxyIdentity) (any, error) {
	substituted, err := Substitute(v)
	if err != nil {
		return nil, err
	}
	if err := DeepValidate(substituted); err != nil {
		return nil, err
	}
	return toCRDT(substituted, doc, identity)
}

func toCRDT(v any, doc crdtiface.Document, identity ProxyIdentity) (any, error) {
	switch node := v.(type) {
	case crdtiface.MapNode:
		if node.Parent() != nil {
			return nil, bridgeerrors.New(bridgeerrors.Reparenting,
				"map node already has a parent; clone it explicitly before assigning")
		}
		return node, nil
	case crdtiface.ListNode:
		if node.Parent() != nil {
			return nil, bridgeerrors.New(bridgeerrors.Reparenting,
				"list node already has a parent; clone it explicitly before assigning")
		}
		return node, nil
	case crdtiface.Leaf:
		return node, nil
	}

	if p, ok := v.(reactiveiface.Node); ok {
		return proxyToCRDT(p, doc, identity)
	}

	switch val := v.(type) {
	case map[string]any:
		m := doc.NewMap()
		for k, child := range val {
			cv, err := toCRDT(child, doc, identity)
			if err != nil {
				return nil, err
			}
			m.Set(k, cv)
		}
		return m, nil
	case []any:
		l := doc.NewList()
		items := make([]any, 0, len(val))
		for _, child := range val {
			cv, err := toCRDT(child, doc, identity)
			if err != nil {
				return nil, err
			}
			items = append(items, cv)
		}
		if len(items) > 0 {
			l.Insert(0, items...)
		}
		return l, nil
	}

	return v, nil
}

func proxyToCRDT(p reactiveiface.Node, doc crdtiface.Document, identity ProxyIdentity) (any, error) {
	if identity != nil {
		if mirrored, known := identity.MirroredNode(p); known {
			if mirrored.Parent() == nil {
				return mirrored, nil
			}
			// The mirrored node is already attached elsewhere: clone the
			// plain shape and build a fresh subtree instead of
			// re-parenting the original.
		}
	}
	plain := proxyToPlain(p)
	return toCRDT(plain, doc, identity)
}

// proxyToPlain walks a reactive proxy tree into plain Go values, recursing
// through child proxies. Opaque leaf references are carried forward
// as-is: they are never deeply cloned, per the leaf-opaque invariant.
func proxyToPlain(p reactiveiface.Node) any {
	if p.Shape() == reactiveiface.ShapeArray {
		items := p.ToSlice()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = plainizeChild(item)
		}
		return out
	}
	out := make(map[string]any, len(p.Keys()))
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		out[k] = plainizeChild(v)
	}
	return out
}

func plainizeChild(v any) any {
	if child, ok := v.(reactiveiface.Node); ok {
		return proxyToPlain(child)
	}
	return v
}

// ToPlain converts a CRDT subtree (or a reactive proxy, or an already
// plain value) into a plain Go structure, for inspection and testing. It
// never mutates or consults a live identity cache; runtime code should use
// the lazy proxy tree instead of calling this on a hot path.
func ToPlain(v any) any {
	switch node := v.(type) {
	case crdtiface.MapNode:
		out := make(map[string]any, len(node.Keys()))
		for _, k := range node.Keys() {
			child, _ := node.Get(k)
			out[k] = ToPlain(child)
		}
		return out
	case crdtiface.ListNode:
		items := node.ToSlice()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = ToPlain(item)
		}
		return out
	case reactiveiface.Node:
		return proxyToPlain(node)
	default:
		return v
	}
}
