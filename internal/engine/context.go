package engine

import (
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// Context is the API a rule body reaches the node through. A Context is
// only valid during the dispatch that created it.
type Context struct {
	node  *Node
	rule  string
	event ir.Event
	sig   ir.Value // $sig of a received tuple, nil otherwise
}

// Local returns the node's address.
func (c *Context) Local() ir.Address { return c.node.addr }

// Now returns the scheduler's current time.
func (c *Context) Now() time.Time { return c.node.sched.Now() }

// Rule returns the name of the running rule or handler.
func (c *Context) Rule() string { return c.rule }

// Event returns the event being dispatched.
func (c *Context) Event() ir.Event { return c.event }

// Lookup reads live tuples of a relation.
func (c *Context) Lookup(rel string, pred func(ir.Tuple) bool) ([]ir.Tuple, error) {
	return c.node.store.Lookup(rel, pred)
}

// Call applies a library function.
func (c *Context) Call(fn string, args ...ir.Value) (ir.Value, error) {
	return c.node.env.Funcs.Call(fn, args)
}

// Insert upserts into the relation named by t's tag. A change queues an
// insert event behind the current one.
func (c *Context) Insert(t ir.Tuple) (bool, error) {
	return c.node.store.Insert(t)
}

// Delete removes the tuple with t's key, if present. A removal queues a
// delete event behind the current one.
func (c *Context) Delete(t ir.Tuple) (bool, error) {
	return c.node.store.Delete(t)
}

// Send transmits t to the address in its $dest attribute. Delivery is
// asynchronous and may fail silently.
func (c *Context) Send(t ir.Tuple) error {
	return c.send(t, false)
}

// SendLocal delivers t to this node as a recv event in the current pass,
// behind the events already queued. A $dest attribute is ignored.
func (c *Context) SendLocal(t ir.Tuple) error {
	return c.sendLocal(t, false)
}

// Sign returns t with a $sig attribute made by this node over t's payload
// (every attribute except $dest and $sig). $dest, if present, stays last.
func (c *Context) Sign(t ir.Tuple) (ir.Tuple, error) {
	dest, hasDest := t.Get(ir.DestAttr)
	body, err := c.normalize(t)
	if err != nil {
		return ir.Tuple{}, err
	}
	signed, err := c.node.sign(body)
	if err != nil {
		return ir.Tuple{}, err
	}
	if hasDest {
		signed = signed.With(ir.DestAttr, dest)
	}
	return signed, nil
}

// Verify reports whether the received tuple carries a valid $sig made by
// the address held in attribute attr. A missing signature, a non-address
// attribute or a signature over different content all yield false.
func (c *Context) Verify(attr string) bool {
	if c.sig == nil {
		return false
	}
	return c.node.verify(c.event.Tuple.With(ir.SigAttr, c.sig), attr)
}

func (c *Context) send(t ir.Tuple, sign bool) error {
	v, ok := t.Get(ir.DestAttr)
	if !ok {
		return errors.Newf("send %s: missing %s", t.Tag, ir.DestAttr)
	}
	dest, ok := v.(ir.Address)
	if !ok {
		return errors.Newf("send %s: %s must be an address, got %s", t.Tag, ir.DestAttr, v.Kind())
	}
	body, err := c.normalize(t)
	if err != nil {
		return err
	}
	if sign {
		if body, err = c.node.sign(body); err != nil {
			return err
		}
	}
	c.node.observe(Record{Kind: RecordSend, Event: ir.Recv(body), Rule: c.rule, Peer: dest})
	if c.node.net == nil {
		c.node.log.Debug("no transport, dropping send", "tuple", body.String())
		return nil
	}
	c.node.net.Deliver(c.node.addr, dest, body)
	return nil
}

func (c *Context) sendLocal(t ir.Tuple, sign bool) error {
	body, err := c.normalize(t)
	if err != nil {
		return err
	}
	if sign {
		if body, err = c.node.sign(body); err != nil {
			return err
		}
	}
	c.node.work = append(c.node.work, ir.Recv(body))
	return nil
}

// normalize strips $dest, conforms the tuple to its declared event schema
// and keeps any existing $sig, so signer and verifier see identical
// attribute names.
func (c *Context) normalize(t ir.Tuple) (ir.Tuple, error) {
	sig, hasSig := t.Get(ir.SigAttr)
	body := t.Without(ir.DestAttr).Without(ir.SigAttr)
	if schema, ok := c.node.table.Event(body.Tag); ok {
		conformed, err := schema.Conform(body)
		if err != nil {
			return ir.Tuple{}, err
		}
		body = conformed
	}
	if hasSig {
		body = body.With(ir.SigAttr, sig)
	}
	return body, nil
}

// sign attaches this node's signature to a normalized tuple.
func (n *Node) sign(t ir.Tuple) (ir.Tuple, error) {
	if n.signer == nil {
		return ir.Tuple{}, errors.New("sign: node has no signer")
	}
	payload, err := ir.SignaturePayload(t)
	if err != nil {
		return ir.Tuple{}, err
	}
	sig, err := n.signer.Sign(payload, n.addr)
	if err != nil {
		return ir.Tuple{}, errors.Wrapf(err, "sign %s", t.Tag)
	}
	return t.With(ir.SigAttr, ir.String(hex.EncodeToString(sig))), nil
}

// verify checks t's $sig against the address in attribute attr.
func (n *Node) verify(t ir.Tuple, attr string) bool {
	if n.signer == nil {
		return false
	}
	v, ok := t.Get(attr)
	if !ok {
		return false
	}
	identity, ok := v.(ir.Address)
	if !ok {
		return false
	}
	sv, ok := t.Get(ir.SigAttr)
	if !ok {
		return false
	}
	s, ok := sv.(ir.String)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(string(s))
	if err != nil {
		return false
	}
	payload, err := ir.SignaturePayload(t)
	if err != nil {
		return false
	}
	return n.signer.Verify(payload, sig, identity)
}
