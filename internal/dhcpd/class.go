package dhcpd

// Class is the engine's concrete ClassMatcher: a named predicate over a
// packet's option state, with an associated scope Group and optional
// BillingClass. Predicate evaluation is delegated to a caller-supplied
// function since the expression language that would normally drive it is
// outside this engine's scope (see config.go).
type Class struct {
	ClassName    string
	Predicate    func(pkt *Packet) bool
	ScopeGroup   *Group
	Billing      *BillingClass
}

var _ ClassMatcher = (*Class)(nil)

// Name implements [ClassMatcher].
func (c *Class) Name() string { return c.ClassName }

// Match implements [ClassMatcher].
func (c *Class) Match(pkt *Packet) bool {
	if c.Predicate == nil {
		return false
	}
	return c.Predicate(pkt)
}

// Group implements [ClassMatcher].
func (c *Class) Group() *Group { return c.ScopeGroup }

// BillingClass implements [ClassMatcher].
func (c *Class) BillingClass() *BillingClass { return c.Billing }

// ClassifyPacket evaluates every registered class against pkt, in
// registration order, and records the matches onto pkt.Classes for the
// scope evaluator and billing logic to consult later. DoPacket calls it
// once per packet, before find_lease/allocate_lease run.
func (e *Engine) ClassifyPacket(pkt *Packet) {
	for _, c := range e.classes {
		if c.Match(pkt) {
			pkt.Classes = append(pkt.Classes, c)
		}
	}
}

// AddClass registers a class with the engine.
func (e *Engine) AddClass(c *Class) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.classes = append(e.classes, c)
}
