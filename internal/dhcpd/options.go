package dhcpd

import "github.com/AdguardTeam/golibs/errors"

// Universe is a namespace of option codes. A single code, like 12, means a
// different thing in each universe.
type Universe uint8

const (
	UniverseDHCP Universe = iota
	UniverseServer
	UniverseAgent
	UniverseVendor
	UniverseSite
	universeCount
)

// optionHashBuckets mirrors the small hash table ISC dhcpd keeps per
// universe: cheap enough for the handful of options a packet actually
// carries, without a full map allocation per lookup.
const optionHashBuckets = 17

// optionHash mixes the low bits of the code into one of optionHashBuckets
// chains. Codes cluster in the low range (0-100ish) in real traffic, so the
// two low 5-bit groups are folded together rather than taken modulo
// directly.
func optionHash(code OptionCode) int {
	c := int(code)
	return ((c & 31) + ((c >> 5) & 31)) % optionHashBuckets
}

// OptionCache is one bound option: either a fixed value (Data) or a
// deferred Expr that is evaluated against a request/lease context. A cache
// entry always belongs to exactly one (Universe, Code) slot in an
// OptionState.
type OptionCache struct {
	Code  OptionCode
	Def   *OptionDef
	Data  []byte
	Expr  Expression
	next  *OptionCache // chain within a hash bucket
}

// OptionDef names an option for logging and config lookup. It carries no
// wire-format information beyond the code: format parsing is the
// configuration loader's job, not the runtime's.
type OptionDef struct {
	Name     string
	Code     OptionCode
	Universe Universe
}

// asExpression returns c's value as an Expression, promoting a constant
// into a ConstExpr on demand. Used by append/prepend, which must combine
// with whatever is already bound regardless of how it got there.
func (c *OptionCache) asExpression() Expression {
	if c == nil {
		return nil
	}
	if c.Expr != nil {
		return c.Expr
	}
	return ConstExpr(c.Data)
}

// Evaluate resolves the cache to a byte value under ctx. ok is false if an
// expression declined to produce a value (e.g. it referenced an option the
// inbound packet did not carry).
func (c *OptionCache) Evaluate(ctx *EvalContext) (value []byte, ok bool) {
	if c == nil {
		return nil, false
	}
	if c.Expr != nil {
		return c.Expr.Evaluate(ctx)
	}
	return c.Data, true
}

// AgentSubOption is one sub-TLV of a Relay Agent Information option (82).
type AgentSubOption struct {
	Code OptionCode
	Data []byte
}

// AgentOptionList is one Relay-Agent-Information option as it arrived on
// the wire, preserved as an ordered sub-TLV list rather than folded into
// the hashed store: the relay's sub-options must round-trip byte-for-byte
// when the server re-attaches them to the reply.
type AgentOptionList struct {
	Raw  []byte // the option's value area, sub-TLVs included, for verbatim re-attachment
	Subs []AgentSubOption
}

// OptionState holds every option bound for one packet's processing: the
// options parsed off the wire (the "incoming" state) or accumulated by the
// scope evaluator (the "outgoing" state). Each universe except Agent uses a
// small hashed chain table; Agent is list-shaped because relay sub-options
// are not addressed by a single code the way DHCP/server/vendor/site
// options are.
type OptionState struct {
	buckets    [universeCount][optionHashBuckets]*OptionCache
	agentLists []*AgentOptionList
}

// NewOptionState returns an empty option state.
func NewOptionState() *OptionState {
	return &OptionState{}
}

// Lookup finds the cache bound to (universe, code), if any.
func (s *OptionState) Lookup(universe Universe, code OptionCode) (*OptionCache, bool) {
	for c := s.buckets[universe][optionHash(code)]; c != nil; c = c.next {
		if c.Code == code {
			return c, true
		}
	}
	return nil, false
}

// unlink removes any existing binding for (universe, code) and returns it,
// or nil if there was none.
func (s *OptionState) unlink(universe Universe, code OptionCode) *OptionCache {
	bucket := optionHash(code)
	head := s.buckets[universe][bucket]
	if head == nil {
		return nil
	}
	if head.Code == code {
		s.buckets[universe][bucket] = head.next
		head.next = nil
		return head
	}
	for prev := head; prev.next != nil; prev = prev.next {
		if prev.next.Code == code {
			found := prev.next
			prev.next = found.next
			found.next = nil
			return found
		}
	}
	return nil
}

// link inserts c at the head of its bucket. c must not already be linked
// anywhere.
func (s *OptionState) link(universe Universe, c *OptionCache) {
	bucket := optionHash(c.Code)
	c.next = s.buckets[universe][bucket]
	s.buckets[universe][bucket] = c
}

// Delete removes any binding for (universe, code).
func (s *OptionState) Delete(universe Universe, code OptionCode) {
	s.unlink(universe, code)
}

// Default binds value to (universe, code) only if nothing is bound there
// yet. Mirrors the "default" set-operation: because the scope chain runs
// low-to-high precedence, a value bound by any earlier scope in the chain
// stays, and the default only takes effect if the slot is still empty.
func (s *OptionState) Default(universe Universe, def *OptionDef, code OptionCode, value []byte) {
	if _, ok := s.Lookup(universe, code); ok {
		return
	}
	s.link(universe, &OptionCache{Code: code, Def: def, Data: value})
}

// Supersede unconditionally rebinds (universe, code) to value, discarding
// whatever was there.
func (s *OptionState) Supersede(universe Universe, def *OptionDef, code OptionCode, value []byte) {
	s.unlink(universe, code)
	s.link(universe, &OptionCache{Code: code, Def: def, Data: value})
}

// Append concatenates value after whatever is already bound to
// (universe, code), promoting an existing constant to an expression first.
// If nothing was bound, Append behaves like Supersede.
func (s *OptionState) Append(universe Universe, def *OptionDef, code OptionCode, value []byte) {
	existing := s.unlink(universe, code)
	if existing == nil {
		s.link(universe, &OptionCache{Code: code, Def: def, Data: value})
		return
	}
	expr := ConcatExpr{Parts: []Expression{existing.asExpression(), ConstExpr(value)}}
	s.link(universe, &OptionCache{Code: code, Def: def, Expr: expr})
}

// Prepend is Append with the new value placed first.
func (s *OptionState) Prepend(universe Universe, def *OptionDef, code OptionCode, value []byte) {
	existing := s.unlink(universe, code)
	if existing == nil {
		s.link(universe, &OptionCache{Code: code, Def: def, Data: value})
		return
	}
	expr := ConcatExpr{Parts: []Expression{ConstExpr(value), existing.asExpression()}}
	s.link(universe, &OptionCache{Code: code, Def: def, Expr: expr})
}

// Each calls fn for every option bound in universe, in unspecified order.
func (s *OptionState) Each(universe Universe, fn func(*OptionCache)) {
	for _, bucket := range s.buckets[universe] {
		for c := bucket; c != nil; c = c.next {
			fn(c)
		}
	}
}

// AddAgentOptions appends a freshly parsed Relay-Agent-Information option
// to the agent universe. A packet may legally carry only one such option,
// but callers that assemble agent state from multiple sources (e.g. a
// reused request context) append in arrival order; Lookup semantics on the
// agent universe consider only LastAgentOptions.
func (s *OptionState) AddAgentOptions(l *AgentOptionList) {
	s.agentLists = append(s.agentLists, l)
}

// LastAgentOptions returns the most recently added Relay-Agent-Information
// option, or nil if none was seen.
func (s *OptionState) LastAgentOptions() *AgentOptionList {
	if len(s.agentLists) == 0 {
		return nil
	}
	return s.agentLists[len(s.agentLists)-1]
}

// Sub looks up a sub-option within an AgentOptionList.
func (l *AgentOptionList) Sub(code OptionCode) ([]byte, bool) {
	if l == nil {
		return nil, false
	}
	for _, sub := range l.Subs {
		if sub.Code == code {
			return sub.Data, true
		}
	}
	return nil, false
}

var errUnknownUniverse = errors.Error("dhcpd: unknown option universe")
