package dhcpd

import "net/netip"

// EvalContext is the ambient state an Expression can read from: the packet
// that triggered evaluation, the lease under consideration (nil before one
// is chosen), and the inbound/outbound option states. Expressions never
// mutate ctx; they are pure functions of it.
type EvalContext struct {
	Packet *Packet
	Lease  *Lease
	In     *OptionState
	Out    *OptionState
}

// Expression produces a byte value from an EvalContext, or declines to
// (ok=false) when the data it depends on is absent - e.g. a reference to an
// inbound option the client did not send.
type Expression interface {
	Evaluate(ctx *EvalContext) (value []byte, ok bool)
}

// ConstExpr is a literal value with no dependency on ctx.
type ConstExpr []byte

// Evaluate implements Expression.
func (c ConstExpr) Evaluate(*EvalContext) ([]byte, bool) { return []byte(c), true }

// ConcatExpr evaluates each part in order and concatenates whichever
// produce a value, skipping the rest. It never itself fails: an empty
// result from every part still yields ok=true with a zero-length value,
// matching how append/prepend compose with an absent base.
type ConcatExpr struct {
	Parts []Expression
}

// Evaluate implements Expression.
func (c ConcatExpr) Evaluate(ctx *EvalContext) ([]byte, bool) {
	var out []byte
	for _, part := range c.Parts {
		if v, ok := part.Evaluate(ctx); ok {
			out = append(out, v...)
		}
	}
	return out, true
}

// InboundOptionExpr evaluates to whatever the inbound packet bound at
// (universe, code) - used for pass-through statements like echoing a
// client's requested hostname back as the reply's Host-Name option.
type InboundOptionExpr struct {
	Universe Universe
	Code     OptionCode
}

// Evaluate implements Expression.
func (e InboundOptionExpr) Evaluate(ctx *EvalContext) ([]byte, bool) {
	if ctx.In == nil {
		return nil, false
	}
	oc, ok := ctx.In.Lookup(e.Universe, e.Code)
	if !ok {
		return nil, false
	}
	return oc.Evaluate(ctx)
}

// TriState is the result of evaluating a boolean-typed option cache: a
// config statement that never fired is distinct from one that fired and
// evaluated false.
type TriState uint8

const (
	TriIgnore TriState = iota
	TriTrue
	TriFalse
)

// EvaluateBoolean resolves a boolean option cache (conventionally a single
// data byte, 0 or 1) to a TriState. A nil cache, or one whose expression
// declines to produce a value, yields TriIgnore.
func EvaluateBoolean(c *OptionCache, ctx *EvalContext) TriState {
	if c == nil {
		return TriIgnore
	}
	v, ok := c.Evaluate(ctx)
	if !ok || len(v) == 0 {
		return TriIgnore
	}
	if v[0] == 0 {
		return TriFalse
	}
	return TriTrue
}

// SetOp is the operator a config statement binds an option with.
type SetOp uint8

const (
	OpDefault SetOp = iota
	OpSupersede
	OpAppend
	OpPrepend
)

// Statement is one option binding declared in a Group.
type Statement struct {
	Universe Universe
	Code     OptionCode
	Def      *OptionDef
	Op       SetOp
	Value    Expression
}

// Validate reports whether st names a universe the option store actually
// has a table for, catching a YAML config that named a universe by a typo'd
// or out-of-range integer before it reaches the hashed store.
func (st Statement) Validate() error {
	if st.Universe >= universeCount {
		return errUnknownUniverse
	}
	return nil
}

// apply evaluates the statement's value and applies it to out under the
// statement's operator. A statement whose value expression declines to
// produce anything has no effect.
func (st Statement) apply(ctx *EvalContext, out *OptionState) {
	value, ok := st.Value.Evaluate(ctx)
	if !ok {
		return
	}
	switch st.Op {
	case OpDefault:
		out.Default(st.Universe, st.Def, st.Code, value)
	case OpSupersede:
		out.Supersede(st.Universe, st.Def, st.Code, value)
	case OpAppend:
		out.Append(st.Universe, st.Def, st.Code, value)
	case OpPrepend:
		out.Prepend(st.Universe, st.Def, st.Code, value)
	}
}

// Group is one node of the scope tree: a set of option statements plus
// policy knobs (authoritative, lease timers) that apply to whatever
// subnet/pool/class/host the group is attached to.
type Group struct {
	Name          string
	Authoritative bool
	Statements    []Statement

	DefaultLeaseTime  uint32
	MaxLeaseTime      uint32
	MinLeaseTime      uint32
	BootUnknownClients bool
	AllowBootp        bool
	AllowBooting      bool
	PingCheck         bool
	PingTimeoutMS     int
	OneLeasePerClient bool
	MinSecs           uint16

	// NextServer is the configured next-server option (siaddr override for
	// a boot-server address, e.g. TFTP); zero means none configured, and
	// siaddr falls back to the server identifier.
	NextServer netip.Addr
}

// BuildScopeChain orders the groups that apply to a packet/lease pair from
// lowest to highest precedence: global, subnet, pool, classes (the
// earliest-matched class must win, so classes are walked from the last
// matched to the first), then host. ApplyScopeChain then executes them in
// this order so a later group's Supersede overwrites an earlier one's.
func BuildScopeChain(global, subnet, pool *Group, classes []*Group, host *Group) []*Group {
	chain := make([]*Group, 0, 4+len(classes))
	if global != nil {
		chain = append(chain, global)
	}
	if subnet != nil {
		chain = append(chain, subnet)
	}
	if pool != nil {
		chain = append(chain, pool)
	}
	for i := len(classes) - 1; i >= 0; i-- {
		if classes[i] != nil {
			chain = append(chain, classes[i])
		}
	}
	if host != nil {
		chain = append(chain, host)
	}
	return chain
}

// ApplyScopeChain runs every statement of every group in chain against ctx,
// writing into out in order so higher-precedence groups overwrite lower
// ones for the same (universe, code).
func ApplyScopeChain(ctx *EvalContext, chain []*Group, out *OptionState) {
	for _, g := range chain {
		for _, st := range g.Statements {
			st.apply(ctx, out)
		}
	}
}

// EffectiveGroup folds the policy knobs of a scope chain into a single
// Group, last-writer-wins per field, matching how option statements
// compose. Only non-zero-value fields override; this is a simplification
// appropriate for policy knobs, which are rarely zero-meaningful.
func EffectiveGroup(chain []*Group) *Group {
	eff := &Group{}
	for _, g := range chain {
		eff.Authoritative = eff.Authoritative || g.Authoritative
		if g.DefaultLeaseTime != 0 {
			eff.DefaultLeaseTime = g.DefaultLeaseTime
		}
		if g.MaxLeaseTime != 0 {
			eff.MaxLeaseTime = g.MaxLeaseTime
		}
		if g.MinLeaseTime != 0 {
			eff.MinLeaseTime = g.MinLeaseTime
		}
		eff.BootUnknownClients = eff.BootUnknownClients || g.BootUnknownClients
		eff.AllowBootp = eff.AllowBootp || g.AllowBootp
		eff.AllowBooting = eff.AllowBooting || g.AllowBooting
		eff.PingCheck = eff.PingCheck || g.PingCheck
		if g.PingTimeoutMS != 0 {
			eff.PingTimeoutMS = g.PingTimeoutMS
		}
		eff.OneLeasePerClient = eff.OneLeasePerClient || g.OneLeasePerClient
		if g.MinSecs != 0 {
			eff.MinSecs = g.MinSecs
		}
		if g.NextServer.IsValid() {
			eff.NextServer = g.NextServer
		}
	}
	return eff
}
