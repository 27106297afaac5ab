package dhcpd

import (
	"github.com/AdguardTeam/golibs/container"
)

// defaultMaxMessageSize is used when a DHCP client sends no Maximum-DHCP-
// Message-Size option at all (legacy clients, plain BOOTP).
const defaultMaxMessageSize = 576

// maxMaxMessageSize is the largest reply size we are ever willing to build,
// regardless of what a client claims to support.
const maxMaxMessageSize = 1500

// defaultPriorityList is sent when the client supplied no Parameter-
// Request-List, mirroring the small always-useful set a BOOTP client
// implicitly expects.
var defaultPriorityList = []OptionCode{
	OptSubnetMask,
	OptRouter,
	OptDomainNameServer,
	OptDomainName,
	OptBroadcastAddress,
}

// mandatoryPriority leads every priority list, in this exact order, since a
// client cannot meaningfully ask for them but the reply is incomplete
// without them - and they must be the last ones packGreedy ever drops
// under a tight message-size budget.
var mandatoryPriority = []OptionCode{
	OptDHCPMessageType,
	OptServerIdentifier,
	OptIPAddressLeaseTime,
	OptMessage,
	OptRequestedIPAddress,
}

// RequestedMaxMessageSize extracts and clamps the client's Maximum-DHCP-
// Message-Size option, falling back to defaultMaxMessageSize if absent or
// malformed.
func RequestedMaxMessageSize(pkt *Packet) int {
	oc, ok := pkt.In.Lookup(UniverseDHCP, OptMaxMessageSize)
	if !ok {
		return defaultMaxMessageSize
	}
	v, ok := oc.Evaluate(nil)
	if !ok || len(v) != 2 {
		return defaultMaxMessageSize
	}
	mms := int(be16(v))
	if mms < defaultMaxMessageSize {
		return defaultMaxMessageSize
	}
	if mms > maxMaxMessageSize {
		return maxMaxMessageSize
	}
	return mms
}

// BuildPriorityList constructs the ordered, de-duplicated list of option
// codes to attempt to send: mandatoryPriority always leads, in order,
// followed by the client's Parameter-Request-List if present, else
// defaultPriorityList, with duplicates dropped in favor of first
// occurrence (highest priority wins).
func BuildPriorityList(pkt *Packet) []OptionCode {
	seen := container.NewMapSet[OptionCode]()
	var list []OptionCode

	add := func(codes []OptionCode) {
		for _, c := range codes {
			if seen.Has(c) {
				continue
			}
			seen.Add(c)
			list = append(list, c)
		}
	}

	add(mandatoryPriority)

	if oc, ok := pkt.In.Lookup(UniverseDHCP, OptParameterRequestList); ok {
		if v, ok := oc.Evaluate(nil); ok && len(v) > 0 {
			requested := make([]OptionCode, len(v))
			for i, b := range v {
				requested[i] = OptionCode(b)
			}
			add(requested)
		} else {
			add(defaultPriorityList)
		}
	} else {
		add(defaultPriorityList)
	}

	return list
}

// replyBuffer accumulates option TLVs for one overload area (the main
// options area, the repurposed file field, or the repurposed sname field).
type replyBuffer struct {
	cap  int
	data []byte
}

func (b *replyBuffer) remaining() int { return b.cap - len(b.data) }

// tlvCost returns the number of bytes writeOption would add for value,
// accounting for RFC 3396 splitting into 255-byte chunks.
func tlvCost(value []byte) int {
	if len(value) == 0 {
		return 2
	}
	n := 0
	for off := 0; off < len(value); off += 255 {
		n += 2
		chunk := len(value) - off
		if chunk > 255 {
			chunk = 255
		}
		n += chunk
	}
	return n
}

// writeOption appends code/value to b, splitting into 255-byte chunks per
// RFC 3396 when the value exceeds a single TLV's capacity.
func (b *replyBuffer) writeOption(code OptionCode, value []byte) {
	if len(value) == 0 {
		b.data = append(b.data, byte(code), 0)
		return
	}
	for off := 0; off < len(value); off += 255 {
		chunk := value[off:]
		if len(chunk) > 255 {
			chunk = chunk[:255]
		}
		b.data = append(b.data, byte(code), byte(len(chunk)))
		b.data = append(b.data, chunk...)
	}
}

// overloadMode bundles the set of buffer capacities and the resulting
// option-52 bitmask for one layout attempt, from smallest to largest.
type overloadMode struct {
	bit       byte
	fileUsed  bool
	snameUsed bool
}

var overloadModes = []overloadMode{
	{bit: 0},
	{bit: overloadFile, fileUsed: true},
	{bit: overloadFile | overloadSname, fileUsed: true, snameUsed: true},
}

// ReplyPlan is the result of assembling a reply's options: the three
// wire areas and the overload byte to store in option 52 if non-zero.
type ReplyPlan struct {
	Options  []byte
	File     []byte
	SName    []byte
	Overload byte
}

// ConsOptions assembles the reply's options under the priority list and
// message-size budget, choosing the smallest overload layout that holds
// every requested option and falling back to best-effort truncation (in
// priority order) if even the largest layout cannot. maxAgentOptionLen
// bounds how much of the budget the re-attached Relay-Agent-Information
// option may consume; a value of 0 means unbounded.
func ConsOptions(
	ctx *EvalContext,
	priority []OptionCode,
	mms int,
	agent *AgentOptionList,
	maxAgentOptionLen int,
) ReplyPlan {
	values := make(map[OptionCode][]byte, len(priority))
	ordered := make([]OptionCode, 0, len(priority))
	for _, code := range priority {
		oc, ok := ctx.Out.Lookup(UniverseDHCP, code)
		if !ok {
			continue
		}
		v, ok := oc.Evaluate(ctx)
		if !ok {
			continue
		}
		values[code] = v
		ordered = append(ordered, code)
	}

	mainCap := mms - headerLen - len(magicCookie) - 1 // -1 reserves the END marker
	if mainCap < 0 {
		mainCap = 0
	}

	var chosen overloadMode
	var buffers []*replyBuffer
	allPlaced := false

	for _, mode := range overloadModes {
		// An overloaded layout spends 3 bytes of the main area on option 52,
		// and each overflow area reserves its own END byte.
		modeCap := mainCap
		if mode.bit != 0 {
			modeCap = max(mainCap-3, 0)
		}
		bufs := []*replyBuffer{{cap: modeCap}}
		if mode.fileUsed {
			bufs = append(bufs, &replyBuffer{cap: fileLen - 1})
		}
		if mode.snameUsed {
			bufs = append(bufs, &replyBuffer{cap: snameLen - 1})
		}
		placed := packGreedy(bufs, ordered, values)
		chosen, buffers = mode, bufs
		if placed {
			allPlaced = true
			break
		}
	}
	_ = allPlaced

	if agent != nil && len(agent.Raw) > 0 {
		limit := maxAgentOptionLen
		cost := tlvCost(agent.Raw)
		if limit <= 0 || cost <= limit {
			for _, b := range buffers {
				if b.remaining() >= cost {
					b.writeOption(OptRelayAgentInformation, agent.Raw)
					break
				}
			}
		}
	}

	plan := ReplyPlan{Overload: chosen.bit}
	mainData := buffers[0].data
	if chosen.bit != 0 {
		mainData = append([]byte{byte(OptOptionOverload), 1, chosen.bit}, mainData...)
	}
	plan.Options = append(append([]byte(nil), mainData...), byte(OptEnd))

	idx := 1
	if chosen.fileUsed {
		plan.File = append(append([]byte(nil), buffers[idx].data...), byte(OptEnd))
		idx++
	}
	if chosen.snameUsed {
		plan.SName = append(append([]byte(nil), buffers[idx].data...), byte(OptEnd))
	}
	return plan
}

// packGreedy places each code's value into the first buffer with enough
// remaining room, in priority order, and reports whether every code was
// placed. Lower-priority codes near the end of the list are the ones
// silently dropped when space runs out, since the list is already ordered
// highest-priority first.
func packGreedy(buffers []*replyBuffer, codes []OptionCode, values map[OptionCode][]byte) bool {
	allPlaced := true
	for _, code := range codes {
		v := values[code]
		cost := tlvCost(v)
		placed := false
		for _, b := range buffers {
			if b.remaining() >= cost {
				b.writeOption(code, v)
				placed = true
				break
			}
		}
		if !placed {
			allPlaced = false
		}
	}
	return allPlaced
}
