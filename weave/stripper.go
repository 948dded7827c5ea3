package weave

import (
	"fmt"
)

// StripZones removes zone instrumentation from the method, both the structured layout produced by
// InjectZone and manually written zones. The remaining direct uses of zone objects are neutralized. It
// returns false and leaves the body untouched when no probe calls are present.
func StripZones(m *MethodDef, probes *ProbeRefs) (bool, error) {
	body := m.Body
	if body == nil {
		return false, nil
	} else if !probes.ReferencesProbes(body) {
		return false, nil
	}

	var changed bool
	for i := 0; i < body.Len(); {
		ins := body.At(i)
		if !ins.OpCode.IsCall() || !sameMember(ins.Member, probes.Begin) {
			i++
			continue
		}
		start, err := removeZone(body, i, probes)
		if err != nil {
			return changed, fmt.Errorf("zone begin at %d: %w", i, err)
		}
		changed = true
		i = start
	}

	if neutralizeProbeCalls(body, probes) {
		changed = true
	}
	if changed {
		body.OptimizeBranches()
	}
	return changed, nil
}

// removeZone deletes the begin span of the zone opened at index ci and, when a finally region starting right
// after the handle store closes the zone, unwraps that region. It returns the index where scanning resumes.
func removeZone(body *MethodBody, ci int, probes *ProbeRefs) (int, error) {
	call := body.At(ci)
	start, err := body.ArgumentSpanStart(ci, call.Member.StackArgs())
	if err != nil {
		return 0, err
	}
	end := ci + 1
	next := body.At(end)
	var slot int
	var stored bool
	if next == nil {
		return 0, fmt.Errorf("%w: zone handle is discarded by control flow", ErrUnexpectedShape)
	} else if slot, stored = storedSlot(next); stored || next.OpCode == OpPop {
		end++
	} else {
		return 0, fmt.Errorf("%w: zone handle consumed by %s", ErrUnexpectedShape, next.OpCode)
	}
	if body.IsLabelTarget(next) {
		return 0, fmt.Errorf("%w: branch target inside zone begin", ErrUnexpectedShape)
	}

	var region *Region
	if after := body.At(end); after != nil && stored {
		region = zoneFinally(body, after, slot, probes.End, probes.Dispose)
	}
	body.RemoveRange(start, end)
	if region == nil {
		return start, nil
	}

	ts, te := body.Resolve(region.TryStart), body.Resolve(region.TryEnd)
	for k := ts; k < te; k++ {
		ins := body.At(k)
		if !ins.OpCode.IsLeave() || body.inOtherRegion(k, region) {
			continue
		}
		if t := body.Resolve(ins.Target); t >= ts && t < te {
			continue
		}
		if ins.OpCode == OpLeaveS {
			ins.OpCode = OpBrS
		} else {
			ins.OpCode = OpBr
		}
	}
	hs, he := body.Resolve(region.HandlerStart), body.Resolve(region.HandlerEnd)
	body.RemoveRegion(region)
	body.RemoveRange(hs, he)
	return start, nil
}

// neutralizer describes how a call to a zone member is removed: the number of stack values consumed and
// whether a false constant replaces the result.
type neutralizer struct {
	args      int
	pushFalse bool
}

func neutralizers(probes *ProbeRefs) map[string]neutralizer {
	table := make(map[string]neutralizer)
	for _, m := range []*MemberRef{probes.SetText, probes.SetValue, probes.SetName, probes.SetColor, probes.End, probes.Dispose} {
		table[m.Key()] = neutralizer{args: m.StackArgs()}
	}
	table[probes.Active.Key()] = neutralizer{args: probes.Active.StackArgs(), pushFalse: true}
	return table
}

// neutralizeProbeCalls replaces calls to zone members outside a begin span. Simple argument loads are
// deleted together with the call, otherwise the call becomes a sequence of pops.
func neutralizeProbeCalls(body *MethodBody, probes *ProbeRefs) bool {
	table := neutralizers(probes)
	var changed bool
	for i := 0; i < body.Len(); i++ {
		ins := body.At(i)
		if !ins.OpCode.IsCall() || ins.Member == nil {
			continue
		}
		n, ok := table[ins.Member.Key()]
		if !ok {
			continue
		}
		changed = true

		if i >= n.args && simpleArgs(body, i, n.args) {
			start := i - n.args
			if n.pushFalse {
				ins.set(LdcI4(0))
				body.RemoveRange(start, i)
			} else {
				body.RemoveRange(start, i+1)
			}
			i = start - 1
			continue
		}

		ins.set(Pop())
		extra := make([]*Instruction, 0, n.args)
		for k := 1; k < n.args; k++ {
			extra = append(extra, Pop())
		}
		if n.pushFalse {
			extra = append(extra, LdcI4(0))
		}
		if len(extra) > 0 {
			_ = body.InsertAfter(ins, extra...)
			i += len(extra)
		}
	}
	return changed
}

// simpleArgs reports if the n instructions before index i each push one operand without side effects and
// no branch lands between them and the call.
func simpleArgs(body *MethodBody, i, n int) bool {
	for k := i - n; k < i; k++ {
		if !body.At(k).isSimplePush() {
			return false
		} else if k > i-n && body.IsLabelTarget(body.At(k)) {
			return false
		}
	}
	return !body.IsLabelTarget(body.At(i)) || n == 0
}
