package weave

// CompactLocals removes local slots no instruction references and renumbers the rest contiguously from
// zero in declaration order. Every local access is re-encoded with the most compact form for its new
// index. It returns the number of removed slots.
func CompactLocals(body *MethodBody) int {
	used := make([]bool, len(body.locals))
	for _, ins := range body.instrs {
		if idx, ok := ins.LocalIndex(); ok && idx >= 0 && idx < len(used) {
			used[idx] = true
		}
	}

	remap := make([]int, len(body.locals))
	kept := body.locals[:0:0]
	for i, l := range body.locals {
		if !used[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		l.Index = len(kept)
		kept = append(kept, l)
	}
	removed := len(body.locals) - len(kept)
	if removed == 0 {
		return 0
	}

	for _, ins := range body.instrs {
		if idx, ok := ins.LocalIndex(); ok && idx < len(remap) && remap[idx] >= 0 {
			ins.setLocalIndex(remap[idx])
		}
	}
	body.locals = kept
	body.OptimizeBranches()
	return removed
}
