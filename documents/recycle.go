package documents

// recycleSnapshots compares newData/newFP against prevData/prevFP node by
// node and, wherever a subtree's fingerprint is unchanged, substitutes the
// previous subtree's identity for the new one. This is what lets a caller
// diff two materialize results by pointer identity instead of deep-equal.
func recycleSnapshots(prevData, newData map[string]any, prevFP, newFP map[string]any) map[string]any {
	if prevData == nil || prevFP == nil {
		return newData
	}
	return recycleObject(prevData, newData, prevFP, newFP).(map[string]any)
}

func recycleObject(prev, next map[string]any, prevFP, nextFP map[string]any) any {
	if prevFP != nil && nextFP != nil {
		if fpEqual(prevFP["__version"], nextFP["__version"]) {
			return prev
		}
	}

	out := make(map[string]any, len(next))
	for k, v := range next {
		if k == "__version" {
			continue
		}
		out[k] = recycleValue(fieldOf(prev, k), v, fieldOfFP(prevFP, k), fieldOfFP(nextFP, k))
	}
	return out
}

func recycleValue(prev, next any, prevFP, nextFP any) any {
	switch nv := next.(type) {
	case map[string]any:
		pv, _ := prev.(map[string]any)
		pfp, _ := prevFP.(map[string]any)
		nfp, _ := nextFP.(map[string]any)
		if pv == nil {
			return nv
		}
		return recycleObject(pv, nv, pfp, nfp)

	case []any:
		pv, _ := prev.([]any)
		pfp, _ := prevFP.([]any)
		nfp, _ := nextFP.([]any)
		return recycleArray(pv, nv, pfp, nfp)

	default:
		if fpEqual(prevFP, nextFP) && prev != nil {
			return prev
		}
		return next
	}
}

// recycleArray recycles element-wise, and additionally recognizes pure
// append/prepend/shrink against the previous array (a new array that is
// exactly prev plus/minus elements at one end reuses every untouched
// element's identity even though the array's own slice header is new).
func recycleArray(prev, next []any, prevFP, nextFP []any) []any {
	if prev == nil {
		return next
	}

	out := make([]any, len(next))

	offset := matchingOffset(prevFP, nextFP)
	for i, v := range next {
		pi := i + offset
		if pi >= 0 && pi < len(prev) && pi < len(prevFP) && i < len(nextFP) {
			out[i] = recycleValue(prev[pi], v, prevFP[pi], nextFP[i])
			continue
		}
		out[i] = v
	}
	return out
}

// matchingOffset finds the shift between prevFP and nextFP consistent
// with a pure append/prepend: the offset o such that nextFP[i] tends to
// equal prevFP[i+o] for the overlapping region. Falls back to 0 (pure
// element-wise comparison) when no consistent shift is found.
func matchingOffset(prevFP, nextFP []any) int {
	candidates := []int{0}
	if len(nextFP) > len(prevFP) {
		candidates = append(candidates, -(len(nextFP) - len(prevFP)))
	}
	if len(prevFP) > len(nextFP) {
		candidates = append(candidates, len(prevFP)-len(nextFP))
	}

	best, bestScore := 0, -1
	for _, o := range candidates {
		score := 0
		for i := range nextFP {
			pi := i + o
			if pi >= 0 && pi < len(prevFP) && fpEqual(prevFP[pi], nextFP[i]) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = o, score
		}
	}
	return best
}

func fieldOf(m map[string]any, k string) any {
	if m == nil {
		return nil
	}
	return m[k]
}

func fieldOfFP(m map[string]any, k string) any {
	if m == nil {
		return nil
	}
	return m[k]
}

func fpEqual(a, b any) bool {
	if m, ok := a.(map[string]any); ok {
		a = m["__version"]
	}
	if m, ok := b.(map[string]any); ok {
		b = m["__version"]
	}
	au, aok := a.(uint64)
	bu, bok := b.(uint64)
	return aok && bok && au == bu
}
