package json

// Per-node overheads for EstimateSize. These approximate the heap cost
// of a value tree: every node pays for its Value struct; containers pay
// for their backing storage; strings pay their byte length. Numbers and
// booleans are covered by the node overhead alone.
const (
	nodeOverhead  = 64
	entryOverhead = 48
	elemOverhead  = 8
)

// EstimateSize walks a value tree and returns an estimate of the bytes
// it occupies in memory. The object store cache uses this to keep its
// total footprint under the configured budget.
func EstimateSize(v *Value) int {
	if v == nil {
		return 0
	}
	size := nodeOverhead
	switch v.kind {
	case KindString:
		size += len(v.str)
	case KindArray:
		size += elemOverhead * len(v.array)
		for _, e := range v.array {
			size += EstimateSize(e)
		}
	case KindObject:
		for _, k := range v.object.keys {
			size += entryOverhead + len(k)
			size += EstimateSize(v.object.values[k])
		}
	}
	return size
}
