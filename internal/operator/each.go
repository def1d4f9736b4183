package operator

import (
	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/model"
)

// SpliceEachFanout implements §4.8's "each fan-out": when one or more
// inputs are declared Each, an upstream stage (cap=1 per channel) reads one
// tuple from every input, takes the cartesian product of the Each-kind
// inputs, and for every combination emits a downstream tuple with the Each
// positions replaced by a single element — so the returned channels always
// carry one value per position, never a collection. With no Each kind
// among the inputs, every tuple is forwarded unchanged onto the new channels.
func SpliceEachFanout(inputs []*model.InParam) []*dataflow.Channel {
	eachIdx := eachPositions(inputs)
	out := make([]*dataflow.Channel, len(inputs))
	for i := range inputs {
		out[i] = dataflow.NewChannel(1)
	}

	if len(eachIdx) == 0 {
		// No fan-out needed: just forward every tuple through 1:1.
		go forwardTuples(inputs, out)
		return out
	}

	go func() {
		in := channelsOf(inputs)
		for {
			tup := dataflow.ReadTuple(in)
			if tup.Poison {
				for _, c := range out {
					c.SendPoison()
				}
				return
			}
			for _, combo := range cartesianProduct(tup.Values, eachIdx) {
				for i, c := range out {
					c.Send(combo[i])
				}
			}
		}
	}()
	return out
}

func forwardTuples(inputs []*model.InParam, out []*dataflow.Channel) {
	in := channelsOf(inputs)
	for {
		tup := dataflow.ReadTuple(in)
		if tup.Poison {
			for _, c := range out {
				c.SendPoison()
			}
			return
		}
		for i, c := range out {
			c.Send(tup.Values[i])
		}
	}
}

// HasEach reports whether any input is declared Each, i.e. whether the
// caller needs SpliceEachFanout at all.
func HasEach(inputs []*model.InParam) bool {
	return len(eachPositions(inputs)) > 0
}

func eachPositions(inputs []*model.InParam) []int {
	var idx []int
	for i, p := range inputs {
		if p.Kind == model.KindEach {
			idx = append(idx, i)
		}
	}
	return idx
}

func channelsOf(inputs []*model.InParam) []*dataflow.Channel {
	out := make([]*dataflow.Channel, len(inputs))
	for i, p := range inputs {
		out[i] = p.Channel
	}
	return out
}

// cartesianProduct expands values at eachIdx positions (each expected to
// hold a []interface{}) into every combination, preserving all other
// positions unchanged, in declared order.
func cartesianProduct(values []interface{}, eachIdx []int) [][]interface{} {
	if len(eachIdx) == 0 {
		return [][]interface{}{values}
	}

	lists := make([][]interface{}, len(eachIdx))
	for i, idx := range eachIdx {
		lists[i] = toSlice(values[idx])
	}

	var combos [][]interface{}
	var build func(pos int, current []interface{})
	build = func(pos int, current []interface{}) {
		if pos == len(eachIdx) {
			combo := make([]interface{}, len(values))
			copy(combo, values)
			for i, idx := range eachIdx {
				combo[idx] = current[i]
			}
			combos = append(combos, combo)
			return
		}
		for _, v := range lists[pos] {
			build(pos+1, append(current, v))
		}
	}
	build(0, make([]interface{}, 0, len(eachIdx)))
	return combos
}

func toSlice(v interface{}) []interface{} {
	switch val := v.(type) {
	case []interface{}:
		return val
	case nil:
		return nil
	default:
		return []interface{}{val}
	}
}
