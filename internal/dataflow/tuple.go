package dataflow

import "sync"

// TupleResult is the outcome of one rendezvous read across an operator's
// input channels: either one value per channel (in declared order), or a
// signal that the tuple cannot be completed because some channel poisoned
// or closed.
type TupleResult struct {
	Values []interface{}
	Poison bool
}

// ReadTuple performs one rendezvous read: it reads exactly one packet from
// every channel in order, concurrently, and joins the results into a single
// firing's input tuple. If any channel yields POISON_PILL or STOP, the
// whole tuple is reported as Poison so the caller can stop the operator;
// the packets read from the other channels in that round are consumed and
// discarded. This is the mechanism by which a
// ParallelProcessor or MergeProcessor's operator "reads one tuple from all
// inputs" per §4.8/§4.9.
func ReadTuple(channels []*Channel) TupleResult {
	type slot struct {
		pkt Packet
		ok  bool
	}
	slots := make([]slot, len(channels))

	var wg sync.WaitGroup
	wg.Add(len(channels))
	for i, c := range channels {
		i, c := i, c
		go func() {
			defer wg.Done()
			pkt, ok := c.Recv()
			slots[i] = slot{pkt, ok}
		}()
	}
	wg.Wait()

	values := make([]interface{}, len(channels))
	poisoned := false
	for i, s := range slots {
		if !s.ok || s.pkt.Poison {
			poisoned = true
			continue
		}
		values[i] = s.pkt.Value
	}
	if poisoned {
		return TupleResult{Poison: true}
	}
	return TupleResult{Values: values}
}
