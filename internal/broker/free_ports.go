package broker

// freePorts is a min-heap of available ports.
// The lowest free port is always at index 0, which makes the allocation
// order deterministic and identical to a first-fit scan of an ascending pool.
type freePorts []int

func (h freePorts) Len() int           { return len(h) }
func (h freePorts) Less(i, j int) bool { return h[i] < h[j] }
func (h freePorts) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *freePorts) Push(x any) { *h = append(*h, x.(int)) }

func (h *freePorts) Pop() any {
	old := *h
	n := len(old)
	port := old[n-1]
	*h = old[:n-1]
	return port
}
