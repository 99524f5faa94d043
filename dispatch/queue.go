package dispatch

import "container/heap"

// jobQueue is a max-heap on priority, ties broken by submission sequence.
// It implements heap.Interface and must be used through the heap package.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*Job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// removeWhere deletes every job matching pred and returns them.
func (q *jobQueue) removeWhere(pred func(*Job) bool) []*Job {
	var removed []*Job
	kept := (*q)[:0]
	for _, j := range *q {
		if pred(j) {
			j.index = -1
			removed = append(removed, j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, j := range *q {
		j.index = i
	}
	heap.Init(q)
	return removed
}
