package scheduler

import "github.com/JakeFAU/harvester/internal/crawler"

type item struct {
	job   crawler.CrawlJob
	seq   uint64
	index int
}

// readyQueue orders by priority descending, then enqueue time, then insertion order.
type readyQueue []*item

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.EnqueuedAt.Equal(b.job.EnqueuedAt) {
		return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// delayQueue orders retries by the time they become eligible.
type delayQueue []*item

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if !q[i].job.NotBefore.Equal(q[j].job.NotBefore) {
		return q[i].job.NotBefore.Before(q[j].job.NotBefore)
	}
	return q[i].seq < q[j].seq
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}
