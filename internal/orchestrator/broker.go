package orchestrator

import "sync"

// subscriberBuffer is how far a log subscriber may fall behind before lines
// are dropped for it.
const subscriberBuffer = 64

// LogBroker fans a running job's worker output out to live subscribers. A
// job has an entry only while somebody is subscribed to it; output nobody is
// watching is only persisted.
//
// Close removes the job's entry. A subscriber that arrives after the job
// finished gets an open channel that never receives, so callers check the
// job's status after subscribing.
type LogBroker struct {
	mu   sync.Mutex
	jobs map[string]*jobStream
}

type jobStream struct {
	subs map[int]chan string
	next int
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{jobs: make(map[string]*jobStream)}
}

// Subscribe returns a channel receiving jobID's log lines and a func that
// unsubscribes. The channel is closed when the job finishes.
func (b *LogBroker) Subscribe(jobID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobStream{subs: make(map[int]chan string)}
		b.jobs[jobID] = js
	}
	id := js.next
	js.next++
	ch := make(chan string, subscriberBuffer)
	js.subs[id] = ch
	logSubscribers.Inc()

	return ch, func() { b.unsubscribe(jobID, js, id) }
}

func (b *LogBroker) unsubscribe(jobID string, js *jobStream, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := js.subs[id]; !ok {
		return
	}
	delete(js.subs, id)
	logSubscribers.Dec()
	if len(js.subs) == 0 && b.jobs[jobID] == js {
		delete(b.jobs, jobID)
	}
}

// Publish hands line to every subscriber of jobID. A subscriber whose buffer
// is full misses it.
func (b *LogBroker) Publish(jobID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for _, ch := range js.subs {
		select {
		case ch <- line:
		default:
			logLinesDroppedTotal.Inc()
		}
	}
}

// Close ends jobID's stream: subscriber channels are closed and the entry is
// removed.
func (b *LogBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	delete(b.jobs, jobID)
	for id, ch := range js.subs {
		close(ch)
		delete(js.subs, id)
		logSubscribers.Dec()
	}
}

// streams is the number of jobs with at least one subscriber.
func (b *LogBroker) streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}
