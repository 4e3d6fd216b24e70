// Package fanout broadcasts frames to every connection attached to one document.
package fanout

import (
	"sync/atomic"
)

// Frame is one encoded message published on behalf of Origin. Origin never
// receives its own frame; an empty Origin reaches every subscriber.
type Frame struct {
	Origin string
	Data   []byte
}

type subscribeReq struct {
	id string
	ch chan []byte
}

// Broker fans frames out to subscribers in publish order.
//
// Concurrency model: a single internal event loop (goroutine) owns the
// subscriber set. Public methods communicate with this loop through channels,
// so no mutexes are required. Frames are taken from one FIFO channel, which
// preserves the order in which the owning session published them.
//
// A subscriber whose queue is full is dropped: its channel is closed and it
// receives nothing further. Slow peers therefore never stall a broadcast.
type Broker struct {
	queueSize int
	onDrop    func(id string)

	subscribeCh   chan subscribeReq
	unsubscribeCh chan string
	publishCh     chan Frame
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker whose subscribers buffer up to queueSize frames.
// onDrop, if non-nil, is called from the event loop when a subscriber is
// dropped for overflowing.
func NewBroker(queueSize int, onDrop func(id string)) *Broker {
	if queueSize <= 0 {
		queueSize = 256
	}

	b := &Broker{
		queueSize:     queueSize,
		onDrop:        onDrop,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan string),
		publishCh:     make(chan Frame, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[string]chan []byte)

	for {
		select {
		case <-b.stopCh:
			for _, ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			if old, ok := clients[req.id]; ok {
				close(old)
			}
			clients[req.id] = req.ch

		case id := <-b.unsubscribeCh:
			if ch, ok := clients[id]; ok {
				delete(clients, id)
				close(ch)
			}

		case f := <-b.publishCh:
			for id, ch := range clients {
				if id == f.Origin {
					continue
				}
				select {
				case ch <- f.Data:
				default:
					delete(clients, id)
					close(ch)
					if b.onDrop != nil {
						b.onDrop(id)
					}
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the event loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers id and returns its outbound queue. The channel is
// closed on Unsubscribe, on overflow, or when the broker closes.
func (b *Broker) Subscribe(id string) <-chan []byte {
	ch := make(chan []byte, b.queueSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscribeReq{id: id, ch: ch}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes id and closes its channel.
func (b *Broker) Unsubscribe(id string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- id:
	case <-b.stopped:
	}
}

// ClientCount returns the number of subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues f for delivery to every subscriber except f.Origin.
func (b *Broker) Publish(f Frame) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- f:
	case <-b.stopped:
	}
}
