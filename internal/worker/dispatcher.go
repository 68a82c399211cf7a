package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"memorychat/internal/observability"

	log "github.com/sirupsen/logrus"
)

type chatQueue struct {
	jobs     []*Job
	enqueued bool // waiting in the ready list
	running  bool // a job of this chat has not made its turns durable yet
}

// Options tune the dispatcher.
type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// JobTimeout bounds one job including retries and embeddings.
	JobTimeout time.Duration
	Metrics    *observability.Metrics
}

// Dispatcher schedules persistence jobs. Jobs of one chat run strictly one
// after another in submission order; chats take turns fairly, and different
// chats proceed concurrently on the worker pool.
type Dispatcher struct {
	pool      *jobChannelPool
	jobQueue  chan *Job
	persister *Persister
	metrics   *observability.Metrics
	timeout   time.Duration

	mu        sync.Mutex
	queues    map[int64]*chatQueue
	ready     *list.List // round-robin order of chats with runnable jobs
	positions map[int64]*list.Element
	pending   map[int64]int // jobs per chat whose turns are not durable yet
	waiters   map[int64]chan struct{}
	closed    bool

	inflight sync.WaitGroup
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
}

func NewDispatcher(persister *Persister, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	d := &Dispatcher{
		jobQueue:  make(chan *Job, opts.QueueSize),
		persister: persister,
		metrics:   opts.Metrics,
		timeout:   opts.JobTimeout,
		queues:    make(map[int64]*chatQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pending:   make(map[int64]int),
		waiters:   make(map[int64]chan struct{}),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, d.process)
	d.pool.warm(opts.MinWorkers)

	go d.run()
	return d
}

// Submit hands a job to the background. It never blocks: when the queue is
// full the job is dropped and ErrQueueFull returned.
func (d *Dispatcher) Submit(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	r, err := d.Reserve(job.ChatID)
	if err != nil {
		return err
	}
	return r.Submit(job)
}

// Reservation holds a chat's persistence barrier for a job that is not
// submitted yet. Exactly one of Submit or Cancel takes effect.
type Reservation struct {
	d      *Dispatcher
	chatID int64
	once   sync.Once
}

// Reserve raises the barrier of chatID ahead of its job, so Wait already
// blocks for it.
func (d *Dispatcher) Reserve(chatID int64) (*Reservation, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.pending[chatID]++
	d.inflight.Add(1)
	d.mu.Unlock()
	d.metrics.PersistPending(1)
	return &Reservation{d: d, chatID: chatID}, nil
}

var errReservationUsed = errors.New("reservation already used")

func (r *Reservation) Submit(job Job) error {
	err := errReservationUsed
	r.once.Do(func() {
		err = r.d.enqueue(r.chatID, job)
	})
	return err
}

// Cancel gives the reservation back without persisting anything.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		r.d.abandon(r.chatID)
	})
}

func (d *Dispatcher) enqueue(chatID int64, job Job) error {
	if err := job.validate(); err != nil {
		d.abandon(chatID)
		return err
	}
	if job.ChatID != chatID {
		d.abandon(chatID)
		return errors.New("job does not match reserved chat")
	}
	select {
	case d.jobQueue <- &job:
		return nil
	default:
		d.abandon(chatID)
		d.metrics.PersistJob("dropped")
		log.WithFields(log.Fields{"chat_id": job.ChatID, "user_id": job.UserID}).
			WithError(ErrQueueFull).Error("persistence job dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) abandon(chatID int64) {
	d.markDurable(chatID, false)
	d.inflight.Done()
}

// Wait blocks until every job submitted so far for chatID has made its turns
// durable, or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, chatID int64) error {
	d.mu.Lock()
	if d.pending[chatID] == 0 {
		d.mu.Unlock()
		return nil
	}
	ch, ok := d.waiters[chatID]
	if !ok {
		ch = make(chan struct{})
		d.waiters[chatID] = ch
	}
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many jobs of chatID are not durable yet.
func (d *Dispatcher) Pending(chatID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[chatID]
}

// Shutdown stops accepting jobs and waits for accepted ones to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(d.quit)
	select {
	case <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.pool.close()
	return err
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		if d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.ChatID]
	if q == nil {
		q = &chatQueue{}
		d.queues[job.ChatID] = q
	}
	q.jobs = append(q.jobs, job)
	d.scheduleLocked(job.ChatID, q)
}

// scheduleLocked puts the chat at the back of the ready list if it has
// runnable work.
func (d *Dispatcher) scheduleLocked(chatID int64, q *chatQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[chatID] = d.ready.PushBack(chatID)
}

// dispatchOne hands the head job of the first ready chat to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	chatID := elem.Value.(int64)
	d.ready.Remove(elem)
	delete(d.positions, chatID)
	q := d.queues[chatID]
	q.enqueued = false
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	log.WithField("chat_id", chatID).Debug("dispatching persistence job")
	workerChan <- job
	return true
}

func (d *Dispatcher) process(job *Job) {
	defer d.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var once sync.Once
	durable := func() {
		once.Do(func() { d.markDurable(job.ChatID, true) })
	}
	defer durable()

	logger := log.WithFields(log.Fields{"chat_id": job.ChatID, "user_id": job.UserID})
	err := d.persister.Persist(ctx, job, durable)
	switch {
	case err == nil:
		d.metrics.PersistJob("ok")
	case errors.Is(err, ErrPersistenceFailed):
		d.metrics.PersistJob("failed")
		logger.WithError(err).Error("persistence job failed")
	default:
		d.metrics.PersistJob("failed")
		logger.WithError(err).Error("persistence job failed unexpectedly")
	}
}

// markDurable releases the chat's barrier for one job. ran tells whether the
// job was dispatched and therefore holds the chat's running slot.
func (d *Dispatcher) markDurable(chatID int64, ran bool) {
	d.mu.Lock()
	if ran {
		if q := d.queues[chatID]; q != nil {
			q.running = false
			if len(q.jobs) == 0 && !q.enqueued {
				delete(d.queues, chatID)
			} else {
				d.scheduleLocked(chatID, q)
			}
		}
	}
	if n := d.pending[chatID] - 1; n > 0 {
		d.pending[chatID] = n
	} else {
		delete(d.pending, chatID)
		if ch, ok := d.waiters[chatID]; ok {
			close(ch)
			delete(d.waiters, chatID)
		}
	}
	d.mu.Unlock()
	d.metrics.PersistPending(-1)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
