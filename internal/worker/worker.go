package worker

// Worker runs jobs handed to it over its private channel. A nil job stops it.
type Worker struct {
	pool       *jobChannelPool
	handle     func(*Job)
	jobChannel chan *Job
}

func newWorker(pool *jobChannelPool, handle func(*Job)) *Worker {
	return &Worker{
		pool:       pool,
		handle:     handle,
		jobChannel: make(chan *Job),
	}
}

func (w *Worker) start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for job := range w.jobChannel {
			if job == nil {
				return
			}
			w.handle(job)
			if !w.pool.release(w.jobChannel) {
				return
			}
		}
	}()
}
