package copyqueue

import (
	"sync"
	"sync/atomic"
)

// Mode is one of the four SSD execution shapes from spec.md section 4.8.
type Mode int

const (
	ModeSequential Mode = iota
	ModeParallel
	ModeBalanced
	ModeGodSpeed
)

// SubmitRequest is one source's partitioned file set, already split by the
// sync decider into small/large queues appropriate to Mode.
type SubmitRequest struct {
	SourceID uint32
	Small    []FileJob
	Large    []FileJob
}

type sourceStatus struct {
	smallRemaining int64
	largeRemaining int64
	smallDone      bool
	largeDone      bool
	failed         int32
}

type smallJob struct {
	sourceID uint32
	job      FileJob
}

// SSDQueue implements the four SSD copy modes: a small-file pool, a
// single-file-at-a-time large-file serializer, and (GodSpeed) per-source
// nested pools, per spec.md section 4.8.
type SSDQueue struct {
	mode   Mode
	copier FileCopier

	smallPoolSize int
	godSpeedOuter int
	godSpeedInner int

	onSourceComplete func(sourceID uint32, ok bool)

	mu             sync.Mutex
	cond           *sync.Cond
	statuses       map[uint32]*sourceStatus
	pendingSources int
	allSubmitted   bool

	smallWork   chan smallJob
	largeWork   chan smallJob
	godSpeedSem chan struct{}

	wg sync.WaitGroup
}

// NewSSDQueue builds an SSD queue for mode. smallPoolSize backs Parallel and
// Balanced's small-file pool (ParallelFilesPerSourceCount in spec.md section
// 6); godSpeedOuter/godSpeedInner back GodSpeed's nested pools
// (GodSpeedParallelSourcesCount / GodSpeedParallelFilesPerSourcesCount).
func NewSSDQueue(mode Mode, c FileCopier, smallPoolSize, godSpeedOuter, godSpeedInner int, onSourceComplete func(sourceID uint32, ok bool)) *SSDQueue {
	if smallPoolSize < 1 {
		smallPoolSize = 1
	}
	if godSpeedOuter < 1 {
		godSpeedOuter = 1
	}
	if godSpeedInner < 1 {
		godSpeedInner = 1
	}
	q := &SSDQueue{
		mode:             mode,
		copier:           c,
		smallPoolSize:    smallPoolSize,
		godSpeedOuter:    godSpeedOuter,
		godSpeedInner:    godSpeedInner,
		onSourceComplete: onSourceComplete,
		statuses:         make(map[uint32]*sourceStatus),
		smallWork:        make(chan smallJob),
		largeWork:        make(chan smallJob),
		godSpeedSem:      make(chan struct{}, godSpeedOuter),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the fixed worker pools. GodSpeed creates its per-source
// inner pools lazily on Submit instead (spec.md section 9's note on lazy
// per-source pool creation under contention).
func (q *SSDQueue) Start() {
	if q.mode != ModeGodSpeed {
		for i := 0; i < q.smallPoolSize; i++ {
			q.wg.Add(1)
			go q.smallWorker()
		}
	}
	q.wg.Add(1)
	go q.largeWorker()
}

func (q *SSDQueue) smallWorker() {
	defer q.wg.Done()
	for job := range q.smallWork {
		q.runJob(job, false)
	}
}

func (q *SSDQueue) largeWorker() {
	defer q.wg.Done()
	for job := range q.largeWork {
		q.runJob(job, true)
	}
}

func (q *SSDQueue) runJob(j smallJob, isLarge bool) {
	ok := q.copier.CopyOne(j.job.SrcAbsPath, j.job.DestAbsPath)

	q.mu.Lock()
	st := q.statuses[j.sourceID]
	q.mu.Unlock()

	if !ok {
		atomic.StoreInt32(&st.failed, 1)
	}

	q.completeOne(j.sourceID, st, isLarge)
}

func (q *SSDQueue) completeOne(sourceID uint32, st *sourceStatus, isLarge bool) {
	q.mu.Lock()
	if isLarge {
		st.largeRemaining--
		if st.largeRemaining <= 0 {
			st.largeDone = true
		}
	} else {
		st.smallRemaining--
		if st.smallRemaining <= 0 {
			st.smallDone = true
		}
	}
	finished := st.smallDone && st.largeDone
	if finished {
		delete(q.statuses, sourceID)
		q.pendingSources--
	}
	allDone := q.allSubmitted && q.pendingSources == 0
	q.mu.Unlock()

	if finished {
		q.onSourceComplete(sourceID, atomic.LoadInt32(&st.failed) == 0)
	}
	if allDone {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Submit enqueues one source's partitioned file set.
func (q *SSDQueue) Submit(req SubmitRequest) {
	st := &sourceStatus{
		smallRemaining: int64(len(req.Small)),
		largeRemaining: int64(len(req.Large)),
		smallDone:      len(req.Small) == 0,
		largeDone:      len(req.Large) == 0,
	}

	q.mu.Lock()
	alreadyDone := st.smallDone && st.largeDone
	if !alreadyDone {
		q.statuses[req.SourceID] = st
		q.pendingSources++
	}
	q.mu.Unlock()

	if alreadyDone {
		q.onSourceComplete(req.SourceID, true)
		return
	}

	if q.mode == ModeGodSpeed {
		go q.runGodSpeedSource(req, st)
		return
	}

	for _, job := range req.Large {
		q.largeWork <- smallJob{sourceID: req.SourceID, job: job}
	}
	for _, job := range req.Small {
		q.smallWork <- smallJob{sourceID: req.SourceID, job: job}
	}
}

// runGodSpeedSource implements GodSpeed's outer pool (by source), each
// holding an inner pool (by file) of its own.
func (q *SSDQueue) runGodSpeedSource(req SubmitRequest, st *sourceStatus) {
	q.godSpeedSem <- struct{}{}
	defer func() { <-q.godSpeedSem }()

	inner := make(chan struct{}, q.godSpeedInner)
	var innerWG sync.WaitGroup
	for _, job := range req.Small {
		inner <- struct{}{}
		innerWG.Add(1)
		go func(job FileJob) {
			defer innerWG.Done()
			defer func() { <-inner }()
			q.runJob(smallJob{sourceID: req.SourceID, job: job}, false)
		}(job)
	}
	innerWG.Wait()
}

// AllSubmitted signals that no more sources will be submitted this run.
func (q *SSDQueue) AllSubmitted() {
	q.mu.Lock()
	q.allSubmitted = true
	done := q.pendingSources == 0
	q.mu.Unlock()
	if done {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Wait blocks until every submitted source has completed and AllSubmitted has
// been called.
func (q *SSDQueue) Wait() {
	q.mu.Lock()
	for !(q.allSubmitted && q.pendingSources == 0) {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Stop closes the worker channels and joins every goroutine. Pending
// already-dispatched jobs are allowed to finish (best-effort); there is no
// fine-grained cancellation of individual file copies.
func (q *SSDQueue) Stop() {
	close(q.smallWork)
	close(q.largeWork)
	q.wg.Wait()
}
