package processor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"face-attendance-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// WorkerPool runs region jobs on a fixed set of goroutines.
type WorkerPool struct {
	processor       *RegionProcessor
	jobs            chan *regionJob
	workerCount     int
	activeJobs      int
	activeJobsMutex sync.Mutex
	wg              sync.WaitGroup
	shutdownOnce    sync.Once
}

type regionJob struct {
	ctx      context.Context
	frame    *models.Frame
	region   models.FaceRegion
	resultCh chan RegionResult // one result channel per job
}

// DefaultWorkerCount is 75% of the available CPUs, at least 2.
func DefaultWorkerCount() int {
	return max(2, (runtime.NumCPU()*3)/4)
}

// NewWorkerPool starts workerCount workers; a non-positive count uses
// DefaultWorkerCount.
func NewWorkerPool(processor *RegionProcessor, workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount()
	}
	log.Infof("Initializing region worker pool with %d workers", workerCount)

	pool := &WorkerPool{
		processor:   processor,
		jobs:        make(chan *regionJob, workerCount*2),
		workerCount: workerCount,
	}
	pool.startWorkers()
	return pool
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			log.Debugf("Worker %d started", workerID)

			for job := range p.jobs {
				p.activeJobsMutex.Lock()
				p.activeJobs++
				p.activeJobsMutex.Unlock()

				startTime := time.Now()
				result := p.processor.Process(job.ctx, job.frame, job.region)

				p.activeJobsMutex.Lock()
				p.activeJobs--
				p.activeJobsMutex.Unlock()

				job.resultCh <- result
				log.Debugf("Worker %d processed region of frame %d in %v", workerID, job.frame.Seq, time.Since(startTime))
			}
			log.Debugf("Worker %d shutting down", workerID)
		}(i)
	}
}

// ProcessRegions fans the regions of a frame out to the pool and returns the
// results in region order.
func (p *WorkerPool) ProcessRegions(ctx context.Context, frame *models.Frame, regions []models.FaceRegion) []RegionResult {
	pending := make([]chan RegionResult, len(regions))
	for i, region := range regions {
		ch := make(chan RegionResult, 1)
		pending[i] = ch
		p.jobs <- &regionJob{ctx: ctx, frame: frame, region: region, resultCh: ch}
	}

	results := make([]RegionResult, len(regions))
	for i, ch := range pending {
		results[i] = <-ch
	}
	return results
}

// ActiveJobCount returns the number of jobs currently running.
func (p *WorkerPool) ActiveJobCount() int {
	p.activeJobsMutex.Lock()
	defer p.activeJobsMutex.Unlock()
	return p.activeJobs
}

// GetWorkerCount returns the number of workers.
func (p *WorkerPool) GetWorkerCount() int {
	return p.workerCount
}

// GetQueueCapacity returns the job buffer size.
func (p *WorkerPool) GetQueueCapacity() int {
	return cap(p.jobs)
}

// Shutdown stops accepting jobs and waits for running ones. Callers must not
// submit after Shutdown.
func (p *WorkerPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
