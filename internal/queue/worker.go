package queue

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// Generator produces audio for one segment
type Generator interface {
	Generate(ctx context.Context, seg types.TextSegment, voice string, speed float64) (*types.AudioResource, error)
}

// WorkerPool runs generation jobs on a fixed set of goroutines
type WorkerPool struct {
	jobQueue    chan *Job
	workerCount int
	generator   Generator
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount, queueSize int, generator Generator) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &WorkerPool{
		jobQueue:    make(chan *Job, queueSize),
		workerCount: workerCount,
		generator:   generator,
	}
}

// Start initializes all workers
func (wp *WorkerPool) Start() {
	log.Printf("Starting generation pool with %d workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains the queue and waits for running jobs to finish
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobQueue)
	})
	wp.wg.Wait()
}

// TryEnqueue adds a job without blocking. It returns false when the queue is full.
func (wp *WorkerPool) TryEnqueue(job *Job) bool {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	job.CreatedAt = time.Now()

	select {
	case wp.jobQueue <- job:
		return true
	default:
		log.Printf("Generation queue full, dropping job %s (segment %d)", job.ID, job.Segment.Index)
		return false
	}
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		wp.processJob(id, job)
	}
}

func (wp *WorkerPool) processJob(workerID int, job *Job) {
	var (
		res *types.AudioResource
		err error
	)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %d: PANIC processing job %s: %v\n%s",
				workerID, job.ID, r, string(debug.Stack()))
			res, err = nil, fmt.Errorf("worker panic: %v", r)
		}
		if job.Report != nil {
			job.Report(res, err)
		}
	}()

	if ctxErr := job.Ctx.Err(); ctxErr != nil {
		err = ctxErr
		return
	}

	start := time.Now()
	res, err = wp.generator.Generate(job.Ctx, job.Segment, job.Voice, job.Speed)
	if err != nil {
		log.Printf("Worker %d: segment %d of session %s failed: %v", workerID, job.Segment.Index, job.SessionID, err)
		return
	}

	log.Printf("Worker %d: segment %d of session %s ready in %s (%dKB, cached: %v)",
		workerID, job.Segment.Index, job.SessionID, time.Since(start).Round(time.Millisecond),
		res.SizeBytes/1024, res.Cached)
}
