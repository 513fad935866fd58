// Package pool runs a set of supervised benchmark executions across a
// bounded number of parallel workers, each pinned to its own core
// bundle, draining in-flight runs cleanly on SIGINT/SIGTERM/SIGQUIT.
package pool

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/supervisor"
)

var log = logger.NewLogger("pool")

// drainTimeout bounds how long Run waits for in-flight supervisors to
// finish after a stop signal before giving up on a graceful drain.
const drainTimeout = 2 * time.Minute

// Pool dispatches RunRequests, one per bundle slot, to a fixed number of
// worker goroutines.
type Pool struct {
	workers int
	stop    atomic.Bool
}

// New creates a pool with one worker per bundle.
func New(workers int) *Pool {
	return &Pool{workers: workers}
}

// Run dispatches reqs (already paired one-to-one with a core bundle via
// req.Cores) across the pool's workers in FIFO order and returns their
// results in dispatch order. If a run fails during container setup, the
// pool stops dispatching and Run returns that first setup error; otherwise
// it returns rberrors.InterruptedError if a stop signal cut the run short.
// Either way the results that had already completed are returned too.
func (p *Pool) Run(reqs []supervisor.RunRequest) ([]supervisor.RunResult, error) {
	stopSignal := p.installSignalHandler()
	defer signal.Stop(stopSignal)

	queue := make(chan indexedRequest, len(reqs))
	for i, r := range reqs {
		queue <- indexedRequest{index: i, req: r}
	}
	close(queue)

	results := make([]supervisor.RunResult, len(reqs))
	completed := make([]bool, len(reqs))
	var mu sync.Mutex
	var setupErr error // first container-setup failure, guarded by mu

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				if p.stop.Load() {
					continue
				}
				res, err := supervisor.Run(item.req)
				if err != nil {
					log.Error("run %s failed during container setup: %v", item.req.ID, err)
					p.stop.Store(true)
				}
				mu.Lock()
				if err != nil && setupErr == nil {
					setupErr = err
				}
				results[item.index] = res
				completed[item.index] = true
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn("drain timeout exceeded, abandoning %d in-flight run(s)", p.workers)
	}

	mu.Lock()
	firstSetupErr := setupErr
	mu.Unlock()
	if firstSetupErr != nil {
		return results, firstSetupErr
	}
	if p.stop.Load() {
		return results, &rberrors.InterruptedError{Signal: "pool stopped"}
	}
	return results, nil
}

type indexedRequest struct {
	index int
	req   supervisor.RunRequest
}

// installSignalHandler arms a single handler goroutine that flips the
// pool's atomic stop flag on SIGINT/SIGTERM/SIGQUIT; workers poll the
// flag between runs, never inside a signal handler itself.
func (p *Pool) installSignalHandler() chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s, ok := <-sig
		if !ok {
			return
		}
		log.Info("received %s, stopping after in-flight runs complete", s)
		p.stop.Store(true)
	}()
	return sig
}

// Stop requests the pool halt as soon as each worker finishes its
// current run, equivalent to receiving a stop signal.
func (p *Pool) Stop() {
	p.stop.Store(true)
}
