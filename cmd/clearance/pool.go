package main

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venzell/clearance"
)

// TokenResult is one URL's outcome: the clearance cookie string plus the
// user agent it must be replayed with, or the error that stopped it.
type TokenResult struct {
	URL          string
	CookieString string
	UserAgent    string
	Err          error
}

// tokenPool fans URLs out to workers, each owning one isolated session so
// identities never bleed across targets.
type tokenPool struct {
	workerCount  int
	cfg          clearance.Config
	staggerDelay time.Duration
	logger       *log.Logger

	workChan    chan string
	resultsChan chan TokenResult
	wg          sync.WaitGroup
}

func newTokenPool(workerCount int, cfg clearance.Config, staggerDelay time.Duration, logger *log.Logger) *tokenPool {
	return &tokenPool{
		workerCount:  workerCount,
		cfg:          cfg,
		staggerDelay: staggerDelay,
		logger:       logger,
		workChan:     make(chan string, workerCount*2),
		resultsChan:  make(chan TokenResult, workerCount*2),
	}
}

func (p *tokenPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, uuid.NewString()[:8])

		if p.staggerDelay > 0 && i < p.workerCount-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.staggerDelay):
			}
		}
	}

	go func() {
		p.wg.Wait()
		close(p.resultsChan)
	}()
}

func (p *tokenPool) runWorker(ctx context.Context, id string) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case rawURL, ok := <-p.workChan:
			if !ok {
				return
			}

			p.logger.Printf("[%s] Resolving: %s", id, rawURL)
			cookieStr, userAgent, err := clearance.GetCookieString(ctx, rawURL, p.cfg)
			result := TokenResult{URL: rawURL, CookieString: cookieStr, UserAgent: userAgent, Err: err}
			if err != nil {
				p.logger.Printf("[%s] Failed: %s", id, summarize(err))
			}

			select {
			case p.resultsChan <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit queues one URL. Blocks when all workers are busy and the buffer is
// full.
func (p *tokenPool) Submit(rawURL string) {
	p.workChan <- rawURL
}

// CloseInput signals that no more URLs will be submitted.
func (p *tokenPool) CloseInput() {
	close(p.workChan)
}

// Results returns the outcome channel; closed after CloseInput once all
// workers drain.
func (p *tokenPool) Results() <-chan TokenResult {
	return p.resultsChan
}

// Wait blocks until all workers have exited.
func (p *tokenPool) Wait() {
	p.wg.Wait()
}

// WorkerCount returns the configured pool size.
func (p *tokenPool) WorkerCount() int {
	return p.workerCount
}

// summarize trims multi-line solver errors to their first line for the
// worker log.
func summarize(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
