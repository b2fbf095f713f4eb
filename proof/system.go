package proof

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

type Config struct {
	Backend         string
	MaxConcurrent   int
	CacheSize       int
	AttestationSeed string
}

func DefaultConfig() Config {
	return Config{Backend: BackendNoop, MaxConcurrent: 10, CacheSize: 1024}
}

// NewBackend builds the backend cfg names.
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", BackendNoop:
		return NoopBackend{}, nil
	case BackendAttestation:
		if cfg.AttestationSeed == "" {
			return GenerateAttestationBackend()
		}
		return NewAttestationBackend([]byte(cfg.AttestationSeed))
	default:
		return nil, fmt.Errorf("%w: backend %q", settleerrors.ErrPUnsupported, cfg.Backend)
	}
}

// Request tracks one deferred generation.
type Request struct {
	ID          string                   `json:"id"`
	BatchID     string                   `json:"batchId"`
	Status      types.ProofRequestStatus `json:"status"`
	ProofID     string                   `json:"proofId,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	CompletedAt time.Time                `json:"completedAt,omitempty"`
}

type Stats struct {
	Generated  uint64 `json:"generated"`
	Verified   uint64 `json:"verified"`
	Rejected   uint64 `json:"rejected"`
	CacheHits  uint64 `json:"cacheHits"`
	Aggregated uint64 `json:"aggregated"`
	InFlight   int    `json:"inFlight"`
}

type System struct {
	backend Backend
	sem     *semaphore.Weighted
	cache   *lru.Cache[common.Hash, *types.Proof]

	mu       sync.RWMutex
	requests map[string]*Request
	byBatch  map[string]*types.Proof
	verified map[string]bool

	inFlight   atomic.Int64
	generated  atomic.Uint64
	verifiedN  atomic.Uint64
	rejected   atomic.Uint64
	cacheHits  atomic.Uint64
	aggregated atomic.Uint64
	wg         sync.WaitGroup
}

func NewSystem(cfg Config, backend Backend) (*System, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1
	}
	cache, err := lru.New[common.Hash, *types.Proof](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &System{
		backend:  backend,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cache:    cache,
		requests: make(map[string]*Request),
		byBatch:  make(map[string]*types.Proof),
		verified: make(map[string]bool),
	}, nil
}

func (s *System) Backend() string {
	return s.backend.Name()
}

func cacheKey(b *types.SettlementBatch) common.Hash {
	return common.Blake2HashAll([]byte(b.ID), b.StateRoot.Bytes())
}

// GenerateBatchProof returns the cached proof for (batch id, state root) or
// generates one, waiting for a generation permit.
func (s *System) GenerateBatchProof(ctx context.Context, b *types.SettlementBatch) (*types.Proof, error) {
	key := cacheKey(b)
	if p, ok := s.cache.Get(key); ok {
		s.cacheHits.Add(1)
		return p, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	}()
	p, err := s.backend.Generate(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("generate proof for %s: %w", b.ID, err)
	}
	s.cache.Add(key, p)
	s.generated.Add(1)
	s.mu.Lock()
	s.byBatch[b.ID] = p
	s.mu.Unlock()
	log.Debug(log.Proof, "Proof generated", "batch", b.ID, "backend", p.Backend, "proof", p.ID)
	return p, nil
}

// VerifyProof reports false for proofs that fail verification; err is kept
// for failures unrelated to the proof's validity.
func (s *System) VerifyProof(ctx context.Context, p *types.Proof) (bool, error) {
	err := s.backend.Verify(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, settleerrors.ErrPInvalidProof):
		s.rejected.Add(1)
		log.Warn(log.Proof, "Proof rejected", "proof", p.ID, "batches", p.BatchIDs, "err", err)
		return false, nil
	default:
		return false, err
	}
	s.verifiedN.Add(1)
	s.mu.Lock()
	for _, id := range p.BatchIDs {
		s.verified[id] = true
	}
	s.mu.Unlock()
	return true, nil
}

func (s *System) AggregateProofs(ctx context.Context, proofs []*types.Proof) (*types.Proof, error) {
	if len(proofs) == 0 {
		return nil, settleerrors.ErrPEmptyAggregate
	}
	agg, err := s.backend.Aggregate(ctx, proofs)
	if err != nil {
		return nil, err
	}
	s.aggregated.Add(1)
	log.Info(log.Proof, "Proofs aggregated", "count", len(proofs), "batches", len(agg.BatchIDs), "proof", agg.ID)
	return agg, nil
}

// Schedule generates and verifies a proof for b in the background and
// returns the request id to poll.
func (s *System) Schedule(ctx context.Context, b *types.SettlementBatch) string {
	req := &Request{ID: uuid.NewString(), BatchID: b.ID, Status: types.ProofRequestPending, CreatedAt: time.Now()}
	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.setStatus(req.ID, types.ProofRequestGenerating, "", "")
		p, err := s.GenerateBatchProof(ctx, b)
		if err != nil {
			s.setStatus(req.ID, types.ProofRequestFailed, "", err.Error())
			return
		}
		ok, err := s.VerifyProof(ctx, p)
		switch {
		case err != nil:
			s.setStatus(req.ID, types.ProofRequestFailed, p.ID, err.Error())
		case !ok:
			s.setStatus(req.ID, types.ProofRequestFailed, p.ID, settleerrors.ErrPInvalidProof.Error())
		default:
			s.setStatus(req.ID, types.ProofRequestCompleted, p.ID, "")
		}
	}()
	return req.ID
}

func (s *System) setStatus(id string, status types.ProofRequestStatus, proofID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[id]
	req.Status = status
	if proofID != "" {
		req.ProofID = proofID
	}
	req.Error = errMsg
	if status == types.ProofRequestCompleted || status == types.ProofRequestFailed {
		req.CompletedAt = time.Now()
	}
}

func (s *System) RequestStatus(id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", settleerrors.ErrPRequestUnknown, id)
	}
	return *req, nil
}

// Wait blocks until every scheduled request has finished.
func (s *System) Wait() {
	s.wg.Wait()
}

func (s *System) HasVerifiedProof(batchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified[batchID]
}

func (s *System) ProofFor(batchID string) (*types.Proof, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byBatch[batchID]
	return p, ok
}

// Forget drops bookkeeping for a batch that was reverted.
func (s *System) Forget(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verified, batchID)
	delete(s.byBatch, batchID)
}

func (s *System) Stats() Stats {
	return Stats{
		Generated:  s.generated.Load(),
		Verified:   s.verifiedN.Load(),
		Rejected:   s.rejected.Load(),
		CacheHits:  s.cacheHits.Load(),
		Aggregated: s.aggregated.Load(),
		InFlight:   int(s.inFlight.Load()),
	}
}
