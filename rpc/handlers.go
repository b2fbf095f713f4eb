package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/finality"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	engine *engine.Engine
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type ProofResponse struct {
	TxID       string        `json:"txId"`
	BatchID    string        `json:"batchId"`
	Index      int           `json:"index"`
	LeafCount  int           `json:"leafCount"`
	TxHash     common.Hash   `json:"txHash"`
	MerkleRoot common.Hash   `json:"merkleRoot"`
	Path       []common.Hash `json:"path"`
}

type BatchResponse struct {
	Batch     *types.SettlementBatch `json:"batch"`
	State     engine.BatchState      `json:"state"`
	Finality  *finality.Report       `json:"finality,omitempty"`
	Finalized *types.FinalizedBatch  `json:"finalized,omitempty"`
}

type ChallengeRequest struct {
	BatchID    string        `json:"batchId"`
	Challenger string        `json:"challenger"`
	Stake      *uint256.Int  `json:"stake"`
	Type       string        `json:"type"`
	Evidence   hexutil.Bytes `json:"evidence"`
}

type StatsResponse struct {
	Healthy    bool                      `json:"healthy"`
	Statistics engine.Statistics         `json:"statistics"`
	Metrics    engine.PerformanceMetrics `json:"metrics"`
}

func (h *handlers) submitTx(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	if !decode(w, r, &tx) {
		return
	}
	id, err := h.engine.SubmitTransaction(r.Context(), &tx)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Trace(log.RPC, "submitTx", "id", id, "sender", tx.Sender.Hex(), "nonce", tx.Nonce)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (h *handlers) txStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.SettlementStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) txProof(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, index, path, err := h.engine.InclusionProof(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProofResponse{
		TxID:       id,
		BatchID:    b.ID,
		Index:      index,
		LeafCount:  len(b.Transactions),
		TxHash:     b.Transactions[index].Hash(),
		MerkleRoot: b.MerkleRoot,
		Path:       path,
	})
}

func (h *handlers) aggregateProof(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.engine.AggregateProof()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "NotFound", Message: "no finalized proofs aggregated yet"})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *handlers) batch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, state, err := h.engine.Batch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := BatchResponse{Batch: b, State: state}
	if fb, ok := h.engine.FinalizedBatch(id); ok {
		resp.Finalized = &fb
	} else if report, err := h.engine.FinalityStatus(id); err == nil {
		resp.Finality = report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) submitChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Challenger) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Message: "challenger must be a hex address"})
		return
	}
	kind, err := types.ParseChallengeType(req.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Message: err.Error()})
		return
	}
	stake := req.Stake
	if stake == nil {
		stake = new(uint256.Int)
	}
	id, err := h.engine.SubmitChallenge(req.BatchID, common.HexToAddress(req.Challenger), stake, kind, req.Evidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (h *handlers) challenge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := h.engine.Challenge(id)
	if !ok {
		writeError(w, settleerrors.ErrDChallengeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) processChallenge(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ProcessChallenge(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Healthy:    h.engine.IsHealthy(),
		Statistics: h.engine.Statistics(),
		Metrics:    h.engine.Metrics(),
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if !h.engine.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Message: err.Error()})
		return false
	}
	return true
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settleerrors.ErrAPoolFull), errors.Is(err, settleerrors.ErrAEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, settleerrors.ErrAUnknownTransaction),
		errors.Is(err, settleerrors.ErrRBatchNotFound),
		errors.Is(err, settleerrors.ErrDChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, settleerrors.ErrADuplicateTransaction),
		errors.Is(err, settleerrors.ErrANonceMismatch),
		errors.Is(err, settleerrors.ErrDChallengeResolved):
		return http.StatusConflict
	case errors.Is(err, settleerrors.ErrAPolicyRejected):
		return http.StatusForbidden
	}
	switch settleerrors.ClassOf(err) {
	case settleerrors.ClassAdmission, settleerrors.ClassValidation, settleerrors.ClassDispute:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	name := http.StatusText(status)
	if settleerrors.Sentinel(err) != nil {
		name = settleerrors.GetErrorName(err)
	}
	if status == http.StatusInternalServerError {
		log.Warn(log.RPC, "Request failed", "err", err)
	}
	writeJSON(w, status, ErrorResponse{Error: name, Code: settleerrors.GetErrorCode(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn(log.RPC, "writeJSON", "err", err)
	}
}
