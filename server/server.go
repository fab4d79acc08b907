package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"shieldpool/pool-node/logging"
	merkle_tree "shieldpool/pool-node/merkle-tree"
	"shieldpool/pool-node/pool"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config carries the HTTP-facing node configuration.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	APIKey         string

	// Whether deposits and/or withdrawals require an eligible caller.
	// Deployment-time policy; the gate itself is opaque to the ledger.
	GateDeposits    bool
	GateWithdrawals bool
	Eligibility     EligibilityGate
}

// EligibilityGate is the attestation/compliance boundary. The node only
// consumes its boolean verdict.
type EligibilityGate interface {
	IsEligible(caller string) bool
}

// AllowAll admits every caller.
type AllowAll struct{}

func (AllowAll) IsEligible(string) bool { return true }

// CallerHeader identifies the caller for the eligibility gate.
const CallerHeader = "X-Caller-Identity"

type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func malformedBodyError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "malformed_body", Message: err.Error()}
}

func unexpectedError(err error) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "unexpected_error", Message: err.Error()}
}

func notEligibleError() *Error {
	return &Error{
		StatusCode: http.StatusForbidden,
		Code:       "caller_not_eligible",
		Message:    "Caller is not eligible for this operation. Provide an attested identity in the " + CallerHeader + " header.",
	}
}

// rejectionError maps ledger rejection reasons onto wire errors. Structural
// problems and failed proofs are the caller's bugs (400); losing a race on a
// nullifier or proving against an evicted root is a conflict (409); a full
// accumulator cannot be remediated by retrying (503).
func rejectionError(err error) *Error {
	switch {
	case errors.Is(err, pool.ErrInvalidNoteEncoding):
		return &Error{StatusCode: http.StatusBadRequest, Code: "invalid_note_encoding", Message: err.Error()}
	case errors.Is(err, pool.ErrMalformedPublicInputs):
		return &Error{StatusCode: http.StatusBadRequest, Code: "malformed_public_inputs", Message: err.Error()}
	case errors.Is(err, pool.ErrTooManyOutputs):
		return &Error{StatusCode: http.StatusBadRequest, Code: "too_many_outputs", Message: err.Error()}
	case errors.Is(err, pool.ErrStaleOrUnknownRoot):
		return &Error{StatusCode: http.StatusConflict, Code: "stale_or_unknown_root", Message: "proof was generated against a root no longer in the history window; regenerate against the current root"}
	case errors.Is(err, pool.ErrNullifierAlreadySpent):
		return &Error{StatusCode: http.StatusConflict, Code: "nullifier_already_spent", Message: err.Error()}
	case errors.Is(err, pool.ErrInvalidProof):
		return &Error{StatusCode: http.StatusBadRequest, Code: "invalid_proof", Message: "proof failed cryptographic verification"}
	case errors.Is(err, merkle_tree.ErrTreeFull):
		return &Error{StatusCode: http.StatusServiceUnavailable, Code: "accumulator_full", Message: "the commitment accumulator is at capacity"}
	default:
		return unexpectedError(err)
	}
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"code":    e.Code,
		"message": e.Message,
	})
}

func (e *Error) send(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	jsonBytes, err := e.MarshalJSON()
	if err != nil {
		jsonBytes = []byte(`{"code": "unexpected_error", "message": "failed to marshal error"}`)
	}
	length, err := w.Write(jsonBytes)
	if err != nil || length != len(jsonBytes) {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

type depositRequest struct {
	Commitment   string `json:"commitment"`
	PublicAmount string `json:"publicAmount"`
}

type depositResponse struct {
	LeafIndex uint64 `json:"leafIndex"`
	Root      string `json:"root"`
}

type depositHandler struct {
	ledger *pool.Ledger
	gated  bool
	gate   EligibilityGate
}

func (handler depositHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if handler.gated && !handler.gate.IsEligible(r.Header.Get(CallerHeader)) {
		recordRejection("deposit", "caller_not_eligible")
		notEligibleError().send(w)
		return
	}

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		malformedBodyError(err).send(w)
		return
	}
	var req depositRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		malformedBodyError(err).send(w)
		return
	}
	commitment := new(big.Int)
	if err := pool.FromHex(commitment, req.Commitment); err != nil {
		malformedBodyError(err).send(w)
		return
	}
	publicAmount := big.NewInt(0)
	if req.PublicAmount != "" {
		if err := pool.FromHex(publicAmount, req.PublicAmount); err != nil {
			malformedBodyError(err).send(w)
			return
		}
	}

	start := time.Now()
	index, root, err := handler.ledger.Deposit(commitment, publicAmount)
	if err != nil {
		rejection := rejectionError(err)
		recordRejection("deposit", rejection.Code)
		rejection.send(w)
		return
	}
	observeTransition("deposit", start)
	DepositsTotal.Inc()
	TreeLeaves.Set(float64(handler.ledger.LeafCount()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(depositResponse{
		LeafIndex: index,
		Root:      pool.ToHex(root),
	})
}

type withdrawRequest struct {
	Proof        *pool.Proof        `json:"proof"`
	PublicInputs *pool.PublicInputs `json:"publicInputs"`
}

type withdrawResponse struct {
	OutputLeafIndices []uint64 `json:"outputLeafIndices"`
	Root              string   `json:"root"`
}

type withdrawHandler struct {
	ledger *pool.Ledger
	gated  bool
	gate   EligibilityGate
}

func (handler withdrawHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if handler.gated && !handler.gate.IsEligible(r.Header.Get(CallerHeader)) {
		recordRejection("withdrawal", "caller_not_eligible")
		notEligibleError().send(w)
		return
	}

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		malformedBodyError(err).send(w)
		return
	}
	var req withdrawRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		malformedBodyError(err).send(w)
		return
	}
	if req.Proof == nil || req.PublicInputs == nil {
		malformedBodyError(fmt.Errorf("proof and publicInputs are required")).send(w)
		return
	}

	start := time.Now()
	indices, root, err := handler.ledger.Withdraw(req.Proof, req.PublicInputs)
	if err != nil {
		rejection := rejectionError(err)
		recordRejection("withdrawal", rejection.Code)
		rejection.send(w)
		return
	}
	observeTransition("withdrawal", start)
	WithdrawalsTotal.Inc()
	TreeLeaves.Set(float64(handler.ledger.LeafCount()))
	SpentNullifiers.Set(float64(handler.ledger.SpentCount()))

	if indices == nil {
		indices = []uint64{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(withdrawResponse{
		OutputLeafIndices: indices,
		Root:              pool.ToHex(root),
	})
}

type rootHandler struct {
	ledger *pool.Ledger
}

func (handler rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"root":      pool.ToHex(handler.ledger.Root()),
		"leafCount": handler.ledger.LeafCount(),
	})
}

type pathHandler struct {
	ledger *pool.Ledger
}

func (handler pathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	if err != nil {
		malformedBodyError(fmt.Errorf("index parameter required: %v", err)).send(w)
		return
	}
	leaf, path, root, err := handler.ledger.PathWithRoot(index)
	if err != nil {
		notFound := &Error{
			StatusCode: http.StatusNotFound,
			Code:       "leaf_not_found",
			Message:    fmt.Sprintf("no leaf at index %d", index),
		}
		notFound.send(w)
		return
	}
	elements := make([]string, len(path))
	for i, el := range path {
		elements[i] = pool.ToHex(el)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"leafIndex":    index,
		"leaf":         pool.ToHex(leaf),
		"root":         pool.ToHex(root),
		"pathElements": elements,
	})
}

type nullifierHandler struct {
	ledger *pool.Ledger
}

func (handler nullifierHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		malformedBodyError(fmt.Errorf("hash parameter required")).send(w)
		return
	}
	nullifier := new(big.Int)
	if err := pool.FromHex(nullifier, hash); err != nil {
		malformedBodyError(err).send(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"nullifier": pool.ToHex(nullifier),
		"spent":     handler.ledger.IsNullifierSpent(nullifier),
	})
}

type healthHandler struct {
}

func (handler healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte(`{"status": "ok"}`))
	if err != nil {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

// Run starts the API and metrics listeners and returns the combined job.
func Run(config *Config, ledger *pool.Ledger) RunningJob {
	if config.Eligibility == nil {
		config.Eligibility = AllowAll{}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.MetricsAddress, Handler: metricsMux}
	metricsJob := spawnServerJob(metricsServer, "metrics server")
	logging.Logger().Info().Str("addr", config.MetricsAddress).Msg("metrics server started")

	poolMux := http.NewServeMux()
	poolMux.Handle("/deposit", depositHandler{ledger: ledger, gated: config.GateDeposits, gate: config.Eligibility})
	poolMux.Handle("/withdraw", withdrawHandler{ledger: ledger, gated: config.GateWithdrawals, gate: config.Eligibility})
	poolMux.Handle("/root", rootHandler{ledger: ledger})
	poolMux.Handle("/path", pathHandler{ledger: ledger})
	poolMux.Handle("/nullifier", nullifierHandler{ledger: ledger})
	poolMux.Handle("/health", healthHandler{})

	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{
			"X-Requested-With",
			"Content-Type",
			"Authorization",
			"X-API-Key",
			CallerHeader,
		}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
	)

	var handler http.Handler = poolMux
	handler = requestLogger(handler)
	if config.APIKey != "" {
		handler = NewAPIKeyMiddleware(config.APIKey)(handler)
	}
	handler = corsHandler(handler)

	poolServer := &http.Server{Addr: config.ListenAddress, Handler: handler}
	poolJob := spawnServerJob(poolServer, "pool server")
	logging.Logger().Info().
		Str("addr", config.ListenAddress).
		Bool("gate_deposits", config.GateDeposits).
		Bool("gate_withdrawals", config.GateWithdrawals).
		Msg("pool server started")

	return CombineJobs(metricsJob, poolJob)
}

// requestLogger tags each request with an id and logs its outcome timing.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Logger().Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

func spawnServerJob(server *http.Server, label string) RunningJob {
	start := func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("%s failed: %s", label, err))
		}
	}
	shutdown := func() {
		logging.Logger().Info().Msgf("shutting down %s", label)
		err := server.Shutdown(context.Background())
		if err != nil {
			logging.Logger().Error().Err(err).Msgf("error when shutting down %s", label)
		}
		logging.Logger().Info().Msgf("%s shut down", label)
	}
	return SpawnJob(start, shutdown)
}
