package linkd

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/subnetlink/node/pkg/custody"
	"github.com/subnetlink/node/pkg/gmp"
	"github.com/subnetlink/node/pkg/linktoken"
)

// The admin server is the owner trust boundary of the node: everything it
// exposes is owner-privileged, which is why it listens on its own address
// (loopback by default) instead of the public status server.
type adminServer struct {
	logger *zap.Logger
	lt     *linktoken.LinkedToken
	book   *custody.TokenBook
}

type linkRequest struct {
	Contract string `json:"contract"`
}

type transferRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

func runAdminServer(logger *zap.Logger, addr string, lt *linktoken.LinkedToken, book *custody.TokenBook) *http.Server {
	s := &adminServer{logger: logger.With(zap.String("component", "admin")), lt: lt, book: book}

	router := mux.NewRouter()
	router.HandleFunc("/admin/link", s.handleLink).Methods(http.MethodPost)
	router.HandleFunc("/admin/transfer", s.handleTransfer).Methods(http.MethodPost)
	router.HandleFunc("/admin/pending", s.handlePending).Methods(http.MethodGet)
	router.HandleFunc("/admin/force-remove/{id}", s.handleForceRemove).Methods(http.MethodPost)
	router.HandleFunc("/admin/balance/{address}", s.handleBalance).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("admin server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server died", zap.Error(err))
		}
	}()

	return server
}

// handleLink points the instance at the paired contract. This is the
// owner-gated link (re)configuration call.
func (s *adminServer) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	contract, err := gmp.StringToAddress(req.Contract)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.lt.SetLinkedContract(contract); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleTransfer initiates a transfer on behalf of a caller. Devnet
// convenience; a deployed node would take initiations from its chain
// integration, not from HTTP.
func (s *adminServer) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller, err := gmp.StringToAddress(req.Caller)
	if err != nil {
		http.Error(w, "invalid caller: "+err.Error(), http.StatusBadRequest)
		return
	}
	recipient, err := gmp.StringToAddress(req.Recipient)
	if err != nil {
		http.Error(w, "invalid recipient: "+err.Error(), http.StatusBadRequest)
		return
	}

	env, err := s.lt.InitiateTransfer(r.Context(), caller, recipient, uint256.NewInt(req.Amount))
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, linktoken.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"id":    env.ID().Hex(),
		"nonce": env.Nonce,
	}); err != nil {
		s.logger.Error("failed to encode transfer response", zap.Error(err))
	}
}

func (s *adminServer) handlePending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.lt.PendingTransfers()); err != nil {
		s.logger.Error("failed to encode pending transfers", zap.Error(err))
	}
}

// handleForceRemove deletes a ledger entry without settlement. The protocol
// logs and meters every use; the admin log line here records who to blame.
func (s *adminServer) handleForceRemove(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	if len(common.FromHex(idStr)) != 32 {
		http.Error(w, "identifier must be a 32-byte hex string", http.StatusBadRequest)
		return
	}
	id := common.HexToHash(idStr)

	s.logger.Warn("owner requested force removal",
		zap.String("id", id.Hex()),
		zap.String("remote", r.RemoteAddr),
	)

	if err := s.lt.ForceRemove(id); err != nil {
		if errors.Is(err, linktoken.ErrUnknownTransfer) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *adminServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := gmp.StringToAddress(mux.Vars(r)["address"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"address": addr.String(),
		"balance": s.book.BalanceOf(addr).Dec(),
	}); err != nil {
		s.logger.Error("failed to encode balance", zap.Error(err))
	}
}
