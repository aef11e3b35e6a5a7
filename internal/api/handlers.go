package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/staking"
)

// maxBodyBytes bounds request bodies. Inputs are a couple of short strings.
const maxBodyBytes = 64 * 1024

// SnapshotView is the JSON rendering of a published snapshot. Token amounts
// are decimal ether strings; raw wei values would overflow JSON numbers.
type SnapshotView struct {
	Account        string    `json:"account"`
	ContractOwner  string    `json:"contract_owner"`
	IsOwner        bool      `json:"is_owner"`
	StakeValue     string    `json:"stake_value"`
	StakeToken     string    `json:"stake_token"`
	StakeSymbol    string    `json:"stake_symbol,omitempty"`
	HasStake       bool      `json:"has_stake"`
	StakeReward    string    `json:"stake_reward"`
	ShowReward     bool      `json:"show_reward"`
	TotalStakes    string    `json:"total_stakes"`
	TotalRewards   string    `json:"total_rewards"`
	RewardFunds    string    `json:"reward_funds"`
	Allowance      string    `json:"allowance"`
	AllowanceToken string    `json:"allowance_token"`
	Sequence       uint64    `json:"sequence"`
	Scope          string    `json:"scope"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewSnapshotView renders snap for JSON output. registry resolves the staked
// token symbol and may be nil.
func NewSnapshotView(snap *staking.Snapshot, registry *staking.TokenRegistry) SnapshotView {
	v := SnapshotView{
		Account:        snap.Account.Hex(),
		ContractOwner:  snap.ContractOwner.Hex(),
		IsOwner:        snap.IsOwner(),
		StakeValue:     staking.FormatEther(snap.StakeValue),
		StakeToken:     snap.StakeToken.Hex(),
		HasStake:       snap.HasStake(),
		StakeReward:    staking.FormatEther(snap.StakeReward),
		ShowReward:     snap.ShowReward(),
		TotalStakes:    staking.FormatEther(snap.TotalStakes),
		TotalRewards:   staking.FormatEther(snap.TotalRewards),
		RewardFunds:    staking.FormatEther(snap.RewardFunds),
		Allowance:      staking.FormatEther(snap.Allowance),
		AllowanceToken: snap.AllowanceToken.Hex(),
		Sequence:       snap.Sequence,
		Scope:          snap.Scope,
		UpdatedAt:      snap.UpdatedAt,
	}
	if snap.HasStake() && registry != nil {
		v.StakeSymbol = registry.ResolveSymbol(snap.StakeToken)
	}
	return v
}

// SnapshotResponse is the response for GET /api/v1/snapshot
type SnapshotResponse struct {
	State    string       `json:"state"`
	Ready    bool         `json:"ready"`
	Snapshot SnapshotView `json:"snapshot"`
}

// InputRequest is the request for POST /api/v1/input
type InputRequest struct {
	Amount string `json:"amount"`
	Token  string `json:"token,omitempty"` // symbol or address, default token if empty
}

// TokenResponse is one entry of GET /api/v1/tokens
type TokenResponse struct {
	Symbol    string `json:"symbol"`
	Address   string `json:"address"`
	PriceFeed string `json:"price_feed"`
}

// ActionResponse is the response for POST /api/v1/actions/{intent}
type ActionResponse struct {
	ID       string       `json:"id"`
	Intent   string       `json:"intent"`
	TxHash   string       `json:"tx_hash"`
	Block    uint64       `json:"block"`
	Target   string       `json:"target"`
	Snapshot SnapshotView `json:"snapshot"`
}

// handleSnapshot handles GET /api/v1/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, SnapshotResponse{
		State:    s.svc.State().String(),
		Ready:    s.svc.Ready(),
		Snapshot: NewSnapshotView(s.svc.Snapshot(), s.svc.Registry()),
	})
}

// handleEstimate handles GET /api/v1/estimate
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Estimate())
}

// handleInput handles POST /api/v1/input. An invalid amount is not an HTTP
// error: the returned view carries the input error.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	view, err := s.applyInput(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) applyInput(ctx context.Context, req InputRequest) (staking.EstimateView, error) {
	var token common.Address
	if req.Token != "" {
		t, err := s.svc.Registry().ParseToken(req.Token)
		if err != nil {
			return staking.EstimateView{}, err
		}
		token = t
	}
	return s.svc.OnInputChanged(ctx, req.Amount, token), nil
}

// handleTokens handles GET /api/v1/tokens
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.svc.Registry().Tokens()
	resp := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, TokenResponse{
			Symbol:    t.Symbol,
			Address:   t.Address.Hex(),
			PriceFeed: t.PriceFeed.Hex(),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

// handleAction handles POST /api/v1/actions/{intent}. The body may carry the
// amount and token to act on; missing fields fall back to the current input.
// The request is executed exactly as parsed here, and the shared input is
// only updated for display.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !s.actionOriginAllowed(r.Header.Get("Origin")) {
		s.writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	intent, err := staking.ParseIntent(r.PathValue("intent"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var body InputRequest
	if r.ContentLength != 0 {
		if err := s.readJSON(r, &body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	current := s.svc.Estimate()
	amount, token := current.Amount, current.Token
	if body.Amount != "" {
		amount = body.Amount
	}
	if body.Token != "" {
		if token, err = s.svc.Registry().ParseToken(body.Token); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req := staking.ActionRequest{Intent: intent, Token: token}
	if intent == staking.IntentStake {
		if req.Amount, err = staking.ParseAmount(amount); err != nil {
			s.writeError(w, actionStatus(err), staking.Describe(err))
			return
		}
	}
	if body.Amount != "" || body.Token != "" {
		s.svc.OnInputChanged(r.Context(), amount, token)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ActionTimeout)
	defer cancel()

	result, err := s.svc.ExecuteRequest(ctx, req)
	if err != nil {
		status := actionStatus(err)
		logging.Warn("action failed",
			"intent", intent.String(),
			"status", status,
			logging.Err(err),
			logging.Component("api"))
		s.writeError(w, status, staking.Describe(err))
		return
	}

	s.writeJSON(w, http.StatusOK, ActionResponse{
		ID:       result.ID,
		Intent:   result.Intent,
		TxHash:   result.TxHash.Hex(),
		Block:    result.Block,
		Target:   result.Target.Hex(),
		Snapshot: NewSnapshotView(result.Snapshot, s.svc.Registry()),
	})
}

// actionStatus maps a dispatcher error to an HTTP status.
func actionStatus(err error) int {
	var txErr *staking.TransactionError
	switch {
	case staking.IsPrecondition(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, staking.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, staking.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &txErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON reads JSON from request body
func (s *Server) readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(body, v)
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to write response", logging.Err(err), logging.Component("api"))
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
