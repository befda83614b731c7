package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/peerlink/rolekeeper/internal/lease"
	"github.com/peerlink/rolekeeper/internal/resolve"
)

// deviceInfoRequest is the device metadata block carried by claim requests.
type deviceInfoRequest struct {
	Model      string `json:"model" validate:"max=128"`
	OS         string `json:"os" validate:"max=128"`
	AppVersion string `json:"app_version" validate:"max=64"`
}

// claimRequest is the body of POST /api/v1/roles/claim.
type claimRequest struct {
	Role              string            `json:"role" validate:"required,max=64"`
	ForceKickExisting bool              `json:"force_kick_existing"`
	DeviceInfo        deviceInfoRequest `json:"device_info"`
}

// roleRequest is the body of POST /api/v1/roles/check and /roles/release.
type roleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

// grantResponse is returned when a claim succeeds.
type grantResponse struct {
	ClientID          string    `json:"client_id"`
	Token             string    `json:"token"`
	Role              string    `json:"role"`
	Sequence          int64     `json:"sequence"`
	ExpiresAt         time.Time `json:"expires_at"`
	EvictionUncertain bool      `json:"eviction_uncertain,omitempty"`
}

// conflictResponse is returned when a role is already held and the claim
// did not (or could not) evict the holder.
type conflictResponse struct {
	HasConflict    bool             `json:"has_conflict"`
	ConflictDevice lease.Descriptor `json:"conflict_device"`
	CanForceKick   bool             `json:"can_force_kick"`
}

// checkResponse is returned by POST /api/v1/roles/check.
type checkResponse struct {
	HasConflict    bool              `json:"has_conflict"`
	ConflictDevice *lease.Descriptor `json:"conflict_device,omitempty"`
	CanForceKick   bool              `json:"can_force_kick,omitempty"`
}

// handleClaim processes POST /api/v1/roles/claim.
//
// A granted claim returns 200 with the broker credential; a conflict
// returns 409 with the holder's descriptor so the caller can decide
// whether to retry with force_kick_existing.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := s.resolver.Claim(r.Context(), resolve.Claim{
		AccountID: accountFrom(r.Context()),
		Role:      req.Role,
		Force:     req.ForceKickExisting,
		Device: lease.DeviceInfo{
			Model:      req.DeviceInfo.Model,
			OS:         req.DeviceInfo.OS,
			AppVersion: req.DeviceInfo.AppVersion,
		},
	})
	if err != nil {
		s.writeClaimError(w, err)
		return
	}

	if outcome.Conflict != nil {
		writeJSON(w, http.StatusConflict, conflictResponse{
			HasConflict:    true,
			ConflictDevice: outcome.Conflict.Holder,
			CanForceKick:   outcome.Conflict.CanForceKick,
		})
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{
		ClientID:          outcome.Credential.ClientID,
		Token:             outcome.Credential.Token,
		Role:              outcome.Credential.Role,
		Sequence:          outcome.Credential.Sequence,
		ExpiresAt:         outcome.Credential.ExpiresAt,
		EvictionUncertain: outcome.EvictionUncertain,
	})
}

// handleCheck processes POST /api/v1/roles/check.
//
// Side-effect free: reports whether the role is held without touching
// the lease or the broker.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	conflict, err := s.resolver.Check(r.Context(), accountFrom(r.Context()), req.Role)
	if err != nil {
		s.writeClaimError(w, err)
		return
	}

	if conflict == nil {
		writeJSON(w, http.StatusOK, checkResponse{HasConflict: false})
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		HasConflict:    true,
		ConflictDevice: &conflict.Holder,
		CanForceKick:   conflict.CanForceKick,
	})
}

// handleRelease processes POST /api/v1/roles/release.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	err := s.resolver.Release(r.Context(), accountFrom(r.Context()), req.Role)
	if err != nil {
		switch {
		case errors.Is(err, lease.ErrLeaseNotFound):
			writeNotFound(w, "no active lease for role")
		case errors.Is(err, lease.ErrStaleSequence):
			// A concurrent takeover replaced the lease between read and
			// delete; the caller's lease is already gone.
			writeNotFound(w, "lease already superseded")
		default:
			s.writeClaimError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"released": true, "role": req.Role})
}

// handleListRoles processes GET /api/v1/roles, listing the account's
// current leases.
func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	leases, err := s.leases.ListByAccount(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.logger.Error("listing leases", "error", err)
		writeInternalError(w, "failed to list roles")
		return
	}

	type heldRole struct {
		Role      string           `json:"role"`
		Holder    lease.Descriptor `json:"holder"`
		Sequence  int64            `json:"sequence"`
		ExpiresAt time.Time        `json:"expires_at"`
	}

	roles := make([]heldRole, 0, len(leases))
	for i := range leases {
		roles = append(roles, heldRole{
			Role:      leases[i].Role,
			Holder:    leases[i].Descriptor(),
			Sequence:  leases[i].Sequence,
			ExpiresAt: leases[i].ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// decodeAndValidate decodes the request body into v and runs struct
// validation, writing the error response itself on failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return false
	}
	return true
}

// writeClaimError maps resolver errors to HTTP responses.
func (s *Server) writeClaimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolve.ErrUnknownRole):
		writeBadRequest(w, "unknown role")
	case errors.Is(err, resolve.ErrEvictionTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeEvictionTimeout,
			"existing connection could not be confirmed evicted; role unchanged")
	case errors.Is(err, resolve.ErrBrokerUnavailable):
		writeError(w, http.StatusBadGateway, ErrCodeBrokerUnavailable,
			"broker control plane unavailable; role unchanged")
	case errors.Is(err, resolve.ErrStaleSequenceRetryExhausted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeClaimContention,
			"concurrent claims for this role; retry shortly")
	default:
		s.logger.Error("claim failed", "error", err)
		writeInternalError(w, "claim failed")
	}
}
