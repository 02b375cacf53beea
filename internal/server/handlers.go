package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/policy"
	"deskwatch/internal/repository"
	"deskwatch/internal/types"
)

const maxRequestBody = 1 << 20

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed login request")
		return
	}
	if req.Username == "" || req.Password == "" || req.DeviceID == "" {
		s.writeError(w, http.StatusBadRequest, "username, password and deviceId are required")
		return
	}

	device, err := s.devices.Authenticate(r.Context(), req.Username, req.Password, req.DeviceID)
	if err != nil {
		if apperrors.IsUnauthorized(err) {
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := GenerateToken(s.secret, &AgentClaims{
		UserID:   device.UserID,
		DeviceID: device.ID,
	}, s.tokenTTL)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.writeJSON(w, http.StatusOK, types.LoginResponse{Token: token, UserID: device.UserID})
}

// handleHandshake resolves the three policy layers for the calling
// device, merges them, and records the full exchange in the audit log.
// The global layer is required; user and device layers are optional
// overrides.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	rawReq, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable handshake request")
		return
	}
	if len(rawReq) == 0 {
		rawReq = []byte(`{}`)
	}

	global, err := s.policies.GetActive(r.Context(), string(policy.ScopeGlobal), "")
	if err != nil {
		if apperrors.IsNotFound(err) {
			s.logger.Error("no global policy published", "deviceId", claims.DeviceID)
			s.writeError(w, http.StatusInternalServerError, "no global policy available")
			return
		}
		s.logger.Error("policy lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "policy lookup failed")
		return
	}

	winning := global
	userLayer := s.optionalLayer(r, string(policy.ScopeUser), claims.UserID, &winning)
	deviceLayer := s.optionalLayer(r, string(policy.ScopeDevice), claims.DeviceID, &winning)

	resp := types.HandshakeResponse{
		ServerTime:      time.Now().UTC(),
		AppliedScope:    winning.Scope,
		AppliedPolicyID: winning.ID,
		PolicyVersion:   winning.Version,
		EffectiveConfig: policy.MergeLayers(global.Document, userLayer, deviceLayer),
	}

	rawResp, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode handshake response", "error", err)
		s.writeError(w, http.StatusInternalServerError, "handshake failed")
		return
	}

	if _, err := s.audits.Record(r.Context(), repository.HandshakeAudit{
		DeviceID:        claims.DeviceID,
		RequestBody:     string(rawReq),
		ResponseBody:    string(rawResp),
		AppliedScope:    resp.AppliedScope,
		AppliedPolicyID: resp.AppliedPolicyID,
		PolicyVersion:   resp.PolicyVersion,
	}); err != nil {
		// The device still gets its configuration; the gap is logged
		s.logger.Error("failed to record handshake audit", "deviceId", claims.DeviceID, "error", err)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// optionalLayer loads one policy layer, treating absence as an empty
// document. A present layer becomes the new winning (most specific) one.
func (s *Server) optionalLayer(r *http.Request, scope, subjectID string, winning **repository.PolicyDocument) map[string]any {
	doc, err := s.policies.GetActive(r.Context(), scope, subjectID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			s.logger.Error("policy layer lookup failed", "scope", scope, "subject", subjectID, "error", err)
		}
		return nil
	}
	*winning = doc
	return doc.Document
}

func (s *Server) handleUpsertDay(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var summary types.DaySummary
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&summary); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed day summary")
		return
	}
	if _, err := time.Parse("2006-01-02", summary.Day); err != nil {
		s.writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	// Identity comes from the token, never from the payload
	summary.UserID = claims.UserID
	summary.DeviceID = claims.DeviceID

	if err := s.summaries.Upsert(r.Context(), summary); err != nil {
		s.logger.Error("day summary upsert failed", "deviceId", claims.DeviceID, "day", summary.Day, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store day summary")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleInsertEpisode(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var episode types.Episode
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&episode); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed episode")
		return
	}
	if episode.ProcessName == "" {
		s.writeError(w, http.StatusBadRequest, "processName is required")
		return
	}
	if episode.DurationSeconds <= 0 || !episode.EndTime.After(episode.StartTime) {
		s.writeError(w, http.StatusBadRequest, "episode must span a positive duration")
		return
	}

	if err := s.episodes.Insert(r.Context(), claims.UserID, claims.DeviceID, episode); err != nil {
		s.logger.Error("episode insert failed", "deviceId", claims.DeviceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store episode")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}
