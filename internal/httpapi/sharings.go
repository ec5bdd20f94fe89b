package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/peer"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

// sharingView hides the secrets of the credentials from apps.
func sharingView(s *sharing.Sharing) *sharing.Sharing {
	view := s.Clone()
	for i := range view.Credentials {
		c := &view.Credentials[i]
		c.ClientSecret = ""
		c.AccessToken = ""
		c.XorKey = nil
	}
	for i := range view.Members {
		view.Members[i].InboundClientID = ""
	}
	return view
}

func (s *Server) routeSharings(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
			return
		}
		if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
			return
		}
		s.handleCreateSharing(w, r, correlationID)
		return
	}
	id := parts[0]
	rest := parts[1:]
	switch {
	case len(rest) == 0:
		s.routeSharing(w, r, id, correlationID)
	case len(rest) == 1 && rest[0] == "discovery" && r.Method == http.MethodPost:
		s.handleDiscovery(w, r, id, correlationID)
	case len(rest) == 1 && rest[0] == "answer" && r.Method == http.MethodPost:
		s.handleAnswer(w, r, id, correlationID)
	case len(rest) == 1 && rest[0] == "_revs_diff" && r.Method == http.MethodPost:
		s.handleRevsDiff(w, r, id, correlationID)
	case len(rest) == 1 && rest[0] == "_bulk_docs" && r.Method == http.MethodPost:
		s.handleBulkDocs(w, r, id, correlationID)
	case len(rest) == 2 && rest[0] == docstore.DoctypeFiles && r.Method == http.MethodPut:
		s.handleReceiveContent(w, r, id, rest[1], correlationID)
	case len(rest) >= 1 && rest[0] == "recipients":
		s.routeRecipients(w, r, id, rest[1:], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) routeSharing(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
			return
		}
		sh, err := sharing.Load(s.store, id)
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, sharingView(sh))
	case http.MethodPut:
		// authenticated by the invitation state it carries
		var invitation sharing.Sharing
		if !s.decodeJSONBody(w, r, correlationID, &invitation) {
			return
		}
		if invitation.ID != id {
			writeError(w, http.StatusBadRequest, "bad_request", "sharing id mismatch", correlationID)
			return
		}
		if !s.allow(w, "invitation:"+id, correlationID) {
			return
		}
		sh, err := s.sharings.ReceiveInvitation(r.Context(), &invitation)
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, sharingView(sh))
	case http.MethodDelete:
		caller, ok := s.peer(w, r, id, correlationID)
		if !ok {
			return
		}
		if caller.index != 0 {
			writeError(w, http.StatusForbidden, "forbidden", "only the owner revokes a recipient", correlationID)
			return
		}
		if _, err := s.sharings.RevokedByOwner(r.Context(), id); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

func (s *Server) handleCreateSharing(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	sh, err := s.sharings.Register(r.Context(), body)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, sharingView(sh))
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	state := r.FormValue("state")
	instanceURL := r.FormValue("url")
	if state == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing state", correlationID)
		return
	}
	if !s.allow(w, "discovery:"+id, correlationID) {
		return
	}
	sh, err := s.sharings.Discovery(r.Context(), id, state, instanceURL)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sharing_id": sh.ID, "status": sharing.StatusSeen})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var answer sharing.Answer
	if !s.decodeJSONBody(w, r, correlationID, &answer) {
		return
	}
	if !s.allow(w, "answer:"+id, correlationID) {
		return
	}
	reply, err := s.sharings.Answer(r.Context(), id, answer)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) routeRecipients(w http.ResponseWriter, r *http.Request, id string, rest []string, correlationID string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodPost:
			if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
				return
			}
			s.handleAddMembers(w, r, id, correlationID)
		case http.MethodPut:
			caller, ok := s.peer(w, r, id, correlationID)
			if !ok {
				return
			}
			if caller.index != 0 {
				writeError(w, http.StatusForbidden, "forbidden", "only the owner updates members", correlationID)
				return
			}
			var body peer.MembersUpdate
			if !s.decodeJSONBody(w, r, correlationID, &body) {
				return
			}
			if _, err := s.sharings.UpdateMembers(r.Context(), id, body.Members); err != nil {
				writeStoreError(w, err, correlationID)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
				return
			}
			s.respondSharing(w, correlationID)(s.sharings.Revoke(r.Context(), id))
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	case len(rest) == 1 && rest[0] == "self" && r.Method == http.MethodDelete:
		if s.looksLikePeerToken(r.Header.Get("Authorization"), id) {
			caller, ok := s.peer(w, r, id, correlationID)
			if !ok {
				return
			}
			if caller.index == 0 {
				writeError(w, http.StatusForbidden, "forbidden", "the owner cannot leave", correlationID)
				return
			}
			if _, err := s.sharings.RecipientLeft(r.Context(), id, caller.index); err != nil {
				writeStoreError(w, err, correlationID)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
			return
		}
		s.respondSharing(w, correlationID)(s.sharings.RevokeByRecipient(r.Context(), id))
	case len(rest) == 2 && rest[0] == "self" && rest[1] == "readonly" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		caller, ok := s.peer(w, r, id, correlationID)
		if !ok {
			return
		}
		if caller.index != 0 {
			writeError(w, http.StatusForbidden, "forbidden", "only the owner changes permissions", correlationID)
			return
		}
		if _, err := s.sharings.ApplyReadOnly(r.Context(), id, r.Method == http.MethodPost); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		index, ok := memberIndex(w, rest[0], correlationID)
		if !ok {
			return
		}
		if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
			return
		}
		s.respondSharing(w, correlationID)(s.sharings.RevokeRecipient(r.Context(), id, index))
	case len(rest) == 2 && rest[1] == "readonly" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		index, ok := memberIndex(w, rest[0], correlationID)
		if !ok {
			return
		}
		if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
			return
		}
		s.respondSharing(w, correlationID)(s.sharings.ChangePermission(r.Context(), id, index, r.Method == http.MethodPost))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func memberIndex(w http.ResponseWriter, raw, correlationID string) (int, bool) {
	index, err := strconv.Atoi(raw)
	if err != nil || index < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid member index", correlationID)
		return 0, false
	}
	return index, true
}

func (s *Server) respondSharing(w http.ResponseWriter, correlationID string) func(*sharing.Sharing, error) {
	return func(sh *sharing.Sharing, err error) {
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, sharingView(sh))
	}
}

func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := sharing.ValidateMembersRequest(body); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	var req sharing.MembersRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	s.respondSharing(w, correlationID)(s.sharings.AddMembers(r.Context(), id, req))
}

func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	caller, ok := s.peer(w, r, id, correlationID)
	if !ok {
		return
	}
	var revs map[string][]string
	if !s.decodeJSONBody(w, r, correlationID, &revs) {
		return
	}
	missing, err := s.engine.RevsDiff(r.Context(), id, caller.index, revs)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, missing)
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	caller, ok := s.peer(w, r, id, correlationID)
	if !ok {
		return
	}
	var req peer.BulkDocsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	reply, result, err := s.engine.ApplyBulkDocs(r.Context(), id, caller.index, req.Rule, req.Docs)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Debug("bulk docs received", "sharing", id, "member", caller.index, "rule", req.Rule, "applied", result.Applied, "dropped", result.Dropped)
	writeJSON(w, http.StatusOK, peer.BulkDocsResponse{MissingContents: reply.Missing, Stored: reply.Stored})
}

func (s *Server) handleReceiveContent(w http.ResponseWriter, r *http.Request, id, md5sum, correlationID string) {
	caller, ok := s.peer(w, r, id, correlationID)
	if !ok {
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.engine.ReceiveContent(r.Context(), id, caller.index, md5sum, body); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) routeAuth(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	switch {
	case len(parts) == 2 && parts[0] == "authorize" && parts[1] == "sharing" && r.Method == http.MethodPost:
		if _, ok := s.user(w, r, ScopeSharings, correlationID); !ok {
			return
		}
		s.handleAuthorizeSharing(w, r, correlationID)
	case len(parts) == 1 && parts[0] == "access_token" && r.Method == http.MethodPost:
		var req peer.TokenRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		if !s.allow(w, "client:"+req.ClientID, correlationID) {
			return
		}
		token, err := s.tokens.Exchange(req.ClientID, req.ClientSecret)
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, peer.TokenResponse{AccessToken: token})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type authorizeSharingBody struct {
	SharingID string `json:"sharing_id"`
	State     string `json:"state"`
}

// handleAuthorizeSharing accepts an invitation on the recipient side.
func (s *Server) handleAuthorizeSharing(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body authorizeSharingBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	sh, err := sharing.Load(s.store, body.SharingID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if sh.Owner || len(sh.Credentials) != 1 || sh.Credentials[0].State != body.State {
		writeError(w, http.StatusForbidden, "forbidden", "invalid sharing state", correlationID)
		return
	}
	s.respondSharing(w, correlationID)(s.sharings.Accept(r.Context(), body.SharingID))
}
