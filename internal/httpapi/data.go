package httpapi

import (
	"net/http"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

// dataDoctype reports whether the generic data API serves doctype. Files
// have their own routes and internal doctypes are never exposed.
func (s *Server) dataDoctype(doctype string) bool {
	return doctype != docstore.DoctypeFiles && s.store.Registry().Shareable(doctype)
}

func (s *Server) routeData(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	doctype := parts[0]
	scope := ScopeDataWrite
	if r.Method == http.MethodGet {
		scope = ScopeDataRead
	}
	if _, ok := s.user(w, r, scope, correlationID); !ok {
		return
	}
	if len(parts) == 2 && parts[1] == "_changes" && r.Method == http.MethodGet {
		// the feed of files is readable too: the mirror follows it
		if doctype != docstore.DoctypeFiles && !s.dataDoctype(doctype) {
			writeError(w, http.StatusForbidden, "forbidden", "doctype not exposed", correlationID)
			return
		}
		s.handleChanges(w, r, doctype, correlationID)
		return
	}
	if !s.dataDoctype(doctype) {
		writeError(w, http.StatusForbidden, "forbidden", "doctype not exposed", correlationID)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.handleCreateDoc(w, r, doctype, correlationID)
	case len(parts) == 2 && r.Method == http.MethodGet:
		doc, err := s.store.Get(doctype, parts[1])
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		setETag(w, doc.Rev)
		writeJSON(w, http.StatusOK, doc)
	case len(parts) == 2 && r.Method == http.MethodPut:
		s.handleUpdateDoc(w, r, doctype, parts[1], correlationID)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		rev := r.URL.Query().Get("rev")
		if rev == "" {
			rev = normalizeIfMatchHeader(r.Header.Get("If-Match"))
		}
		doc, err := s.store.Delete(doctype, parts[1], rev)
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCreateDoc(w http.ResponseWriter, r *http.Request, doctype, correlationID string) {
	var doc docstore.Document
	if !s.decodeJSONBody(w, r, correlationID, &doc) {
		return
	}
	doc.Doctype = doctype
	doc.Rev = ""
	doc.Revisions = nil
	created, err := s.store.Create(&doc)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, created.Rev)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateDoc(w http.ResponseWriter, r *http.Request, doctype, id, correlationID string) {
	var doc docstore.Document
	if !s.decodeJSONBody(w, r, correlationID, &doc) {
		return
	}
	doc.Doctype = doctype
	doc.ID = id
	if doc.Rev == "" {
		doc.Rev = normalizeIfMatchHeader(r.Header.Get("If-Match"))
	}
	updated, err := s.store.Update(&doc)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, updated.Rev)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, doctype, correlationID string) {
	since, err := parseOptionalUint(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	feed, err := s.store.Changes(doctype, since, limit)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}
