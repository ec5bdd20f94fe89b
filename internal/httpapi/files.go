package httpapi

import (
	"net/http"
	"strings"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

type filePatchBody struct {
	Name     *string           `json:"name,omitempty"`
	DirID    *string           `json:"dir_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type fileResponse struct {
	Doc      *docstore.Document   `json:"doc"`
	Children []*docstore.Document `json:"children,omitempty"`
	Path     string               `json:"path,omitempty"`
}

func (s *Server) routeFiles(w http.ResponseWriter, r *http.Request, parts []string, correlationID string) {
	scope := ScopeFilesWrite
	if r.Method == http.MethodGet {
		scope = ScopeFilesRead
	}
	switch {
	case len(parts) <= 1 && r.Method == http.MethodPost:
		if _, ok := s.user(w, r, scope, correlationID); !ok {
			return
		}
		dirID := docstore.RootDirID
		if len(parts) == 1 {
			dirID = parts[0]
		}
		s.handleCreateFile(w, r, dirID, correlationID)
	case len(parts) == 2 && parts[0] == "download" && r.Method == http.MethodGet:
		if _, ok := s.user(w, r, scope, correlationID); !ok {
			return
		}
		s.handleDownload(w, parts[1], correlationID)
	case len(parts) == 2 && parts[0] == "trash" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		if _, ok := s.user(w, r, scope, correlationID); !ok {
			return
		}
		if r.Method == http.MethodPost {
			s.handleRestore(w, parts[1], correlationID)
			return
		}
		s.handleDestroy(w, parts[1], correlationID)
	case len(parts) == 1:
		if _, ok := s.user(w, r, scope, correlationID); !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleGetFile(w, parts[0], correlationID)
		case http.MethodPut:
			s.handleOverwrite(w, r, parts[0], correlationID)
		case http.MethodPatch:
			s.handlePatchFile(w, r, parts[0], correlationID)
		case http.MethodDelete:
			s.handleTrash(w, r, parts[0], correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request, dirID, correlationID string) {
	query := r.URL.Query()
	name := strings.TrimSpace(query.Get("Name"))
	var (
		doc *docstore.Document
		err error
	)
	switch query.Get("Type") {
	case docstore.TypeDirectory:
		doc, err = s.store.CreateDir(dirID, name)
	case docstore.TypeFile, "":
		body, ok := s.readRequestBody(w, r, correlationID)
		if !ok {
			return
		}
		doc, err = s.store.CreateFile(dirID, name, r.Header.Get("Content-Type"), body)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "Type must be file or directory", correlationID)
		return
	}
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, doc.Rev)
	writeJSON(w, http.StatusCreated, fileResponse{Doc: doc})
}

func (s *Server) handleGetFile(w http.ResponseWriter, id, correlationID string) {
	doc, err := s.store.Get(docstore.DoctypeFiles, id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	resp := fileResponse{Doc: doc}
	if doc.IsDir() {
		resp.Children = s.store.Children(doc.ID)
	}
	if path, err := s.store.Path(doc.ID); err == nil {
		resp.Path = path
	}
	setETag(w, doc.Rev)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, id, correlationID string) {
	doc, err := s.store.Get(docstore.DoctypeFiles, id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !doc.IsFile() {
		writeError(w, http.StatusBadRequest, "bad_request", "not a file", correlationID)
		return
	}
	content, err := s.store.Content(doc.MD5Sum)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	mime := doc.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	setETag(w, doc.Rev)
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleOverwrite(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	doc, err := s.store.UpdateFileContent(id, normalizeIfMatchHeader(r.Header.Get("If-Match")), r.Header.Get("Content-Type"), body)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, doc.Rev)
	writeJSON(w, http.StatusOK, fileResponse{Doc: doc})
}

func (s *Server) handlePatchFile(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var body filePatchBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	doc, err := s.store.PatchFile(id, normalizeIfMatchHeader(r.Header.Get("If-Match")), docstore.FilePatch{
		Name:     body.Name,
		DirID:    body.DirID,
		Metadata: body.Metadata,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, doc.Rev)
	writeJSON(w, http.StatusOK, fileResponse{Doc: doc})
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	doc, err := s.store.TrashFile(id, normalizeIfMatchHeader(r.Header.Get("If-Match")))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, doc.Rev)
	writeJSON(w, http.StatusOK, fileResponse{Doc: doc})
}

func (s *Server) handleRestore(w http.ResponseWriter, id, correlationID string) {
	doc, err := s.store.RestoreFile(id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	setETag(w, doc.Rev)
	writeJSON(w, http.StatusOK, fileResponse{Doc: doc})
}

func (s *Server) handleDestroy(w http.ResponseWriter, id, correlationID string) {
	destroyed, err := s.store.DestroyFile(id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destroyed": len(destroyed)})
}
