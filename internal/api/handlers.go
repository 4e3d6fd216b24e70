package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/weave/internal/fstree"
	"github.com/starford/weave/internal/workspace"
)

// Handler holds API route handlers.
type Handler struct {
	svc *workspace.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *workspace.Service) *Handler {
	return &Handler{svc: svc}
}

// urlParam returns a decoded route parameter. Supports encoded slashes
// (e.g. room%2F01HZX) in document names.
func urlParam(r *http.Request, key string) string {
	raw := strings.TrimPrefix(chi.URLParam(r, key), "/")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List persisted and resident documents
//	@Tags			documents
//	@Produce		json
//	@Success		200	{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Documents(r.Context())
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs})
}

// CompactDocument handles POST /api/documents/{name}/compact.
//
//	@Summary		Replace a document's history with one snapshot
//	@Tags			documents
//	@Param			name	path	string	true	"Document name (URL-encoded)"
//	@Success		204		"Compacted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{name}/compact [post]
func (h *Handler) CompactDocument(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	if err := h.svc.Compact(r.Context(), name); err != nil {
		writeError(w, "compact", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTree handles GET /api/rooms/{room}/tree.
//
//	@Summary		Get the file tree of a room
//	@Tags			rooms
//	@Produce		json
//	@Param			room	path		string	true	"Room"
//	@Success		200		{object}	TreeView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rooms/{room}/tree [get]
func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Tree(r.Context(), urlParam(r, "room"))
	if err != nil {
		writeError(w, "get tree", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetFile handles GET /api/rooms/{room}/files/*.
//
//	@Summary		Read a file by node id or path
//	@Tags			rooms
//	@Produce		json
//	@Param			room	path		string	true	"Room"
//	@Param			ref		path		string	true	"Node id or slash-separated path"
//	@Success		200		{object}	FileContent
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rooms/{room}/files/{ref} [get]
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	ref := urlParam(r, "*")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("file reference is required"))
		return
	}
	fc, err := h.svc.ReadFile(r.Context(), urlParam(r, "room"), ref)
	if err != nil {
		writeError(w, "read file", err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// CreateNode handles POST /api/rooms/{room}/nodes.
//
//	@Summary		Create a file or folder
//	@Tags			rooms
//	@Accept			json
//	@Produce		json
//	@Param			room	path		string				true	"Room"
//	@Param			body	body		CreateNodeRequest	true	"Node to create"
//	@Success		201		{object}	NodeResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rooms/{room}/nodes [post]
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Name == "" || (req.Kind != fstree.KindFile && req.Kind != fstree.KindFolder) {
		writeJSON(w, http.StatusBadRequest, errorBody("name and kind (file|folder) are required"))
		return
	}
	node, err := h.svc.CreateNode(r.Context(), urlParam(r, "room"), req.ParentID, req.Name, req.Kind)
	if err != nil {
		writeError(w, "create node", err)
		return
	}
	writeJSON(w, http.StatusCreated, nodeResponse(node))
}

// UpdateNode handles PATCH /api/rooms/{room}/nodes/{id}.
//
//	@Summary		Rename and/or move a node
//	@Tags			rooms
//	@Accept			json
//	@Param			room	path	string				true	"Room"
//	@Param			id		path	string				true	"Node id"
//	@Param			body	body	UpdateNodeRequest	true	"Changes"
//	@Success		204		"Updated"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rooms/{room}/nodes/{id} [patch]
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req UpdateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Name == nil && req.ParentID == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("name or parent_id is required"))
		return
	}
	room, id := urlParam(r, "room"), urlParam(r, "id")
	if req.Name != nil {
		if err := h.svc.RenameNode(r.Context(), room, id, *req.Name); err != nil {
			writeError(w, "rename node", err)
			return
		}
	}
	if req.ParentID != nil {
		if err := h.svc.MoveNode(r.Context(), room, id, *req.ParentID); err != nil {
			writeError(w, "move node", err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteNode handles DELETE /api/rooms/{room}/nodes/{id}.
//
//	@Summary		Delete a node and its subtree
//	@Tags			rooms
//	@Param			room	path	string	true	"Room"
//	@Param			id		path	string	true	"Node id"
//	@Success		204		"Deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rooms/{room}/nodes/{id} [delete]
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNode(r.Context(), urlParam(r, "room"), urlParam(r, "id")); err != nil {
		writeError(w, "delete node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRoom handles DELETE /api/rooms/{room}.
//
//	@Summary		Erase a room and every document in it
//	@Tags			rooms
//	@Param			room	path	string	true	"Room"
//	@Success		204		"Deleted"
//	@Security		BearerAuth
//	@Router			/rooms/{room} [delete]
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRoom(r.Context(), urlParam(r, "room")); err != nil {
		writeError(w, "delete room", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
