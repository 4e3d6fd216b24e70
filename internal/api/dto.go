package api

import (
	"github.com/starford/weave/internal/fstree"
	"github.com/starford/weave/internal/models"
)

// CreateNodeRequest is the request body for creating a tree node.
type CreateNodeRequest struct {
	ParentID string      `json:"parent_id,omitempty" example:"01HZX3J4K5M6N7P8Q9R0S1T2V3"`
	Name     string      `json:"name" example:"main.go" validate:"required"`
	Kind     fstree.Kind `json:"kind" example:"file" validate:"required"`
}

// UpdateNodeRequest renames and/or moves a node. A nil field is left as is;
// an empty parent_id moves the node to the root level.
type UpdateNodeRequest struct {
	Name     *string `json:"name,omitempty" example:"renamed.go"`
	ParentID *string `json:"parent_id,omitempty"`
}

// NodeResponse describes a created node.
type NodeResponse struct {
	ID         string      `json:"id" validate:"required"`
	Name       string      `json:"name" validate:"required"`
	Kind       fstree.Kind `json:"kind" validate:"required"`
	ParentID   string      `json:"parent_id,omitempty"`
	ContentRef string      `json:"content_ref,omitempty"`
}

// DocumentListResponse wraps the document listing.
type DocumentListResponse struct {
	Documents []models.Document `json:"documents" validate:"required"`
}

// TreeView is the tree response type (aliased from the domain layer).
type TreeView = models.TreeView

// FileContent is the file response type (aliased from the domain layer).
type FileContent = models.FileContent

func nodeResponse(n fstree.Node) NodeResponse {
	resp := NodeResponse{ID: n.NodeID(), Name: n.NodeName(), Kind: n.Kind(), ParentID: n.Parent()}
	if f, ok := n.(*fstree.File); ok {
		resp.ContentRef = f.ContentRef
	}
	return resp
}
