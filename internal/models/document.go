// Package models defines the domain types shared by the service layers.
package models

import (
	"time"

	"github.com/starford/weave/internal/fstree"
)

// Document describes one document known to the server, persisted, resident
// in memory, or both.
type Document struct {
	Name         string     `json:"name"`
	Room         string     `json:"room"`
	Persisted    bool       `json:"persisted"`
	Resident     bool       `json:"resident"`
	Refs         int        `json:"refs"`
	Clients      int        `json:"clients"`
	Dirty        bool       `json:"dirty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// TreeView is the file tree of a room.
type TreeView struct {
	Room  string            `json:"room"`
	Nodes []*fstree.Entry   `json:"nodes"`
	Locks map[string]uint64 `json:"locks,omitempty"`
}

// FileContent is the text of one file node.
type FileContent struct {
	Room       string `json:"room"`
	NodeID     string `json:"node_id"`
	Path       string `json:"path"`
	ContentRef string `json:"content_ref"`
	Content    string `json:"content"`
}
