package fstree

// Kind discriminates the two node variants.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Node is either a *File or a *Folder. ParentID is empty for root-level nodes.
type Node interface {
	NodeID() string
	NodeName() string
	Parent() string
	Kind() Kind
}

// Folder is a node that may contain other nodes.
type Folder struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	ParentID string   `json:"parent_id,omitempty"`
	Children []string `json:"children"`
}

// File is a leaf node whose text lives in a separate document named by ContentRef.
type File struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ParentID   string `json:"parent_id,omitempty"`
	ContentRef string `json:"content_ref"`
}

func (f *Folder) NodeID() string   { return f.ID }
func (f *Folder) NodeName() string { return f.Name }
func (f *Folder) Parent() string   { return f.ParentID }
func (f *Folder) Kind() Kind       { return KindFolder }

func (f *File) NodeID() string   { return f.ID }
func (f *File) NodeName() string { return f.Name }
func (f *File) Parent() string   { return f.ParentID }
func (f *File) Kind() Kind       { return KindFile }

// Entry is a nested, JSON-friendly rendering of a subtree.
type Entry struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	ContentRef string   `json:"content_ref,omitempty"`
	Children   []*Entry `json:"children,omitempty"`
}
