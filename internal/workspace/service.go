// Package workspace implements room-level operations on top of the document
// registry: tree views, server-side tree edits, file reads and room deletion.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/auth"
	"github.com/starford/weave/internal/crdt"
	"github.com/starford/weave/internal/fstree"
	"github.com/starford/weave/internal/models"
	"github.com/starford/weave/internal/session"
	"github.com/starford/weave/internal/sse"
	"github.com/starford/weave/internal/storage"
)

// ContentText is the text inside a file document that holds the file body.
const ContentText = "content"

// FileDocument names the document holding a file's content.
func FileDocument(room, contentRef string) string {
	return room + "/" + contentRef
}

// Service coordinates the registry and the store for whole rooms.
type Service struct {
	reg     *session.Registry
	store   storage.Store
	events  session.EventSink
	logger  *slog.Logger
	orphans fstree.OrphanPolicy
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes room deletions to sink.
func WithEvents(sink session.EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithOrphanPolicy sets how tree views show nodes whose parent was deleted.
func WithOrphanPolicy(p fstree.OrphanPolicy) Option {
	return func(s *Service) { s.orphans = p }
}

// NewService creates a workspace service.
func NewService(reg *session.Registry, store storage.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		reg:    reg,
		store:  store,
		logger: logger.With(slog.String("component", "workspace")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) tree(doc *crdt.Doc) *fstree.Tree {
	return fstree.New(doc, fstree.WithOrphanPolicy(s.orphans))
}

// read runs fn against the freshest state of name: the resident session if
// there is one, otherwise a replica rebuilt from the store.
func (s *Service) read(ctx context.Context, name string, fn func(doc *crdt.Doc)) error {
	if sess, ok := s.reg.Lookup(name); ok {
		sess.Read(fn)
		return nil
	}
	doc, err := s.load(ctx, name)
	if err != nil {
		return err
	}
	fn(doc)
	return nil
}

func (s *Service) load(ctx context.Context, name string) (*crdt.Doc, error) {
	rec, err := s.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	doc := crdt.New()
	if len(rec.Snapshot) > 0 {
		if _, err := doc.Apply(rec.Snapshot); err != nil {
			return nil, fmt.Errorf("workspace: load %s: %w", name, err)
		}
	}
	for _, u := range rec.Updates {
		if _, err := doc.Apply(u); err != nil {
			return nil, fmt.Errorf("workspace: load %s: %w", name, err)
		}
	}
	return doc, nil
}

// mutate acquires name for the duration of fn so the change is broadcast to
// attached peers and persisted with the session.
func (s *Service) mutate(ctx context.Context, name string, fn func(doc *crdt.Doc) ([]byte, error)) error {
	sess, err := s.reg.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Release(); err != nil {
			s.logger.Error("release failed", slog.String("document", name), slog.String("error", err.Error()))
		}
	}()
	_, err = sess.Mutate(fn)
	return err
}

// Documents lists every persisted or resident document, ordered by name.
func (s *Service) Documents(ctx context.Context) ([]models.Document, error) {
	names, err := s.store.Names(ctx, "")
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.Document, len(names))
	for _, n := range names {
		byName[n] = &models.Document{Name: n, Room: auth.RoomOf(n), Persisted: true}
	}
	for _, info := range s.reg.Resident() {
		d, ok := byName[info.Name]
		if !ok {
			d = &models.Document{Name: info.Name, Room: auth.RoomOf(info.Name)}
			byName[info.Name] = d
		}
		last := info.LastActivity
		d.Resident = true
		d.Refs = info.Refs
		d.Clients = info.Clients
		d.Dirty = info.Dirty
		d.LastActivity = &last
	}

	out := make([]models.Document, 0, len(byName))
	for _, d := range byName {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Tree returns the file tree of room with the current rename locks.
func (s *Service) Tree(ctx context.Context, room string) (*models.TreeView, error) {
	view := &models.TreeView{Room: room}
	err := s.read(ctx, room, func(doc *crdt.Doc) {
		view.Nodes = s.tree(doc).Nested()
	})
	if err != nil {
		return nil, err
	}
	if sess, ok := s.reg.Lookup(room); ok {
		view.Locks = sess.Locks()
	}
	return view, nil
}

// ReadFile returns the content of the file addressed by ref, which is either
// a node id or a slash-separated path inside the room.
func (s *Service) ReadFile(ctx context.Context, room, ref string) (*models.FileContent, error) {
	var file *fstree.File
	var path string
	err := s.read(ctx, room, func(doc *crdt.Doc) {
		tree := s.tree(doc)
		n := tree.Node(ref)
		if n == nil {
			n = tree.Resolve(ref)
		}
		if f, ok := n.(*fstree.File); ok {
			file = f
			path, _ = tree.Path(f.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("workspace: %s in %s: %w", ref, room, apperr.ErrNodeNotFound)
	}

	fc := &models.FileContent{Room: room, NodeID: file.ID, Path: path, ContentRef: file.ContentRef}
	err = s.read(ctx, FileDocument(room, file.ContentRef), func(doc *crdt.Doc) {
		fc.Content = doc.Text(ContentText)
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return fc, nil
}

// CreateNode adds a file or folder to room.
func (s *Service) CreateNode(ctx context.Context, room, parentID, name string, kind fstree.Kind) (fstree.Node, error) {
	var node fstree.Node
	err := s.mutate(ctx, room, func(doc *crdt.Doc) ([]byte, error) {
		n, update, err := s.tree(doc).Create(parentID, name, kind)
		node = n
		return update, err
	})
	return node, err
}

// RenameNode renames a node in room.
func (s *Service) RenameNode(ctx context.Context, room, id, name string) error {
	return s.mutate(ctx, room, func(doc *crdt.Doc) ([]byte, error) {
		return s.tree(doc).Rename(id, name)
	})
}

// MoveNode reparents a node in room.
func (s *Service) MoveNode(ctx context.Context, room, id, parentID string) error {
	return s.mutate(ctx, room, func(doc *crdt.Doc) ([]byte, error) {
		return s.tree(doc).Move(id, parentID)
	})
}

// DeleteNode removes a node and its subtree, then clears the content
// documents of every removed file.
func (s *Service) DeleteNode(ctx context.Context, room, id string) error {
	var refs []string
	err := s.mutate(ctx, room, func(doc *crdt.Doc) ([]byte, error) {
		update, removed, err := s.tree(doc).DeleteRecursive(id)
		refs = removed
		return update, err
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, ref := range refs {
		if err := s.clear(ctx, FileDocument(room, ref)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compact snapshots name, through its session when resident.
func (s *Service) Compact(ctx context.Context, name string) error {
	if sess, ok := s.reg.Lookup(name); ok {
		if err := sess.Flush(ctx); err != nil {
			return err
		}
		return sess.Compact(ctx)
	}
	doc, err := s.load(ctx, name)
	if err != nil {
		return err
	}
	return s.store.Compact(ctx, name, doc.EncodeState())
}

// DeleteRoom evicts and erases every document of room: the tree document,
// every file content document it references, and anything else stored or
// resident under "<room>/".
func (s *Service) DeleteRoom(ctx context.Context, room string) error {
	if room == "" || strings.Contains(room, "/") {
		return fmt.Errorf("workspace: room %q: %w", room, apperr.ErrInvalidName)
	}
	names := map[string]bool{room: true}

	err := s.read(ctx, room, func(doc *crdt.Doc) {
		for _, ref := range s.tree(doc).ContentRefs() {
			names[FileDocument(room, ref)] = true
		}
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	stored, err := s.store.Names(ctx, room+"/")
	if err != nil {
		return err
	}
	for _, n := range stored {
		names[n] = true
	}
	for _, info := range s.reg.Resident() {
		if strings.HasPrefix(info.Name, room+"/") {
			names[info.Name] = true
		}
	}

	var errs []error
	for name := range names {
		if err := s.clear(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("room deleted", slog.String("room", room), slog.Int("documents", len(names)))
	return errors.Join(errs...)
}

// clear disconnects everyone from name and erases its stored history. name
// cannot be reacquired until the store is cleared.
func (s *Service) clear(ctx context.Context, name string) error {
	if err := s.reg.Erase(ctx, name, func(ctx context.Context) error {
		return s.store.Clear(ctx, name)
	}); err != nil {
		return fmt.Errorf("workspace: clear %s: %w", name, err)
	}
	if s.events != nil {
		s.events.PublishDocumentEvent(sse.KindCleared, name, 0)
	}
	return nil
}
