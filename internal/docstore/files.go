package docstore

import (
	"fmt"
	"sort"
	"strings"
)

const maxTreeDepth = 512

// FilePatch carries the mutable attributes of a file or directory. Nil fields
// are left unchanged.
type FilePatch struct {
	Name     *string
	DirID    *string
	Metadata map[string]string
}

func (s *Store) ensureFileRootsLocked() []Change {
	roots := []*Document{
		{ID: RootDirID, Doctype: DoctypeFiles, Type: TypeDirectory},
		{ID: TrashDirID, Doctype: DoctypeFiles, Type: TypeDirectory, Name: TrashDirName, DirID: RootDirID},
		{ID: SharedWithMeDirID, Doctype: DoctypeFiles, Type: TypeDirectory, Name: SharedWithMeDirName, DirID: RootDirID},
	}
	changes := make([]Change, 0, len(roots))
	now := s.now()
	for _, doc := range roots {
		if s.lookupLocked(DoctypeFiles, doc.ID) != nil {
			continue
		}
		doc.CreatedAt = now
		doc.UpdatedAt = now
		doc.Rev = NextRevision("", doc)
		doc.Revisions = []string{doc.Rev}
		changes = append(changes, s.writeLocked(doc, VerbCreated))
	}
	return changes
}

func isFixedDir(id string) bool {
	return id == RootDirID || id == TrashDirID || id == SharedWithMeDirID
}

func (s *Store) Path(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathLocked(id)
}

func (s *Store) pathLocked(id string) (string, error) {
	if id == RootDirID {
		return "/", nil
	}
	parts := make([]string, 0, 8)
	current := id
	for depth := 0; current != RootDirID; depth++ {
		if depth > maxTreeDepth {
			return "", fmt.Errorf("%w: directory cycle at %s", ErrCorrupted, id)
		}
		doc := s.lookupLocked(DoctypeFiles, current)
		if doc == nil || doc.Deleted {
			return "", ErrNotFound
		}
		parts = append(parts, doc.Name)
		current = doc.DirID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}

// IsUnder reports whether id is a live strict descendant of ancestorID. A
// document inside the trash is only under the trash directory.
func (s *Store) IsUnder(id, ancestorID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isUnderLocked(id, ancestorID)
}

func (s *Store) isUnderLocked(id, ancestorID string) bool {
	doc := s.lookupLocked(DoctypeFiles, id)
	if doc == nil || doc.Deleted || id == ancestorID {
		return false
	}
	current := doc.DirID
	for depth := 0; depth <= maxTreeDepth; depth++ {
		if current == ancestorID {
			return true
		}
		if current == RootDirID || current == TrashDirID || current == "" {
			return false
		}
		parent := s.lookupLocked(DoctypeFiles, current)
		if parent == nil || parent.Deleted {
			return false
		}
		current = parent.DirID
	}
	return false
}

func (s *Store) inTrashLocked(id string) bool {
	return id == TrashDirID || s.isUnderLocked(id, TrashDirID)
}

func (s *Store) Children(dirID string) []*Document {
	return s.Find(DoctypeFiles, func(doc *Document) bool {
		return doc.DirID == dirID && doc.ID != dirID
	})
}

func (s *Store) ChildByName(dirID, name string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	child := s.childByNameLocked(dirID, name, "")
	if child == nil {
		return nil, false
	}
	return s.presentLocked(child), true
}

func (s *Store) childByNameLocked(dirID, name, exceptID string) *Document {
	coll, ok := s.collections[DoctypeFiles]
	if !ok {
		return nil
	}
	for _, doc := range coll.Docs {
		if doc.Deleted || doc.ID == exceptID || doc.DirID != dirID {
			continue
		}
		if doc.Name == name {
			return doc
		}
	}
	return nil
}

// Descendants lists every live document below dirID, parents first.
func (s *Store) Descendants(dirID string) []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0)
	for _, doc := range s.descendantsLocked(dirID) {
		out = append(out, s.presentLocked(doc))
	}
	return out
}

func (s *Store) descendantsLocked(dirID string) []*Document {
	coll, ok := s.collections[DoctypeFiles]
	if !ok {
		return nil
	}
	byParent := map[string][]*Document{}
	for _, doc := range coll.Docs {
		if doc.Deleted {
			continue
		}
		byParent[doc.DirID] = append(byParent[doc.DirID], doc)
	}
	out := make([]*Document, 0)
	queue := []string{dirID}
	seen := map[string]bool{dirID: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children := byParent[current]
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			out = append(out, child)
			if child.Type == TypeDirectory {
				queue = append(queue, child.ID)
			}
		}
	}
	return out
}

// FreeName returns name if no live sibling in dirID other than exceptID uses
// it, or the first free "base (N).ext" with N starting at 2.
func (s *Store) FreeName(dirID, name, exceptID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freeNameLocked(dirID, name, exceptID)
}

func (s *Store) freeNameLocked(dirID, name, exceptID string) string {
	if s.childByNameLocked(dirID, name, exceptID) == nil {
		return name
	}
	base, ext := SplitExt(name)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if s.childByNameLocked(dirID, candidate, exceptID) == nil {
			return candidate
		}
	}
}

func (s *Store) checkParentLocked(dirID string) error {
	parent := s.lookupLocked(DoctypeFiles, dirID)
	if parent == nil || parent.Deleted {
		return fmt.Errorf("%w: parent %s", ErrNotFound, dirID)
	}
	if parent.Type != TypeDirectory {
		return fmt.Errorf("%w: parent %s is not a directory", ErrInvalidInput, dirID)
	}
	if s.inTrashLocked(dirID) {
		return fmt.Errorf("%w: parent %s is in the trash", ErrInvalidState, dirID)
	}
	return nil
}

func (s *Store) CreateDir(parentID, name string) (*Document, error) {
	return s.CreateDirWithID("", parentID, name)
}

// CreateDirWithID creates a directory with a caller chosen id.
func (s *Store) CreateDirWithID(id, parentID, name string) (*Document, error) {
	return s.createFile(&Document{
		ID:      id,
		Doctype: DoctypeFiles,
		Type:    TypeDirectory,
		Name:    name,
		DirID:   parentID,
	})
}

func (s *Store) CreateFile(parentID, name, mime string, content []byte) (*Document, error) {
	sum := s.PutContent(content)
	if strings.TrimSpace(mime) == "" {
		mime = "application/octet-stream"
	}
	return s.createFile(&Document{
		Doctype: DoctypeFiles,
		Type:    TypeFile,
		Name:    name,
		DirID:   parentID,
		MD5Sum:  sum,
		Size:    int64(len(content)),
		Mime:    mime,
	})
}

func (s *Store) createFile(doc *Document) (*Document, error) {
	if doc.ID == "" {
		doc.ID = NewID()
	}
	if err := ValidateName(doc.Name); err != nil {
		return nil, err
	}
	return s.create(doc, func() error {
		if err := s.checkParentLocked(doc.DirID); err != nil {
			return err
		}
		if s.childByNameLocked(doc.DirID, doc.Name, "") != nil {
			return fmt.Errorf("%w: %s", ErrNameConflict, doc.Name)
		}
		return nil
	})
}

func (s *Store) UpdateFileContent(id, ifMatch, mime string, content []byte) (*Document, error) {
	sum := s.PutContent(content)
	return s.editFile(id, ifMatch, func(next *Document) error {
		if next.Type != TypeFile {
			return fmt.Errorf("%w: %s is not a file", ErrInvalidInput, id)
		}
		next.MD5Sum = sum
		next.Size = int64(len(content))
		if strings.TrimSpace(mime) != "" {
			next.Mime = mime
		}
		return nil
	})
}

// PatchFile renames, moves, or updates the metadata of a live file or
// directory. An empty ifMatch skips the revision check.
func (s *Store) PatchFile(id, ifMatch string, patch FilePatch) (*Document, error) {
	return s.editFile(id, ifMatch, func(next *Document) error {
		if next.Trashed {
			return fmt.Errorf("%w: %s is in the trash", ErrInvalidState, id)
		}
		if patch.Name != nil {
			if err := ValidateName(*patch.Name); err != nil {
				return err
			}
			next.Name = *patch.Name
		}
		if patch.DirID != nil && *patch.DirID != next.DirID {
			target := *patch.DirID
			if err := s.checkParentLocked(target); err != nil {
				return err
			}
			if next.Type == TypeDirectory && (target == id || s.isUnderLocked(target, id)) {
				return fmt.Errorf("%w: cannot move %s into its own subtree", ErrInvalidInput, id)
			}
			next.DirID = target
		}
		if patch.Metadata != nil {
			next.Metadata = make(map[string]string, len(patch.Metadata))
			for key, value := range patch.Metadata {
				next.Metadata[key] = value
			}
		}
		if s.childByNameLocked(next.DirID, next.Name, id) != nil {
			return fmt.Errorf("%w: %s", ErrNameConflict, next.Name)
		}
		return nil
	})
}

// TrashFile moves a document to the trash, remembering where it came from.
func (s *Store) TrashFile(id, ifMatch string) (*Document, error) {
	return s.editFile(id, ifMatch, func(next *Document) error {
		if next.Trashed || s.inTrashLocked(id) {
			return fmt.Errorf("%w: %s is already in the trash", ErrInvalidState, id)
		}
		next.RestoreDirID = next.DirID
		next.DirID = TrashDirID
		next.Trashed = true
		return nil
	})
}

// RestoreFile moves a trashed document back to its previous directory, or to
// the root when that directory is gone. The name is made unique if needed.
func (s *Store) RestoreFile(id string) (*Document, error) {
	return s.editFile(id, "", func(next *Document) error {
		if !next.Trashed {
			return fmt.Errorf("%w: %s is not in the trash", ErrInvalidState, id)
		}
		target := next.RestoreDirID
		if target == "" || s.checkParentLocked(target) != nil {
			target = RootDirID
		}
		next.DirID = target
		next.Trashed = false
		next.RestoreDirID = ""
		next.Name = s.freeNameLocked(target, next.Name, id)
		return nil
	})
}

// DestroyFile permanently deletes a trashed document and everything below it.
func (s *Store) DestroyFile(id string) ([]*Document, error) {
	s.mu.Lock()
	existing := s.lookupLocked(DoctypeFiles, id)
	if existing == nil || existing.Deleted {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !existing.Trashed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s must be trashed before it is destroyed", ErrInvalidState, id)
	}
	victims := append([]*Document{existing}, s.descendantsLocked(id)...)
	changes := make([]Change, 0, len(victims))
	out := make([]*Document, 0, len(victims))
	for _, victim := range victims {
		tomb := victim.Tombstone()
		changes = append(changes, s.reviseLocked(victim, tomb))
		out = append(out, tomb.Clone())
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(changes)
	return out, nil
}

func (s *Store) editFile(id, ifMatch string, mutate func(next *Document) error) (*Document, error) {
	if isFixedDir(id) {
		return nil, fmt.Errorf("%w: %s cannot be modified", ErrInvalidInput, id)
	}
	s.mu.Lock()
	existing := s.lookupLocked(DoctypeFiles, id)
	if existing == nil || existing.Deleted {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if ifMatch != "" && ifMatch != existing.Rev {
		s.mu.Unlock()
		return nil, &ConflictError{ExpectedRevision: ifMatch, CurrentRevision: existing.Rev}
	}
	next := existing.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if SameContent(existing, next) {
		out := s.presentLocked(existing)
		s.mu.Unlock()
		return out, nil
	}
	changes, out, err := s.commitEditLocked(existing, next)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(changes)
	return out, nil
}
