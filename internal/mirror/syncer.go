package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

const feedPageSize = 500

type SyncerOptions struct {
	// RootID is the remote directory mirrored into LocalRoot.
	RootID    string
	LocalRoot string
	StateFile string
	Logger    Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// Syncer mirrors one remote directory. Local edits are pushed before the
// remote changes are pulled; an edit refused with a revision conflict stays
// on disk and is pushed again on the next cycle.
type Syncer struct {
	client    RemoteClient
	rootID    string
	localRoot string
	stateFile string
	logger    Logger
	state     mirrorState
	loaded    bool
	rootPath  string
}

// mirrorState is keyed by slash separated paths relative to the root.
type mirrorState struct {
	Seq   uint64                 `json:"seq"`
	Files map[string]trackedFile `json:"files"`
	Dirs  map[string]string      `json:"dirs"`
}

type trackedFile struct {
	ID          string `json:"id,omitempty"`
	Revision    string `json:"revision,omitempty"`
	ContentType string `json:"contentType"`
	Hash        string `json:"hash"`
	Dirty       bool   `json:"dirty,omitempty"`
}

type localSnapshot struct {
	Content     []byte
	ContentType string
	Hash        string
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	rootID := strings.TrimSpace(opts.RootID)
	if rootID == "" {
		return nil, fmt.Errorf("root id is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".relayshare-mirror-state.json")
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:    client,
		rootID:    rootID,
		localRoot: localRoot,
		stateFile: stateFile,
		logger:    opts.Logger,
		state:     newState(),
	}, nil
}

func newState() mirrorState {
	return mirrorState{Files: map[string]trackedFile{}, Dirs: map[string]string{}}
}

func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	root, err := s.client.GetFile(ctx, s.rootID)
	if err != nil {
		return fmt.Errorf("mirror root %s: %w", s.rootID, err)
	}
	if root.Doc == nil || !root.Doc.IsDir() {
		return fmt.Errorf("mirror root %s is not a directory", s.rootID)
	}
	s.rootPath = root.Path
	conflicted, err := s.pushLocal(ctx)
	if err != nil {
		return err
	}
	if err := s.pullRemote(ctx, conflicted); err != nil {
		return err
	}
	return s.saveState()
}

func (s *Syncer) pushLocal(ctx context.Context) (map[string]struct{}, error) {
	conflicted := map[string]struct{}{}
	localFiles, err := s.scanLocalFiles()
	if err != nil {
		return nil, err
	}

	for _, rel := range sortedKeys(localFiles) {
		snapshot := localFiles[rel]
		tracked, exists := s.state.Files[rel]
		if exists && tracked.Hash == snapshot.Hash && !tracked.Dirty {
			continue
		}
		if exists && tracked.ID != "" {
			doc, err := s.client.Overwrite(ctx, tracked.ID, tracked.Revision, snapshot.ContentType, snapshot.Content)
			switch {
			case err == nil:
				s.track(rel, doc, false)
				continue
			case errors.Is(err, ErrConflict):
				s.logf("conflict writing %s; keeping local content", rel)
				conflicted[rel] = struct{}{}
				s.markDirty(ctx, rel, tracked.ID, snapshot)
				continue
			case isNotFound(err):
				// gone remotely: upload it again as a new file
				delete(s.state.Files, rel)
			default:
				return nil, err
			}
		}
		parentID, err := s.ensureDir(ctx, path.Dir(rel))
		if err != nil {
			return nil, err
		}
		doc, err := s.client.Upload(ctx, parentID, path.Base(rel), snapshot.ContentType, snapshot.Content)
		if err != nil {
			if !errors.Is(err, ErrConflict) {
				return nil, err
			}
			s.logf("%s already exists remotely; keeping local content", rel)
			conflicted[rel] = struct{}{}
			existing, lookupErr := s.childByName(ctx, parentID, path.Base(rel))
			if lookupErr != nil {
				return nil, lookupErr
			}
			s.markDirty(ctx, rel, existing.ID, snapshot)
			continue
		}
		s.track(rel, doc, false)
	}

	for _, rel := range sortedKeys(s.state.Files) {
		tracked := s.state.Files[rel]
		if _, ok := localFiles[rel]; ok {
			continue
		}
		if tracked.ID == "" {
			delete(s.state.Files, rel)
			continue
		}
		err := s.client.Trash(ctx, tracked.ID, tracked.Revision)
		switch {
		case err == nil, isNotFound(err):
			delete(s.state.Files, rel)
		case errors.Is(err, ErrConflict):
			s.logf("conflict deleting %s; remote changed", rel)
			tracked.Dirty = false
			tracked.Hash = ""
			s.state.Files[rel] = tracked
		default:
			return nil, err
		}
	}
	return conflicted, nil
}

// markDirty records the current remote revision of id so the local content
// wins on the next push.
func (s *Syncer) markDirty(ctx context.Context, rel, id string, snapshot localSnapshot) {
	entry := trackedFile{ID: id, ContentType: snapshot.ContentType, Hash: snapshot.Hash, Dirty: true}
	if remote, err := s.client.GetFile(ctx, id); err == nil && remote.Doc != nil {
		entry.Revision = remote.Doc.Rev
	} else if tracked, ok := s.state.Files[rel]; ok {
		entry.Revision = tracked.Revision
	}
	s.state.Files[rel] = entry
}

func (s *Syncer) track(rel string, doc *docstore.Document, dirty bool) {
	s.state.Files[rel] = trackedFile{
		ID:          doc.ID,
		Revision:    doc.Rev,
		ContentType: doc.Mime,
		Hash:        doc.MD5Sum,
		Dirty:       dirty,
	}
}

// ensureDir returns the remote id of the directory rel, creating the
// missing levels.
func (s *Syncer) ensureDir(ctx context.Context, rel string) (string, error) {
	if rel == "." || rel == "" {
		return s.rootID, nil
	}
	if id, ok := s.state.Dirs[rel]; ok {
		return id, nil
	}
	parentID, err := s.ensureDir(ctx, path.Dir(rel))
	if err != nil {
		return "", err
	}
	doc, err := s.client.CreateDir(ctx, parentID, path.Base(rel))
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
		doc, err = s.childByName(ctx, parentID, path.Base(rel))
		if err != nil {
			return "", err
		}
		if !doc.IsDir() {
			return "", fmt.Errorf("%s exists remotely and is not a directory", rel)
		}
	}
	s.state.Dirs[rel] = doc.ID
	return doc.ID, nil
}

func (s *Syncer) childByName(ctx context.Context, parentID, name string) (*docstore.Document, error) {
	parent, err := s.client.GetFile(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, child := range parent.Children {
		if child.Name == name {
			return child, nil
		}
	}
	return nil, fmt.Errorf("%s not found in %s", name, parentID)
}

func (s *Syncer) pullRemote(ctx context.Context, conflicted map[string]struct{}) error {
	for {
		feed, err := s.client.Changes(ctx, s.state.Seq, feedPageSize)
		if err != nil {
			return err
		}
		for _, change := range feed.Results {
			if err := s.applyChange(ctx, change, conflicted); err != nil {
				return err
			}
		}
		s.state.Seq = feed.LastSeq
		if feed.Pending == 0 || len(feed.Results) == 0 {
			return nil
		}
	}
}

func (s *Syncer) applyChange(ctx context.Context, change docstore.Change, conflicted map[string]struct{}) error {
	if change.ID == s.rootID || docstore.IsReservedID(change.ID) {
		return nil
	}
	if change.Deleted {
		return s.removeByID(change.ID, conflicted)
	}
	remote, err := s.client.GetFile(ctx, change.ID)
	if err != nil {
		if isNotFound(err) {
			return s.removeByID(change.ID, conflicted)
		}
		return err
	}
	rel, ok := s.relPath(remote.Path)
	if !ok || remote.Doc == nil || remote.Doc.Trashed {
		return s.removeByID(change.ID, conflicted)
	}
	if remote.Doc.IsDir() {
		return s.applyRemoteDir(rel, remote.Doc.ID)
	}
	return s.applyRemoteFile(ctx, rel, remote.Doc, conflicted)
}

func (s *Syncer) relPath(remotePath string) (string, bool) {
	if remotePath == "" {
		return "", false
	}
	if s.rootPath == "/" {
		rel := strings.TrimPrefix(remotePath, "/")
		return rel, rel != ""
	}
	if !strings.HasPrefix(remotePath, s.rootPath+"/") {
		return "", false
	}
	return strings.TrimPrefix(remotePath, s.rootPath+"/"), true
}

func (s *Syncer) localPath(rel string) string {
	return filepath.Join(s.localRoot, filepath.FromSlash(rel))
}

func (s *Syncer) applyRemoteDir(rel, id string) error {
	oldRel := ""
	for known, knownID := range s.state.Dirs {
		if knownID == id && known != rel {
			oldRel = known
			break
		}
	}
	if oldRel != "" {
		oldPath, newPath := s.localPath(oldRel), s.localPath(rel)
		if _, err := os.Stat(newPath); errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
				return err
			}
			if err := os.Rename(oldPath, newPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		} else if err := s.moveTrackedFiles(oldRel, rel); err != nil {
			return err
		}
		s.movePrefix(oldRel, rel)
	}
	s.state.Dirs[rel] = id
	return os.MkdirAll(s.localPath(rel), 0o755)
}

// moveTrackedFiles moves the tracked files of oldRel one by one when the
// new directory already exists locally.
func (s *Syncer) moveTrackedFiles(oldRel, newRel string) error {
	for _, rel := range sortedKeys(s.state.Files) {
		if !strings.HasPrefix(rel, oldRel+"/") {
			continue
		}
		from := s.localPath(rel)
		to := s.localPath(newRel + strings.TrimPrefix(rel, oldRel))
		if _, err := os.Stat(to); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	_ = os.Remove(s.localPath(oldRel))
	return nil
}

// movePrefix rewrites the state of everything under a renamed directory.
func (s *Syncer) movePrefix(oldRel, newRel string) {
	for _, rel := range sortedKeys(s.state.Files) {
		if strings.HasPrefix(rel, oldRel+"/") {
			tracked := s.state.Files[rel]
			delete(s.state.Files, rel)
			s.state.Files[newRel+strings.TrimPrefix(rel, oldRel)] = tracked
		}
	}
	for _, rel := range sortedKeys(s.state.Dirs) {
		if rel == oldRel || strings.HasPrefix(rel, oldRel+"/") {
			id := s.state.Dirs[rel]
			delete(s.state.Dirs, rel)
			s.state.Dirs[newRel+strings.TrimPrefix(rel, oldRel)] = id
		}
	}
}

func (s *Syncer) applyRemoteFile(ctx context.Context, rel string, doc *docstore.Document, conflicted map[string]struct{}) error {
	if oldRel, tracked, ok := s.trackedByID(doc.ID); ok && oldRel != rel && !tracked.Dirty {
		oldPath, newPath := s.localPath(oldRel), s.localPath(rel)
		if current, err := os.ReadFile(oldPath); err == nil && docstore.ContentMD5(current) == tracked.Hash {
			if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
				return err
			}
			if err := os.Rename(oldPath, newPath); err != nil {
				return err
			}
		}
		delete(s.state.Files, oldRel)
	}
	if _, skip := conflicted[rel]; skip {
		return nil
	}
	if tracked, ok := s.state.Files[rel]; ok && tracked.Dirty {
		return nil
	}
	localPath := s.localPath(rel)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	current, err := os.ReadFile(localPath)
	if err != nil || docstore.ContentMD5(current) != doc.MD5Sum {
		content, err := s.client.Download(ctx, doc.ID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if err := writeFileAtomic(localPath, content, 0o644); err != nil {
			return err
		}
	}
	s.track(rel, doc, false)
	return nil
}

func (s *Syncer) trackedByID(id string) (string, trackedFile, bool) {
	for rel, tracked := range s.state.Files {
		if tracked.ID == id {
			return rel, tracked, true
		}
	}
	return "", trackedFile{}, false
}

func (s *Syncer) removeByID(id string, conflicted map[string]struct{}) error {
	if rel, tracked, ok := s.trackedByID(id); ok {
		if _, skip := conflicted[rel]; skip || tracked.Dirty {
			return nil
		}
		localPath := s.localPath(rel)
		if current, err := os.ReadFile(localPath); err == nil && docstore.ContentMD5(current) == tracked.Hash {
			_ = os.Remove(localPath)
		}
		delete(s.state.Files, rel)
		return nil
	}
	for _, rel := range sortedKeys(s.state.Dirs) {
		if s.state.Dirs[rel] != id {
			continue
		}
		// only empty directories go: local files not pushed yet stay
		_ = os.Remove(s.localPath(rel))
		for _, other := range sortedKeys(s.state.Dirs) {
			if other == rel || strings.HasPrefix(other, rel+"/") {
				delete(s.state.Dirs, other)
			}
		}
	}
	return nil
}

func (s *Syncer) scanLocalFiles() (map[string]localSnapshot, error) {
	results := map[string]localSnapshot{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if absPath, err := filepath.Abs(p); err == nil && absPath == statePathAbs {
			return nil
		}
		if isTempFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.localRoot, p)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		results[filepath.ToSlash(rel)] = localSnapshot{
			Content:     data,
			ContentType: detectContentType(p),
			Hash:        docstore.ContentMD5(data),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = newState()
			return nil
		}
		return err
	}
	state := newState()
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	if state.Dirs == nil {
		state.Dirs = map[string]string{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

func detectContentType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown"
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

func writeFileAtomic(p string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(p)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		return err
	}
	committed = true
	return nil
}
