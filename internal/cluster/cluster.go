// Package cluster runs several relayshare instances on loopback HTTP servers
// so sharings can be exercised end to end.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentworkforce/relayshare/internal/config"
	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/instance"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

const settleInterval = 15 * time.Millisecond

type Options struct {
	Names []string
	// Debounce applies to both the replicate and the upload triggers.
	Debounce time.Duration
	// LogOutput defaults to io.Discard.
	LogOutput io.Writer
	LogLevel  string
}

// Node is one instance of the cluster.
type Node struct {
	*instance.Instance
	Name   string
	URL    string
	server *httptest.Server
}

type Cluster struct {
	nodes  []*Node
	byName map[string]*Node
}

func New(opts Options) (*Cluster, error) {
	if len(opts.Names) == 0 {
		return nil, fmt.Errorf("cluster needs at least one node")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 10 * time.Millisecond
	}
	if opts.LogOutput == nil {
		opts.LogOutput = io.Discard
	}
	c := &Cluster{byName: map[string]*Node{}}
	for _, name := range opts.Names {
		if _, dup := c.byName[name]; dup {
			_ = c.Close()
			return nil, fmt.Errorf("duplicate node %s", name)
		}
		node, err := newNode(name, opts)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.nodes = append(c.nodes, node)
		c.byName[name] = node
	}
	return c, nil
}

func newNode(name string, opts Options) (*Node, error) {
	server := httptest.NewUnstartedServer(nil)
	addr := server.Listener.Addr().String()
	cfg := config.Default()
	cfg.Domain = addr
	cfg.PublicURL = "http://" + addr
	cfg.PublicName = name
	cfg.LogLevel = opts.LogLevel
	cfg.JWTSecret = name + "-secret"
	cfg.StateBackendDSN = "memory://"
	cfg.Sharing.ReplicateDebounce.Duration = opts.Debounce
	cfg.Sharing.UploadDebounce.Duration = opts.Debounce
	cfg.Sharing.DiscoveryRetryDelay.Duration = 20 * time.Millisecond
	in, err := instance.New(instance.Options{
		Config:     cfg,
		LogOutput:  opts.LogOutput,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) },
	})
	if err != nil {
		server.Close()
		return nil, err
	}
	server.Config.Handler = in.Handler
	return &Node{Instance: in, Name: name, URL: cfg.PublicURL, server: server}, nil
}

// Start serves every node and runs its workers.
func (c *Cluster) Start() {
	for _, n := range c.nodes {
		n.server.Start()
		n.Instance.Start()
	}
}

// Close stops the servers first so no peer call reaches a closed store.
func (c *Cluster) Close() error {
	var err error
	for _, n := range c.nodes {
		n.server.CloseClientConnections()
		n.server.Close()
	}
	for _, n := range c.nodes {
		err = errors.Join(err, n.Instance.Close())
	}
	return err
}

func (c *Cluster) Node(name string) *Node {
	return c.byName[name]
}

func (c *Cluster) Nodes() []*Node {
	return append([]*Node(nil), c.nodes...)
}

func (c *Cluster) idle() bool {
	for _, n := range c.nodes {
		if !n.Scheduler.Idle() {
			return false
		}
	}
	return true
}

// Quiesce waits until every node has been idle for two consecutive checks.
// A store write arms the local triggers before the peer call that caused it
// returns, so an idle cluster has nothing left in flight.
func (c *Cluster) Quiesce(ctx context.Context) error {
	stable := 0
	for stable < 2 {
		for _, n := range c.nodes {
			if err := n.Wait(ctx); err != nil {
				return err
			}
		}
		if c.idle() {
			stable++
		} else {
			stable = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settleInterval):
		}
	}
	return nil
}

// ShareRequest describes a folder sharing created by Share.
type ShareRequest struct {
	Title        string
	DirID        string
	Add          string
	Update       string
	Remove       string
	ObfuscateIDs bool
	ReadOnly     map[string]bool
	Recipient    []*Node
}

// Share creates a sharing of a folder on owner and walks every recipient
// through discovery and acceptance.
func (c *Cluster) Share(ctx context.Context, owner *Node, req ShareRequest) (*sharing.Sharing, error) {
	mode := func(m string) string {
		if m == "" {
			return sharing.ModeSync
		}
		return m
	}
	title := req.Title
	if title == "" {
		title = "Shared"
	}
	recipients := make([]sharing.Member, 0, len(req.Recipient))
	for _, r := range req.Recipient {
		recipients = append(recipients, sharing.Member{
			PublicName: r.Name,
			Instance:   r.URL,
			ReadOnly:   req.ReadOnly[r.Name],
		})
	}
	body, err := json.Marshal(sharing.CreateRequest{
		Description:  title,
		ObfuscateIDs: req.ObfuscateIDs,
		Rules: []sharing.Rule{{
			Title:   title,
			Doctype: docstore.DoctypeFiles,
			Values:  []string{req.DirID},
			Add:     mode(req.Add),
			Update:  mode(req.Update),
			Remove:  mode(req.Remove),
		}},
		Recipients: recipients,
	})
	if err != nil {
		return nil, err
	}
	created, err := owner.Sharings.Register(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	for i, r := range req.Recipient {
		creds, err := created.CredentialsFor(i + 1)
		if err != nil {
			return nil, err
		}
		if _, err := owner.Sharings.Discovery(ctx, created.ID, creds.State, r.URL); err != nil {
			return nil, fmt.Errorf("discovery of %s: %w", r.Name, err)
		}
		if _, err := r.Sharings.Accept(ctx, created.ID); err != nil {
			return nil, fmt.Errorf("accept by %s: %w", r.Name, err)
		}
	}
	return sharing.Load(owner.Store, created.ID)
}

// Root returns the folder a node holds for the first rule of a sharing.
func (n *Node) Root(sharingID string) (string, error) {
	s, err := sharing.Load(n.Store, sharingID)
	if err != nil {
		return "", err
	}
	root, ok := s.Rules[0].FilesRoot()
	if !ok {
		return "", fmt.Errorf("sharing %s does not share a folder", sharingID)
	}
	return root, nil
}

// MappedID translates an id of the owner into the id space of member.
func MappedID(owner *Node, sharingID string, member int, id string) (string, error) {
	s, err := sharing.Load(owner.Store, sharingID)
	if err != nil {
		return "", err
	}
	return sharing.NewMapper(s, member).ID(docstore.DoctypeFiles, id), nil
}

// Entry is one live document of a tree: "dir" or the md5 sum of a file.
type Entry string

// Tree lists the live documents below root keyed by their path relative to
// root, so members can be compared whatever their ids.
func Tree(store *docstore.Store, root string) (map[string]Entry, error) {
	rootPath, err := store.Path(root)
	if err != nil {
		return nil, err
	}
	out := map[string]Entry{}
	for _, doc := range store.Descendants(root) {
		if doc.Removed() {
			continue
		}
		p, err := store.Path(doc.ID)
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(p, rootPath)
		if doc.IsDir() {
			out[rel] = "dir"
		} else {
			out[rel] = Entry(doc.MD5Sum)
		}
	}
	return out, nil
}

// Diff lists the paths where b differs from a, sorted.
func Diff(a, b map[string]Entry) []string {
	var out []string
	for p, want := range a {
		got, ok := b[p]
		switch {
		case !ok:
			out = append(out, "-"+p)
		case got != want:
			out = append(out, "~"+p)
		}
	}
	for p := range b {
		if _, ok := a[p]; !ok {
			out = append(out, "+"+p)
		}
	}
	sort.Strings(out)
	return out
}

// TreeDiff compares the shared folder of every node with the first node's.
func (c *Cluster) TreeDiff(sharingID string, nodes ...*Node) ([]string, error) {
	if len(nodes) == 0 {
		nodes = c.nodes
	}
	var base map[string]Entry
	var out []string
	for i, n := range nodes {
		root, err := n.Root(sharingID)
		if err != nil {
			return nil, err
		}
		tree, err := Tree(n.Store, root)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			base = tree
			continue
		}
		for _, d := range Diff(base, tree) {
			out = append(out, n.Name+": "+d)
		}
	}
	return out, nil
}
