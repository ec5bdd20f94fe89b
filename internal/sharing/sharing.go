package sharing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

var (
	ErrNotFound     = errors.New("sharing not found")
	ErrInvalidInput = errors.New("invalid sharing input")
	ErrInvalidState = errors.New("invalid sharing state")
	ErrForbidden    = errors.New("forbidden")
	ErrRevoked      = errors.New("member revoked")
	ErrPeerNotReady = errors.New("peer not ready")
)

const (
	ModeSync = "sync"
	ModePush = "push"
	ModeNone = "none"
)

const (
	StatusOwner       = "owner"
	StatusPending     = "pending"
	StatusMailNotSent = "mail-not-sent"
	StatusSeen        = "seen"
	StatusReady       = "ready"
	StatusRevoked     = "revoked"
)

// Operation kinds checked against the per-rule modes.
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpRemove = "remove"
)

type Rule struct {
	Title    string   `json:"title"`
	Doctype  string   `json:"doctype"`
	Selector string   `json:"selector,omitempty"`
	Values   []string `json:"values"`
	Add      string   `json:"add"`
	Update   string   `json:"update"`
	Remove   string   `json:"remove"`
	// Mime is set when the rule shares a single file rather than a folder.
	Mime string `json:"mime,omitempty"`
}

func (r Rule) mode(op string) string {
	var mode string
	switch op {
	case OpAdd:
		mode = r.Add
	case OpUpdate:
		mode = r.Update
	case OpRemove:
		mode = r.Remove
	}
	if mode == "" {
		return ModeNone
	}
	return mode
}

// Allows reports whether an operation may propagate in the given direction
// after the initial copy.
func (r Rule) Allows(op string, fromOwner bool) bool {
	switch r.mode(op) {
	case ModeSync:
		return true
	case ModePush:
		return fromOwner
	default:
		return false
	}
}

// Syncs reports whether any operation of the rule flows from recipients back
// to the owner.
func (r Rule) Syncs() bool {
	return r.mode(OpAdd) == ModeSync || r.mode(OpUpdate) == ModeSync || r.mode(OpRemove) == ModeSync
}

// Propagates reports whether the rule replicates anything after the initial
// copy.
func (r Rule) Propagates() bool {
	return r.mode(OpAdd) != ModeNone || r.mode(OpUpdate) != ModeNone || r.mode(OpRemove) != ModeNone
}

// FilesRoot returns the shared directory of an io.cozy.files rule.
func (r Rule) FilesRoot() (string, bool) {
	if r.Doctype != docstore.DoctypeFiles || r.Selector != "" || len(r.Values) != 1 {
		return "", false
	}
	return r.Values[0], true
}

type Member struct {
	Status          string   `json:"status"`
	PublicName      string   `json:"public_name,omitempty"`
	Email           string   `json:"email,omitempty"`
	Instance        string   `json:"instance,omitempty"`
	ReadOnly        bool     `json:"read_only,omitempty"`
	Groups          []string `json:"groups,omitempty"`
	InboundClientID string   `json:"inbound_client_id,omitempty"`
}

// Credentials hold what one side needs to talk to a peer. On the owner,
// Credentials[i] belongs to Members[i+1]. On a recipient the single entry
// describes the owner.
type Credentials struct {
	State        string         `json:"state,omitempty"`
	XorKey       []byte         `json:"xor_key,omitempty"`
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	Seqs         map[int]uint64 `json:"seqs,omitempty"`
	PendingBlobs []string       `json:"pending_blobs,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.State == "" && len(c.XorKey) == 0 && c.ClientID == "" && c.AccessToken == ""
}

type Triggers struct {
	TrackID     string `json:"track_id,omitempty"`
	ReplicateID string `json:"replicate_id,omitempty"`
	UploadID    string `json:"upload_id,omitempty"`
}

type Flags struct {
	ReplicationHalted bool   `json:"replication_halted,omitempty"`
	HaltReason        string `json:"halt_reason,omitempty"`
}

type Sharing struct {
	ID          string        `json:"_id"`
	Rev         string        `json:"_rev,omitempty"`
	Active      bool          `json:"active"`
	Owner       bool          `json:"owner,omitempty"`
	Description string        `json:"description"`
	// ObfuscateIDs gives every recipient credential an xor key.
	ObfuscateIDs bool          `json:"obfuscate_ids,omitempty"`
	Rules        []Rule        `json:"rules"`
	Members      []Member      `json:"members"`
	Credentials  []Credentials `json:"credentials,omitempty"`
	Triggers     Triggers      `json:"triggers"`
	Flags        Flags         `json:"flags,omitempty"`
	// InitialFiles counts the documents of the initial copy still to be sent.
	InitialFiles int       `json:"initial_number_of_files_to_sync,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Sharing) Clone() *Sharing {
	if s == nil {
		return nil
	}
	data, _ := json.Marshal(s)
	var out Sharing
	_ = json.Unmarshal(data, &out)
	return &out
}

// CredentialsFor returns the credentials used to talk to member index.
func (s *Sharing) CredentialsFor(index int) (*Credentials, error) {
	if s.Owner {
		if index <= 0 || index-1 >= len(s.Credentials) {
			return nil, fmt.Errorf("%w: no credentials for member %d", ErrInvalidInput, index)
		}
		return &s.Credentials[index-1], nil
	}
	if index != 0 || len(s.Credentials) == 0 {
		return nil, fmt.Errorf("%w: recipients only talk to the owner", ErrInvalidInput)
	}
	return &s.Credentials[0], nil
}

// Peers lists the member indexes this side replicates with.
func (s *Sharing) Peers() []int {
	if !s.Owner {
		if len(s.Members) > 0 && s.Members[0].Status != StatusRevoked {
			return []int{0}
		}
		return nil
	}
	out := make([]int, 0, len(s.Members))
	for i := 1; i < len(s.Members); i++ {
		if s.Members[i].Status == StatusReady {
			out = append(out, i)
		}
	}
	return out
}

// SelfIndex is the position of the local instance in Members.
func (s *Sharing) SelfIndex(instance string) int {
	if s.Owner {
		return 0
	}
	for i := 1; i < len(s.Members); i++ {
		if sameInstance(s.Members[i].Instance, instance) {
			return i
		}
	}
	return -1
}

// ReadyRecipients counts recipients able to replicate.
func (s *Sharing) ReadyRecipients() int {
	n := 0
	for i := 1; i < len(s.Members); i++ {
		if s.Members[i].Status == StatusReady {
			n++
		}
	}
	return n
}

// CanSend reports whether this side may push changes of rule to member index.
func (s *Sharing) CanSend(rule Rule, index int, selfReadOnly bool) bool {
	if !s.Active || s.Flags.ReplicationHalted {
		return false
	}
	if s.Owner {
		return rule.Propagates() && s.Members[index].Status == StatusReady
	}
	return rule.Syncs() && !selfReadOnly
}

// Accepting reports whether a recipient has answered the owner and waits
// for the owner's credentials.
func (s *Sharing) Accepting() bool {
	if s.Owner || s.Active || len(s.Members) == 0 || s.Members[0].InboundClientID == "" {
		return false
	}
	return len(s.Credentials) == 1 && s.Credentials[0].AccessToken == ""
}

// MemberByClient finds the member that authenticates with an inbound client.
func (s *Sharing) MemberByClient(clientID string) (int, bool) {
	if clientID == "" {
		return -1, false
	}
	for i, m := range s.Members {
		if m.InboundClientID == clientID {
			return i, true
		}
	}
	return -1, false
}

func (s *Sharing) memberByState(state string) (int, bool) {
	if !s.Owner || state == "" {
		return -1, false
	}
	for i, c := range s.Credentials {
		if c.State == state {
			return i + 1, true
		}
	}
	return -1, false
}

func sameInstance(a, b string) bool {
	return strings.TrimRight(strings.TrimSpace(a), "/") == strings.TrimRight(strings.TrimSpace(b), "/") && a != ""
}

func toDocument(s *Sharing) (*docstore.Document, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return &docstore.Document{
		ID:         s.ID,
		Rev:        s.Rev,
		Doctype:    docstore.DoctypeSharings,
		Attributes: body,
	}, nil
}

func fromDocument(doc *docstore.Document) (*Sharing, error) {
	var s Sharing
	if err := json.Unmarshal(doc.Attributes, &s); err != nil {
		return nil, fmt.Errorf("%w: sharing %s: %v", docstore.ErrCorrupted, doc.ID, err)
	}
	s.ID = doc.ID
	s.Rev = doc.Rev
	return &s, nil
}

// Load reads a sharing document.
func Load(store *docstore.Store, id string) (*Sharing, error) {
	doc, err := store.Get(docstore.DoctypeSharings, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromDocument(doc)
}

func List(store *docstore.Store) ([]*Sharing, error) {
	docs := store.All(docstore.DoctypeSharings)
	out := make([]*Sharing, 0, len(docs))
	for _, doc := range docs {
		s, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Save creates or updates the sharing, refreshing s.Rev.
func Save(store *docstore.Store, s *Sharing) error {
	s.UpdatedAt = time.Now().UTC()
	doc, err := toDocument(s)
	if err != nil {
		return err
	}
	var saved *docstore.Document
	if s.Rev == "" {
		saved, err = store.Create(doc)
	} else {
		saved, err = store.Update(doc)
	}
	if err != nil {
		return err
	}
	s.Rev = saved.Rev
	return nil
}

// Mutate reloads the sharing, applies fn and saves it, retrying on revision
// conflicts from concurrent writers.
func Mutate(store *docstore.Store, id string, fn func(s *Sharing) error) (*Sharing, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		s, err := Load(store, id)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			return nil, err
		}
		if err := Save(store, s); err != nil {
			if errors.Is(err, docstore.ErrRevisionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return s, nil
	}
	return nil, lastErr
}
