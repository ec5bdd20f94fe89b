package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
	"github.com/agentworkforce/relayshare/internal/scheduler"
)

// Worker names of the sharing background jobs.
const (
	WorkerTrack     = "share-track"
	WorkerReplicate = "share-replicate"
	WorkerUpload    = "share-upload"
)

const defaultDiscoveryRetryDelay = 2 * time.Second

// Target addresses one peer of a sharing. Refreshed, when set, is called
// with a new access token obtained by the transport.
type Target struct {
	SharingID    string
	URL          string
	ClientID     string
	ClientSecret string
	Token        string
	Refreshed    func(token string)
}

// Answer is exchanged when a recipient accepts: each side gives the other
// the client it registered for it.
type Answer struct {
	State        string `json:"state"`
	Instance     string `json:"instance,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccessToken  string `json:"access_token"`
}

// Peer carries lifecycle messages between instances.
type Peer interface {
	CreateSharing(ctx context.Context, instanceURL string, invitation *Sharing) error
	Answer(ctx context.Context, instanceURL, sharingID string, answer Answer) (*Answer, error)
	NotifyMembers(ctx context.Context, target Target, members []Member) error
	NotifyReadOnly(ctx context.Context, target Target, readOnly bool) error
	NotifyRevoked(ctx context.Context, target Target) error
	NotifyLeft(ctx context.Context, target Target) error
}

type TriggerService interface {
	AddTrigger(t scheduler.Trigger) (*scheduler.Trigger, error)
	DeleteTrigger(id string) error
	FireTrigger(id string) error
}

type ManagerOptions struct {
	Store               *docstore.Store
	Tokens              *TokenIssuer
	Tracker             *Tracker
	Peer                Peer
	Triggers            TriggerService
	Mailer              Mailer
	Logger              logging.Logger
	InstanceURL         string
	PublicName          string
	ReplicateDebounce   time.Duration
	UploadDebounce      time.Duration
	DiscoveryRetryDelay time.Duration
}

// Manager runs the sharing state machine of one instance.
type Manager struct {
	store      *docstore.Store
	tokens     *TokenIssuer
	tracker    *Tracker
	peer       Peer
	triggers   TriggerService
	mailer     Mailer
	logger     logging.Logger
	self       string
	publicName string
	replicate  time.Duration
	upload     time.Duration
	retryDelay time.Duration
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil || opts.Tokens == nil || opts.Peer == nil || opts.Triggers == nil {
		return nil, fmt.Errorf("%w: store, tokens, peer and triggers are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker(opts.Store, logger)
	}
	mailer := opts.Mailer
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	retryDelay := opts.DiscoveryRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultDiscoveryRetryDelay
	}
	return &Manager{
		store:      opts.Store,
		tokens:     opts.Tokens,
		tracker:    tracker,
		peer:       opts.Peer,
		triggers:   opts.Triggers,
		mailer:     mailer,
		logger:     logger,
		self:       strings.TrimRight(opts.InstanceURL, "/"),
		publicName: opts.PublicName,
		replicate:  opts.ReplicateDebounce,
		upload:     opts.UploadDebounce,
		retryDelay: retryDelay,
	}, nil
}

func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

func (m *Manager) InstanceURL() string {
	return m.self
}

// CreateRequest is the body of POST /sharings/.
type CreateRequest struct {
	Description string   `json:"description"`
	OpenSharing  bool     `json:"open_sharing,omitempty"`
	ObfuscateIDs bool     `json:"obfuscate_ids,omitempty"`
	Rules        []Rule   `json:"rules"`
	Recipients   []Member `json:"recipients"`
}

// MembersRequest is the body of POST /sharings/:id/recipients.
type MembersRequest struct {
	Recipients []Member `json:"recipients"`
	Group      string   `json:"group,omitempty"`
	ReadOnly   bool     `json:"read_only,omitempty"`
}

// Register creates a sharing owned by the local instance from a JSON body,
// indexes the shared documents and invites the recipients.
func (m *Manager) Register(ctx context.Context, body []byte) (*Sharing, error) {
	if err := ValidateCreateRequest(body); err != nil {
		return nil, err
	}
	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for i := range req.Rules {
		rule, err := m.checkRule(req.Rules[i])
		if err != nil {
			return nil, err
		}
		req.Rules[i] = rule
	}
	now := time.Now().UTC()
	s := &Sharing{
		ID:           docstore.NewID(),
		Active:       true,
		Owner:        true,
		Description:  req.Description,
		ObfuscateIDs: req.ObfuscateIDs,
		Rules:        req.Rules,
		Members: []Member{{
			Status:     StatusOwner,
			PublicName: m.publicName,
			Instance:   m.self,
		}},
		CreatedAt: now,
	}
	added := make([]int, 0, len(req.Recipients))
	for _, recipient := range req.Recipients {
		index, err := appendRecipient(s, recipient)
		if err != nil {
			return nil, err
		}
		added = append(added, index)
	}
	if err := m.ensureTriggers(s); err != nil {
		return nil, err
	}
	count, err := m.tracker.InitialIndex(s)
	if err != nil {
		return nil, err
	}
	s.InitialFiles = count
	if err := Save(m.store, s); err != nil {
		return nil, err
	}
	m.logger.Info("sharing created", "sharing", s.ID, "rules", len(s.Rules), "recipients", len(added))
	return m.invite(ctx, s.ID, added)
}

func (m *Manager) checkRule(rule Rule) (Rule, error) {
	if !m.store.Registry().Shareable(rule.Doctype) {
		return rule, fmt.Errorf("%w: doctype %s cannot be shared", ErrInvalidInput, rule.Doctype)
	}
	for _, mode := range []string{rule.Add, rule.Update, rule.Remove} {
		switch mode {
		case "", ModeSync, ModePush, ModeNone:
		default:
			return rule, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
		}
	}
	rule.Mime = ""
	if root, ok := rule.FilesRoot(); ok {
		if docstore.IsReservedID(root) {
			return rule, fmt.Errorf("%w: %s cannot be shared", ErrInvalidInput, root)
		}
		doc, err := m.store.Get(docstore.DoctypeFiles, root)
		if err != nil {
			return rule, fmt.Errorf("%w: shared file %s: %v", ErrInvalidInput, root, err)
		}
		if doc.IsFile() {
			rule.Mime = doc.Mime
			if rule.Mime == "" {
				rule.Mime = "application/octet-stream"
			}
		}
	}
	return rule, nil
}

func appendRecipient(s *Sharing, recipient Member) (int, error) {
	if strings.TrimSpace(recipient.Email) == "" && strings.TrimSpace(recipient.Instance) == "" {
		return -1, fmt.Errorf("%w: recipient needs an email or an instance", ErrInvalidInput)
	}
	state, err := randomHex(16)
	if err != nil {
		return -1, err
	}
	var key []byte
	if s.ObfuscateIDs {
		if key, err = MakeXorKey(); err != nil {
			return -1, err
		}
	}
	s.Members = append(s.Members, Member{
		Status:     StatusPending,
		PublicName: recipient.PublicName,
		Email:      recipient.Email,
		Instance:   strings.TrimRight(recipient.Instance, "/"),
		ReadOnly:   recipient.ReadOnly,
		Groups:     append([]string(nil), recipient.Groups...),
	})
	s.Credentials = append(s.Credentials, Credentials{State: state, XorKey: key})
	return len(s.Members) - 1, nil
}

// invite mails the discovery link of each new member. A failed mail leaves
// the member in mail-not-sent.
func (m *Manager) invite(ctx context.Context, sharingID string, indexes []int) (*Sharing, error) {
	s, err := Load(m.store, sharingID)
	if err != nil {
		return nil, err
	}
	failed := map[int]bool{}
	for _, index := range indexes {
		member := s.Members[index]
		if member.Email == "" {
			continue
		}
		inv := Invitation{
			SharingID:   s.ID,
			Description: s.Description,
			OwnerName:   s.Members[0].PublicName,
			To:          member.Email,
			PublicName:  member.PublicName,
			Link:        m.discoveryLink(s, index),
		}
		if err := m.mailer.SendInvitation(ctx, inv); err != nil {
			m.logger.Warn("invitation not sent", "sharing", s.ID, "member", index, "error", err)
			failed[index] = true
		}
	}
	if len(failed) == 0 {
		return s, nil
	}
	return Mutate(m.store, sharingID, func(s *Sharing) error {
		for index := range failed {
			if s.Members[index].Status == StatusPending {
				s.Members[index].Status = StatusMailNotSent
			}
		}
		return nil
	})
}

func (m *Manager) discoveryLink(s *Sharing, index int) string {
	state := ""
	if creds, err := s.CredentialsFor(index); err == nil {
		state = creds.State
	}
	return fmt.Sprintf("%s/sharings/%s/discovery?state=%s", m.self, url.PathEscape(s.ID), url.QueryEscape(state))
}

// Discovery records the instance of the member holding state and pushes the
// invitation to it. A peer that is not ready yet is retried once.
func (m *Manager) Discovery(ctx context.Context, sharingID, state, instanceURL string) (*Sharing, error) {
	instanceURL = strings.TrimRight(strings.TrimSpace(instanceURL), "/")
	if instanceURL == "" {
		return nil, fmt.Errorf("%w: instance url is required", ErrInvalidInput)
	}
	index := -1
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		i, ok := s.memberByState(state)
		if !ok {
			return fmt.Errorf("%w: unknown state", ErrForbidden)
		}
		switch s.Members[i].Status {
		case StatusRevoked:
			return ErrRevoked
		case StatusReady:
			return fmt.Errorf("%w: member already accepted", ErrInvalidState)
		}
		index = i
		s.Members[i].Instance = instanceURL
		s.Members[i].Status = StatusSeen
		return nil
	})
	if err != nil {
		return nil, err
	}
	invitation := invitationFor(s, index)
	err = m.peer.CreateSharing(ctx, instanceURL, invitation)
	if errors.Is(err, ErrPeerNotReady) {
		m.logger.Warn("discovery peer not ready, retrying", "sharing", s.ID, "member", index)
		timer := time.NewTimer(m.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		err = m.peer.CreateSharing(ctx, instanceURL, invitation)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("sharing discovered", "sharing", s.ID, "member", index)
	return s, nil
}

// invitationFor builds the recipient's view of s: rule values in its id
// space, only its own state, no owner secrets.
func invitationFor(s *Sharing, index int) *Sharing {
	view := s.Clone()
	mapper := NewMapper(s, index)
	view.Rev = ""
	view.Owner = false
	view.Active = false
	view.Triggers = Triggers{}
	view.Flags = Flags{}
	state := ""
	if creds, err := s.CredentialsFor(index); err == nil {
		state = creds.State
	}
	view.Credentials = []Credentials{{State: state}}
	for i, rule := range view.Rules {
		for j, value := range rule.Values {
			view.Rules[i].Values[j] = mapper.ID(rule.Doctype, value)
		}
	}
	for i := range view.Members {
		view.Members[i].InboundClientID = ""
	}
	return view
}

// ReceiveInvitation stores the sharing pushed by an owner after discovery.
func (m *Manager) ReceiveInvitation(ctx context.Context, invitation *Sharing) (*Sharing, error) {
	if invitation == nil || invitation.ID == "" || len(invitation.Members) < 2 || len(invitation.Credentials) != 1 || invitation.Credentials[0].State == "" {
		return nil, fmt.Errorf("%w: malformed invitation", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	existing, err := Load(m.store, invitation.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		s := invitation.Clone()
		s.Rev = ""
		s.Owner = false
		s.Active = false
		s.Triggers = Triggers{}
		s.Credentials = []Credentials{{State: invitation.Credentials[0].State}}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		if err := Save(m.store, s); err != nil {
			return nil, err
		}
		m.logger.Info("sharing invitation received", "sharing", s.ID)
		return s, nil
	case err != nil:
		return nil, err
	}
	if existing.Owner || existing.Active {
		return nil, fmt.Errorf("%w: sharing %s already exists", ErrInvalidState, existing.ID)
	}
	return Mutate(m.store, existing.ID, func(s *Sharing) error {
		s.Description = invitation.Description
		s.Rules = invitation.Rules
		s.Members = invitation.Members
		s.Credentials = []Credentials{{State: invitation.Credentials[0].State}}
		return nil
	})
}

// Accept is run by a recipient: it registers a client for the owner, answers
// the owner with it and stores the client the owner registered in return.
func (m *Manager) Accept(ctx context.Context, sharingID string) (*Sharing, error) {
	s, err := Load(m.store, sharingID)
	if err != nil {
		return nil, err
	}
	if s.Owner {
		return nil, fmt.Errorf("%w: the owner cannot accept its own sharing", ErrInvalidState)
	}
	if s.Active {
		return s, nil
	}
	if len(s.Credentials) != 1 || s.Credentials[0].State == "" {
		return nil, fmt.Errorf("%w: no invitation state", ErrInvalidState)
	}
	ownerURL := s.Members[0].Instance
	client, err := m.tokens.RegisterClient(s.ID, ownerURL)
	if err != nil {
		return nil, err
	}
	token, err := m.tokens.Issue(client)
	if err != nil {
		return nil, err
	}
	// The owner may replicate before the answer returns; its calls are
	// recognized through the inbound client and told to retry.
	s, err = Mutate(m.store, sharingID, func(s *Sharing) error {
		s.Members[0].InboundClientID = client.ID
		return nil
	})
	if err != nil {
		_ = m.tokens.DeleteClient(client.ID)
		return nil, err
	}
	reply, err := m.peer.Answer(ctx, ownerURL, s.ID, Answer{
		State:        s.Credentials[0].State,
		Instance:     m.self,
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		AccessToken:  token,
	})
	if err != nil {
		_ = m.tokens.DeleteClient(client.ID)
		_, _ = Mutate(m.store, sharingID, func(s *Sharing) error {
			s.Members[0].InboundClientID = ""
			return nil
		})
		return nil, err
	}
	s, err = Mutate(m.store, sharingID, func(s *Sharing) error {
		s.Active = true
		s.Members[0].InboundClientID = client.ID
		if self := s.SelfIndex(m.self); self > 0 {
			s.Members[self].Status = StatusReady
		}
		s.Credentials = []Credentials{{
			State:        s.Credentials[0].State,
			ClientID:     reply.ClientID,
			ClientSecret: reply.ClientSecret,
			AccessToken:  reply.AccessToken,
			Seqs:         map[int]uint64{},
		}}
		if err := m.createRoots(s); err != nil {
			return err
		}
		return m.ensureTriggers(s)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("sharing accepted", "sharing", s.ID)
	return s, nil
}

// createRoots creates the local directory of each directory rule under the
// shared-with-me directory, with the id the owner maps its root to.
func (m *Manager) createRoots(s *Sharing) error {
	for _, rule := range s.Rules {
		root, ok := rule.FilesRoot()
		if !ok || rule.Mime != "" {
			continue
		}
		if _, err := m.store.GetWithDeleted(docstore.DoctypeFiles, root); err == nil {
			continue
		}
		name := strings.TrimSpace(rule.Title)
		if name == "" {
			name = s.Description
		}
		if docstore.ValidateName(name) != nil {
			name = "sharing " + s.ID
		}
		name = m.store.FreeName(docstore.SharedWithMeDirID, name, "")
		if _, err := m.store.CreateDirWithID(root, docstore.SharedWithMeDirID, name); err != nil {
			return err
		}
	}
	return nil
}

// Answer is run by the owner when a recipient accepts.
func (m *Manager) Answer(ctx context.Context, sharingID string, answer Answer) (*Answer, error) {
	if answer.ClientID == "" || answer.AccessToken == "" {
		return nil, fmt.Errorf("%w: client and token are required", ErrInvalidInput)
	}
	current, err := Load(m.store, sharingID)
	if err != nil {
		return nil, err
	}
	index, err := answerable(current, answer.State)
	if err != nil {
		return nil, err
	}
	client, err := m.tokens.RegisterClient(sharingID, current.Members[index].Instance)
	if err != nil {
		return nil, err
	}
	token, err := m.tokens.Issue(client)
	if err != nil {
		_ = m.tokens.DeleteClient(client.ID)
		return nil, err
	}
	reactivated := false
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		index, err := answerable(s, answer.State)
		if err != nil {
			return err
		}
		member := &s.Members[index]
		if member.Instance == "" {
			member.Instance = strings.TrimRight(answer.Instance, "/")
		}
		member.Status = StatusReady
		member.InboundClientID = client.ID
		creds := &s.Credentials[index-1]
		creds.ClientID = answer.ClientID
		creds.ClientSecret = answer.ClientSecret
		creds.AccessToken = answer.AccessToken
		creds.Seqs = map[int]uint64{}
		reactivated = !s.Active
		s.Active = true
		return m.ensureTriggers(s)
	})
	if err != nil {
		_ = m.tokens.DeleteClient(client.ID)
		return nil, err
	}
	if reactivated {
		if _, err := m.tracker.InitialIndex(s); err != nil {
			return nil, err
		}
	}
	m.fire(s.Triggers.ReplicateID)
	m.logger.Info("sharing answered", "sharing", s.ID)
	if err := m.notifyMembers(ctx, s, -1); err != nil {
		m.logger.Warn("member list not propagated", "sharing", s.ID, "error", err)
	}
	return &Answer{State: answer.State, ClientID: client.ID, ClientSecret: client.Secret, AccessToken: token}, nil
}

func answerable(s *Sharing, state string) (int, error) {
	index, ok := s.memberByState(state)
	if !ok {
		return -1, fmt.Errorf("%w: unknown state", ErrForbidden)
	}
	switch s.Members[index].Status {
	case StatusRevoked:
		return -1, ErrRevoked
	case StatusReady:
		return -1, fmt.Errorf("%w: member already accepted", ErrInvalidState)
	}
	return index, nil
}

// AddMembers invites more recipients to an owned sharing.
func (m *Manager) AddMembers(ctx context.Context, sharingID string, req MembersRequest) (*Sharing, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidInput)
	}
	var added []int
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		if !s.Owner {
			return fmt.Errorf("%w: only the owner adds members", ErrForbidden)
		}
		added = added[:0]
		for _, recipient := range req.Recipients {
			if req.Group != "" {
				recipient.Groups = append(recipient.Groups, req.Group)
			}
			if req.ReadOnly {
				recipient.ReadOnly = true
			}
			index, err := appendRecipient(s, recipient)
			if err != nil {
				return err
			}
			added = append(added, index)
		}
		s.Active = true
		return m.ensureTriggers(s)
	})
	if err != nil {
		return nil, err
	}
	s, err = m.invite(ctx, s.ID, added)
	if err != nil {
		return nil, err
	}
	if err := m.notifyMembers(ctx, s, -1); err != nil {
		m.logger.Warn("member list not propagated", "sharing", s.ID, "error", err)
	}
	return s, nil
}

// AddGroup invites every member of a group, tagging them with its name.
func (m *Manager) AddGroup(ctx context.Context, sharingID, group string, members []Member, readOnly bool) (*Sharing, error) {
	if strings.TrimSpace(group) == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	return m.AddMembers(ctx, sharingID, MembersRequest{Recipients: members, Group: group, ReadOnly: readOnly})
}

// UpdateMembers replaces the member list of a recipient with the owner's.
func (m *Manager) UpdateMembers(_ context.Context, sharingID string, members []Member) (*Sharing, error) {
	return Mutate(m.store, sharingID, func(s *Sharing) error {
		if s.Owner {
			return fmt.Errorf("%w: the owner keeps its own member list", ErrForbidden)
		}
		if len(members) == 0 || members[0].Status != StatusOwner {
			return fmt.Errorf("%w: members[0] must be the owner", ErrInvalidInput)
		}
		inbound := s.Members[0].InboundClientID
		s.Members = append([]Member(nil), members...)
		s.Members[0].InboundClientID = inbound
		return nil
	})
}

func (m *Manager) notifyMembers(ctx context.Context, s *Sharing, except int) error {
	members := make([]Member, len(s.Members))
	for i, member := range s.Members {
		member.InboundClientID = ""
		members[i] = member
	}
	var firstErr error
	for _, index := range s.Peers() {
		if index == except {
			continue
		}
		target, err := m.Target(s, index)
		if err != nil {
			continue
		}
		if err := m.peer.NotifyMembers(ctx, target, members); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ChangePermission switches a recipient between read-write and read-only.
func (m *Manager) ChangePermission(ctx context.Context, sharingID string, index int, readOnly bool) (*Sharing, error) {
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		if !s.Owner {
			return fmt.Errorf("%w: only the owner changes permissions", ErrForbidden)
		}
		if index <= 0 || index >= len(s.Members) {
			return fmt.Errorf("%w: member %d", ErrInvalidInput, index)
		}
		if s.Members[index].Status == StatusRevoked {
			return ErrRevoked
		}
		s.Members[index].ReadOnly = readOnly
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Members[index].Status == StatusReady {
		target, err := m.Target(s, index)
		if err != nil {
			return nil, err
		}
		if err := m.peer.NotifyReadOnly(ctx, target, readOnly); err != nil {
			return nil, err
		}
	}
	m.logger.Info("sharing permission changed", "sharing", s.ID, "member", index, "read_only", readOnly)
	return s, nil
}

// ApplyReadOnly is run by a recipient told by the owner that its permission
// changed. A downgrade removes the triggers sending local changes; an upgrade
// recreates them, starting after the changes made while read-only.
func (m *Manager) ApplyReadOnly(_ context.Context, sharingID string, readOnly bool) (*Sharing, error) {
	var stale []string
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		if s.Owner {
			return fmt.Errorf("%w: the owner is never read-only", ErrInvalidState)
		}
		self := s.SelfIndex(m.self)
		if self <= 0 {
			return fmt.Errorf("%w: local member not found", ErrInvalidState)
		}
		s.Members[self].ReadOnly = readOnly
		if readOnly {
			stale = []string{s.Triggers.ReplicateID, s.Triggers.UploadID}
			s.Triggers.ReplicateID = ""
			s.Triggers.UploadID = ""
			return nil
		}
		if len(s.Credentials) == 1 {
			last := m.store.LastSeq(docstore.DoctypeShared)
			if s.Credentials[0].Seqs == nil {
				s.Credentials[0].Seqs = map[int]uint64{}
			}
			for i := range s.Rules {
				s.Credentials[0].Seqs[i] = last
			}
		}
		return m.ensureTriggers(s)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		m.deleteTrigger(id)
	}
	return s, nil
}

// Revoke ends an owned sharing for every recipient.
func (m *Manager) Revoke(ctx context.Context, sharingID string) (*Sharing, error) {
	s, err := Load(m.store, sharingID)
	if err != nil {
		return nil, err
	}
	if !s.Owner {
		return nil, fmt.Errorf("%w: only the owner revokes the sharing", ErrForbidden)
	}
	for i := 1; i < len(s.Members); i++ {
		if s.Members[i].Status == StatusRevoked {
			continue
		}
		if _, err := m.RevokeRecipient(ctx, sharingID, i); err != nil {
			return nil, err
		}
	}
	s, err = m.deactivate(sharingID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("sharing revoked", "sharing", s.ID)
	return s, nil
}

// RevokeRecipient removes one recipient. Other members keep their triggers
// and credentials.
func (m *Manager) RevokeRecipient(ctx context.Context, sharingID string, index int) (*Sharing, error) {
	var target *Target
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		if !s.Owner {
			return fmt.Errorf("%w: only the owner revokes recipients", ErrForbidden)
		}
		if index <= 0 || index >= len(s.Members) {
			return fmt.Errorf("%w: member %d", ErrInvalidInput, index)
		}
		target = nil
		if s.Members[index].Status == StatusReady {
			if t, err := m.Target(s, index); err == nil {
				target = &t
			}
		}
		return m.revokeMemberLocked(s, index)
	})
	if err != nil {
		return nil, err
	}
	if target != nil {
		if err := m.peer.NotifyRevoked(ctx, *target); err != nil {
			m.logger.Warn("recipient not notified of revocation", "sharing", s.ID, "member", index, "error", err)
		}
	}
	if s.ReadyRecipients() == 0 {
		return m.deactivate(sharingID)
	}
	m.logger.Info("sharing recipient revoked", "sharing", s.ID, "member", index)
	return s, nil
}

// RecipientLeft is run by the owner when a recipient revoked itself.
func (m *Manager) RecipientLeft(_ context.Context, sharingID string, index int) (*Sharing, error) {
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		if !s.Owner || index <= 0 || index >= len(s.Members) {
			return fmt.Errorf("%w: member %d", ErrInvalidInput, index)
		}
		return m.revokeMemberLocked(s, index)
	})
	if err != nil {
		return nil, err
	}
	if s.ReadyRecipients() == 0 {
		return m.deactivate(sharingID)
	}
	return s, nil
}

func (m *Manager) revokeMemberLocked(s *Sharing, index int) error {
	member := &s.Members[index]
	if member.Status == StatusRevoked {
		return nil
	}
	if err := m.tokens.DeleteClient(member.InboundClientID); err != nil {
		return err
	}
	member.InboundClientID = ""
	member.Status = StatusRevoked
	s.Credentials[index-1] = Credentials{}
	return nil
}

// RevokeByRecipient is run by a recipient leaving the sharing.
func (m *Manager) RevokeByRecipient(ctx context.Context, sharingID string) (*Sharing, error) {
	s, err := Load(m.store, sharingID)
	if err != nil {
		return nil, err
	}
	if s.Owner {
		return nil, fmt.Errorf("%w: the owner revokes with Revoke", ErrInvalidState)
	}
	if s.Active {
		if target, err := m.Target(s, 0); err == nil {
			if err := m.peer.NotifyLeft(ctx, target); err != nil {
				m.logger.Warn("owner not notified of leave", "sharing", s.ID, "error", err)
			}
		}
	}
	return m.RevokedByOwner(ctx, sharingID)
}

// RevokedByOwner tears the local side of a recipient down.
func (m *Manager) RevokedByOwner(_ context.Context, sharingID string) (*Sharing, error) {
	_, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		if s.Owner {
			return fmt.Errorf("%w: owner side", ErrInvalidState)
		}
		if err := m.tokens.DeleteClient(s.Members[0].InboundClientID); err != nil {
			return err
		}
		s.Members[0].InboundClientID = ""
		if self := s.SelfIndex(m.self); self > 0 {
			s.Members[self].Status = StatusRevoked
		}
		s.Credentials = []Credentials{{}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.deactivate(sharingID)
}

// deactivate deletes every trigger of the sharing and forgets its refs.
func (m *Manager) deactivate(sharingID string) (*Sharing, error) {
	var stale Triggers
	s, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		stale = s.Triggers
		s.Triggers = Triggers{}
		s.Active = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.deleteTrigger(stale.TrackID)
	m.deleteTrigger(stale.ReplicateID)
	m.deleteTrigger(stale.UploadID)
	if err := DropSharingRefs(m.store, sharingID); err != nil {
		return nil, err
	}
	return s, nil
}

// Halt stops replication of a sharing after a permanent failure.
func (m *Manager) Halt(sharingID, reason string) error {
	_, err := Mutate(m.store, sharingID, func(s *Sharing) error {
		s.Flags.ReplicationHalted = true
		s.Flags.HaltReason = reason
		return nil
	})
	if err == nil {
		m.logger.Error("sharing replication halted", "sharing", sharingID, "reason", reason)
	}
	return err
}

// Target returns how to reach member index of s.
func (m *Manager) Target(s *Sharing, index int) (Target, error) {
	creds, err := s.CredentialsFor(index)
	if err != nil {
		return Target{}, err
	}
	if index < 0 || index >= len(s.Members) || s.Members[index].Instance == "" {
		return Target{}, fmt.Errorf("%w: member %d has no instance", ErrPeerNotReady, index)
	}
	sharingID := s.ID
	return Target{
		SharingID:    s.ID,
		URL:          s.Members[index].Instance,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Token:        creds.AccessToken,
		Refreshed: func(token string) {
			_, err := Mutate(m.store, sharingID, func(s *Sharing) error {
				c, err := s.CredentialsFor(index)
				if err != nil {
					return err
				}
				c.AccessToken = token
				return nil
			})
			if err != nil {
				m.logger.Warn("refreshed token not saved", "sharing", sharingID, "member", index, "error", err)
			}
		},
	}, nil
}

// SelfReadOnly reports whether the local instance is a read-only recipient.
func (m *Manager) SelfReadOnly(s *Sharing) bool {
	if s.Owner {
		return false
	}
	self := s.SelfIndex(m.self)
	return self > 0 && s.Members[self].ReadOnly
}

func (m *Manager) shouldReplicate(s *Sharing) bool {
	if m.SelfReadOnly(s) {
		return false
	}
	for _, rule := range s.Rules {
		if s.Owner || rule.Syncs() {
			return true
		}
	}
	return false
}

func hasFiles(s *Sharing) bool {
	for _, rule := range s.Rules {
		if rule.Doctype == docstore.DoctypeFiles {
			return true
		}
	}
	return false
}

// TriggerID names the trigger of a sharing worker. Adding a trigger whose id
// already exists returns the existing one, so retried mutations never
// duplicate triggers.
func TriggerID(sharingID, worker string) string {
	return worker + "-" + sharingID
}

// ensureTriggers creates the missing triggers of s. It only mutates s; the
// caller saves it.
func (m *Manager) ensureTriggers(s *Sharing) error {
	message := scheduler.Message{SharingID: s.ID}
	if s.Triggers.TrackID == "" {
		doctypes := make([]string, 0, len(s.Rules))
		seen := map[string]bool{}
		for _, rule := range s.Rules {
			if !seen[rule.Doctype] {
				seen[rule.Doctype] = true
				doctypes = append(doctypes, rule.Doctype)
			}
		}
		trigger, err := m.triggers.AddTrigger(scheduler.Trigger{
			ID:        TriggerID(s.ID, WorkerTrack),
			Type:      scheduler.TypeEvent,
			Worker:    WorkerTrack,
			Arguments: strings.Join(doctypes, " "),
			Message:   message,
		})
		if err != nil {
			return err
		}
		s.Triggers.TrackID = trigger.ID
	}
	if !m.shouldReplicate(s) {
		return nil
	}
	if s.Owner && s.ReadyRecipients() == 0 {
		return nil
	}
	if s.Triggers.ReplicateID == "" {
		trigger, err := m.triggers.AddTrigger(scheduler.Trigger{
			ID:        TriggerID(s.ID, WorkerReplicate),
			Type:      scheduler.TypeEvent,
			Worker:    WorkerReplicate,
			Arguments: docstore.DoctypeShared,
			Debounce:  durationString(m.replicate),
			Message:   message,
		})
		if err != nil {
			return err
		}
		s.Triggers.ReplicateID = trigger.ID
	}
	if s.Triggers.UploadID == "" && hasFiles(s) {
		trigger, err := m.triggers.AddTrigger(scheduler.Trigger{
			ID:        TriggerID(s.ID, WorkerUpload),
			Type:      scheduler.TypeEvent,
			Worker:    WorkerUpload,
			Arguments: docstore.DoctypeShared,
			Debounce:  durationString(m.upload),
			Message:   message,
		})
		if err != nil {
			return err
		}
		s.Triggers.UploadID = trigger.ID
	}
	return nil
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func (m *Manager) deleteTrigger(id string) {
	if id == "" {
		return
	}
	if err := m.triggers.DeleteTrigger(id); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
		m.logger.Warn("trigger not deleted", "trigger", id, "error", err)
	}
}

func (m *Manager) fire(id string) {
	if id == "" {
		return
	}
	if err := m.triggers.FireTrigger(id); err != nil {
		m.logger.Warn("trigger not fired", "trigger", id, "error", err)
	}
}

// FireUpload asks the upload trigger of s to run.
func (m *Manager) FireUpload(s *Sharing) {
	m.fire(s.Triggers.UploadID)
}
