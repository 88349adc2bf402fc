package client

import (
	"context"
	"fmt"
	"time"

	"github.com/licks-chat/licks/internal/blindaddr"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/listener"
	"github.com/licks-chat/licks/internal/mls"
	"github.com/licks-chat/licks/internal/mls/simengine"
	"github.com/licks-chat/licks/internal/store"
	"github.com/licks-chat/licks/internal/wire"
)

// GroupMessage is what a started group session delivers to the caller's
// notification callback: the decoded application payload, already
// persisted to the local store by the time the callback fires.
type GroupMessage struct {
	GroupID ids.GroupIdentifier
	Payload []byte
}

// CreateGroup starts a brand-new single-member group (this profile is its
// sole initial member) and begins listening on it. Further members are
// added with InviteMember.
func (p *Profile) CreateGroup(ctx context.Context, groupID ids.GroupIdentifier, onMessage func(GroupMessage), onError func(error)) error {
	engine, err := simengine.New(p.AccountID(), groupID)
	if err != nil {
		return fmt.Errorf("client: create group: %w", err)
	}
	return p.startSession(ctx, groupID, engine, onMessage, onError)
}

// JoinGroup admits this profile into an existing group using a Welcome
// envelope obtained out-of-band from an existing member's Commit call.
func (p *Profile) JoinGroup(ctx context.Context, groupID ids.GroupIdentifier, welcome []byte, onMessage func(GroupMessage), onError func(error)) error {
	engine, err := simengine.Join(p.AccountID(), groupID, welcome)
	if err != nil {
		return fmt.Errorf("client: join group: %w", err)
	}
	return p.startSession(ctx, groupID, engine, onMessage, onError)
}

func (p *Profile) startSession(ctx context.Context, groupID ids.GroupIdentifier, engine mls.Engine, onMessage func(GroupMessage), onError func(error)) error {
	gs := &groupSession{engine: engine}
	l := listener.New(conn{pool: p.unauthPool, key: p.unauthURL}, p.suite, engine, groupID, listener.Callbacks{
		OnApplication: func(ev mls.Event) {
			p.handleApplication(ctx, groupID, ev, onMessage)
		},
		OnError: onError,
	}, p.log)
	gs.listener = l

	p.mu.Lock()
	p.groups[groupID] = gs
	p.mu.Unlock()

	if err := l.Start(ctx); err != nil {
		p.mu.Lock()
		delete(p.groups, groupID)
		p.mu.Unlock()
		return fmt.Errorf("client: start listener: %w", err)
	}

	if err := p.store.SaveGroupInfo(ctx, store.GroupInfo{
		GroupID: groupID,
		EpochID: engine.Epoch(),
	}); err != nil {
		p.log.Warn().Err(err).Msg("client: failed to persist group info")
	}
	return nil
}

func (p *Profile) handleApplication(ctx context.Context, groupID ids.GroupIdentifier, ev mls.Event, onMessage func(GroupMessage)) {
	now := time.Now().UnixMilli()
	if _, err := p.store.AddMessage(ctx, store.Message{
		GroupID:           groupID,
		Sender:            ev.Sender,
		ServerTimestamp:   now,
		ReceivedTimestamp: now,
		Kind:              store.MessageKindText,
		Content:           ev.Payload,
	}); err != nil {
		p.log.Warn().Err(err).Msg("client: failed to persist received message")
	}
	if onMessage != nil {
		onMessage(GroupMessage{GroupID: groupID, Payload: ev.Payload})
	}
}

// InviteMember proposes adding an account's key package to groupID,
// commits the proposal, and broadcasts the resulting commit ciphertext to
// every member still listening on the group's pre-commit epoch address —
// including this profile's own listener, since calling Commit advances
// this engine's epoch directly rather than through the Process-triggered
// rotation path every other member takes. Returns the Welcome envelope
// the invitee needs to call JoinGroup.
func (p *Profile) InviteMember(ctx context.Context, groupID ids.GroupIdentifier, keyPackage []byte) ([]byte, error) {
	gs, err := p.session(groupID)
	if err != nil {
		return nil, err
	}

	oldSecret, oldPublic, err := blindaddr.Derive(p.suite, gs.engine.DeriveGroupSecret())
	if err != nil {
		return nil, fmt.Errorf("client: derive blinded address: %w", err)
	}

	if err := gs.engine.ProposeAdd(keyPackage); err != nil {
		return nil, fmt.Errorf("client: propose add: %w", err)
	}
	welcome, err := gs.engine.Commit()
	if err != nil {
		return nil, fmt.Errorf("client: commit: %w", err)
	}

	if _, err := p.unauthPool.Request(ctx, p.unauthURL, wire.SendMessage{
		Secret:     oldSecret,
		PublicTag:  oldPublic,
		Ciphertext: welcome,
	}); err != nil {
		return nil, fmt.Errorf("client: broadcast commit: %w", err)
	}

	if err := gs.listener.Rotate(ctx); err != nil {
		p.log.Warn().Err(err).Msg("client: rotate own listener after commit")
	}

	return welcome, nil
}

// OwnKeyPackage mints a fresh key package for this profile, publishable
// via UploadKeyPackages so other members can invite it into a group.
func (p *Profile) OwnKeyPackage() []byte {
	return simengine.NewKeyPackage(p.AccountID())
}

// LeaveGroup stops the group's listener task and forgets its local
// session state (the local store's history for the group is retained).
func (p *Profile) LeaveGroup(ctx context.Context, groupID ids.GroupIdentifier) {
	p.mu.Lock()
	gs, ok := p.groups[groupID]
	if ok {
		delete(p.groups, groupID)
	}
	p.mu.Unlock()
	if ok && gs.listener != nil {
		gs.listener.Stop(ctx)
	}
}
