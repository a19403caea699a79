package group

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAlreadyGrouped = errors.New("client already belongs to a group")
	ErrNotOwner       = errors.New("only the group owner can do that")
	ErrNotMember      = errors.New("client is not a member of the group")
	ErrNotGrouped     = errors.New("client is not in a group")
	ErrSelf           = errors.New("cannot target yourself")
)

type EventKind string

const (
	EventCreated   EventKind = "created"
	EventJoined    EventKind = "joined"
	EventLeft      EventKind = "left"
	EventRemoved   EventKind = "removed"
	EventDissolved EventKind = "dissolved"
)

// Group is a snapshot of a group's membership. The owner is always the first
// member.
type Group struct {
	ID      string
	Owner   string
	Members []string
}

func (g Group) Has(uid string) bool {
	return slices.Contains(g.Members, uid)
}

// Event describes one committed membership change. Notify lists everyone
// whose view changed: the members after the change plus the subject.
type Event struct {
	Kind    EventKind
	Group   Group
	Subject string
	Notify  []string
}

type entry struct {
	mu      sync.Mutex
	id      string
	owner   string
	members []string
	dead    bool
}

func (e *entry) snapshot() Group {
	return Group{ID: e.id, Owner: e.owner, Members: slices.Clone(e.members)}
}

// Coordinator serializes mutations per group. Lock order is entry.mu before
// the index lock.
type Coordinator struct {
	logger *slog.Logger

	idx         sync.RWMutex
	groups      map[string]*entry
	clientGroup map[string]string

	notifyMu sync.RWMutex
	notify   []func(Event)
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:      logger.With("component", "group_coordinator"),
		groups:      make(map[string]*entry),
		clientGroup: make(map[string]string),
	}
}

// Subscribe registers a callback run after every committed mutation, outside
// any group lock.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify = append(c.notify, fn)
}

func (c *Coordinator) CreateGroup(owner string) (Group, error) {
	e := &entry{id: uuid.NewString(), owner: owner, members: []string{owner}}

	c.idx.Lock()
	if _, ok := c.clientGroup[owner]; ok {
		c.idx.Unlock()
		return Group{}, ErrAlreadyGrouped
	}
	c.groups[e.id] = e
	c.clientGroup[owner] = e.id
	c.idx.Unlock()

	g := e.snapshot()
	c.logger.Info("group created", "group_id", g.ID, "owner", owner)
	c.publish(Event{Kind: EventCreated, Group: g, Subject: owner, Notify: []string{owner}})
	return g, nil
}

// Invite adds an ungrouped client to the owner's group.
func (c *Coordinator) Invite(owner, invitee string) (Group, error) {
	if owner == invitee {
		return Group{}, ErrSelf
	}
	e, err := c.lockOwned(owner)
	if err != nil {
		return Group{}, err
	}

	c.idx.Lock()
	if _, ok := c.clientGroup[invitee]; ok {
		c.idx.Unlock()
		e.mu.Unlock()
		return Group{}, ErrAlreadyGrouped
	}
	c.clientGroup[invitee] = e.id
	c.idx.Unlock()
	e.members = append(e.members, invitee)
	g := e.snapshot()
	e.mu.Unlock()

	c.logger.Info("client joined group", "group_id", g.ID, "client_uid", invitee)
	c.publish(Event{Kind: EventJoined, Group: g, Subject: invitee, Notify: g.Members})
	return g, nil
}

// Remove lets the owner kick a member.
func (c *Coordinator) Remove(owner, target string) (Group, error) {
	if owner == target {
		return Group{}, ErrSelf
	}
	e, err := c.lockOwned(owner)
	if err != nil {
		return Group{}, err
	}
	if !slices.Contains(e.members, target) {
		e.mu.Unlock()
		return Group{}, ErrNotMember
	}
	ev := c.dropMemberLocked(e, target, EventRemoved)
	e.mu.Unlock()

	c.publish(ev)
	return ev.Group, nil
}

// Leave removes uid from its group. The group dissolves when its owner leaves
// or its last member does.
func (c *Coordinator) Leave(uid string) (Event, error) {
	e, err := c.lockMember(uid)
	if err != nil {
		return Event{}, err
	}
	ev := c.dropMemberLocked(e, uid, EventLeft)
	e.mu.Unlock()

	c.publish(ev)
	return ev, nil
}

func (c *Coordinator) dropMemberLocked(e *entry, uid string, kind EventKind) Event {
	if uid == e.owner || len(e.members) <= 1 {
		former := e.snapshot()
		e.dead = true
		c.idx.Lock()
		for _, m := range e.members {
			if c.clientGroup[m] == e.id {
				delete(c.clientGroup, m)
			}
		}
		delete(c.groups, e.id)
		c.idx.Unlock()
		e.members = nil
		c.logger.Info("group dissolved", "group_id", e.id, "by", uid)
		return Event{Kind: EventDissolved, Group: former, Subject: uid, Notify: former.Members}
	}

	e.members = slices.DeleteFunc(e.members, func(m string) bool { return m == uid })
	c.idx.Lock()
	delete(c.clientGroup, uid)
	c.idx.Unlock()
	g := e.snapshot()
	c.logger.Info("client left group", "group_id", g.ID, "client_uid", uid, "kind", string(kind))
	return Event{Kind: kind, Group: g, Subject: uid, Notify: append(slices.Clone(g.Members), uid)}
}

// GroupOf returns the group uid belongs to.
func (c *Coordinator) GroupOf(uid string) (Group, bool) {
	e, err := c.lockMember(uid)
	if err != nil {
		return Group{}, false
	}
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// MembersOf returns the current members of groupID, owner first.
func (c *Coordinator) MembersOf(groupID string) []string {
	c.idx.RLock()
	e := c.groups[groupID]
	c.idx.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil
	}
	return slices.Clone(e.members)
}

func (c *Coordinator) Count() int {
	c.idx.RLock()
	defer c.idx.RUnlock()
	return len(c.groups)
}

// lockMember returns uid's group entry locked, retrying if the group changed
// between the index read and acquiring the entry lock.
func (c *Coordinator) lockMember(uid string) (*entry, error) {
	for {
		c.idx.RLock()
		gid, ok := c.clientGroup[uid]
		e := c.groups[gid]
		c.idx.RUnlock()
		if !ok || e == nil {
			return nil, ErrNotGrouped
		}
		e.mu.Lock()
		if !e.dead && slices.Contains(e.members, uid) {
			return e, nil
		}
		e.mu.Unlock()
	}
}

func (c *Coordinator) lockOwned(owner string) (*entry, error) {
	e, err := c.lockMember(owner)
	if err != nil {
		return nil, err
	}
	if e.owner != owner {
		e.mu.Unlock()
		return nil, ErrNotOwner
	}
	return e, nil
}

func (c *Coordinator) publish(ev Event) {
	c.notifyMu.RLock()
	subs := slices.Clone(c.notify)
	c.notifyMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
