// Package channel simulates the server side of one channel in process: it
// serialises published operations, fans them out to attached clients and
// serves paginated OBJECT_SYNC sequences on attach.
//
// Every message travels through the wire codec, so clients see exactly
// what a transport would hand them.
package channel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/liveobjects"
	"github.com/drpcorg/liveobjects/objects"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultPageSize = 100

var (
	ErrUnknownClient = errors.New("channel: unknown client")
	ErrNoOperations  = errors.New("channel: nothing to publish")
)

// Channel holds the authoritative replica of a channel's objects and the
// engines of its attached clients.
type Channel struct {
	name     string
	log      utils.Logger
	// ctx carries the channel name into log records
	ctx      context.Context
	format   protocol.Format
	pageSize int
	siteCode string
	store    liveobjects.StateStore

	// lock serialises delivery so every client sees one order
	lock      sync.Mutex
	serial    uint64
	authority *liveobjects.Objects
	clients   *xsync.MapOf[string, *liveobjects.Objects]
}

type Opt interface {
	Apply(*Channel)
}

type FormatOpt struct {
	Format protocol.Format
}

func (opt *FormatOpt) Apply(c *Channel) {
	c.format = opt.Format
}

type PageSizeOpt struct {
	PageSize int
}

func (opt *PageSizeOpt) Apply(c *Channel) {
	if opt.PageSize > 0 {
		c.pageSize = opt.PageSize
	}
}

type SiteCodeOpt struct {
	SiteCode string
}

func (opt *SiteCodeOpt) Apply(c *Channel) {
	if opt.SiteCode != "" {
		c.siteCode = opt.SiteCode
	}
}

// StoreOpt mirrors the authoritative replica into a store.
type StoreOpt struct {
	Store liveobjects.StateStore
}

func (opt *StoreOpt) Apply(c *Channel) {
	c.store = opt.Store
}

// New creates an empty channel.
//
// Example:
//
//	ch := channel.New("chat", log,
//		&channel.FormatOpt{Format: protocol.FormatMsgpack},
//		&channel.PageSizeOpt{PageSize: 10},
//	)
func New(name string, log utils.Logger, opts ...Opt) *Channel {
	c := &Channel{
		name:     name,
		log:      log,
		ctx:      utils.WithDefaultArgs(context.Background(), "channel", name),
		format:   protocol.FormatJSON,
		pageSize: DefaultPageSize,
		siteCode: "site-" + uuid.NewString()[:8],
		clients:  xsync.NewMapOf[string, *liveobjects.Objects](),
	}
	for _, o := range opts {
		o.Apply(c)
	}
	c.authority = liveobjects.New(liveobjects.Options{Logger: log, Store: c.store})
	c.authority.OnChannelAttached(false)
	return c
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) SiteCode() string {
	return c.siteCode
}

func (c *Channel) Format() protocol.Format {
	return c.format
}

// Authority is the channel's own replica; every published operation lands
// there first.
func (c *Channel) Authority() *liveobjects.Objects {
	return c.authority
}

func (c *Channel) Client(name string) (*liveobjects.Objects, bool) {
	return c.clients.Load(name)
}

func (c *Channel) Clients() []string {
	names := make(map[string]struct{}, c.clients.Size())
	c.clients.Range(func(name string, _ *liveobjects.Objects) bool {
		names[name] = struct{}{}
		return true
	})
	return utils.SortedKeys(names)
}

// Attach attaches a client, creating its engine on first attach. The
// client gets ATTACHED and, when the channel holds objects, a full sync.
// A client that cannot take the messages is detached again.
func (c *Channel) Attach(name string) (*liveobjects.Objects, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ctx := c.clientCtx(name)
	client, ok := c.clients.Load(name)
	if !ok {
		client = liveobjects.New(liveobjects.Options{Logger: c.log})
		c.clients.Store(name, client)
	}
	hasObjects := c.hasObjects()
	if err := c.attach(ctx, client, hasObjects); err != nil {
		c.clients.Delete(name)
		client.Close()
		c.log.WarnCtx(ctx, "attach failed, client dropped", "err", err)
		return nil, err
	}
	c.log.InfoCtx(ctx, "client attached", "hasObjects", hasObjects)
	return client, nil
}

func (c *Channel) attach(ctx context.Context, client *liveobjects.Objects, hasObjects bool) error {
	attached := &protocol.ProtocolMessage{Action: protocol.MessageAttached, Channel: c.name}
	if hasObjects {
		attached.Flags |= protocol.FlagHasObjects
	}
	if err := c.deliver(client, attached); err != nil {
		return err
	}
	if hasObjects {
		return c.sendSync(ctx, client)
	}
	return nil
}

func (c *Channel) Detach(name string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	client, ok := c.clients.LoadAndDelete(name)
	if !ok {
		return ErrUnknownClient
	}
	client.Close()
	c.log.InfoCtx(c.clientCtx(name), "client detached")
	return nil
}

// Resync sends a client a fresh OBJECT_SYNC sequence of the current state.
func (c *Channel) Resync(name string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	client, ok := c.clients.Load(name)
	if !ok {
		return ErrUnknownClient
	}
	return c.sendSync(c.clientCtx(name), client)
}

// clientCtx adds the client name to the channel's log context.
func (c *Channel) clientCtx(name string) context.Context {
	return utils.WithDefaultArgs(c.ctx, "client", name)
}

// hasObjects is false for a channel holding nothing but an empty root.
func (c *Channel) hasObjects() bool {
	states := c.authority.States()
	if len(states) != 1 {
		return true
	}
	root := states[0]
	return root.Tombstone || (root.Map != nil && len(root.Map.Entries) > 0)
}

// SyncPages splits the current state into OBJECT_SYNC messages of one
// sequence, the last of them carrying an empty cursor.
func (c *Channel) SyncPages() []*protocol.ProtocolMessage {
	states := c.authority.States()
	seq := uuid.NewString()
	var pages []*protocol.ProtocolMessage
	for start := 0; ; start += c.pageSize {
		end := min(start+c.pageSize, len(states))
		page := &protocol.ProtocolMessage{
			Action:  protocol.MessageObjectSync,
			ID:      uuid.NewString(),
			Channel: c.name,
		}
		for i := start; i < end; i++ {
			page.State = append(page.State, protocol.ObjectMessage{Object: &states[i]})
		}
		cursor := ""
		if end < len(states) {
			cursor = fmt.Sprint(len(pages) + 1)
		}
		page.ChannelSerial = protocol.SyncCursor{SequenceID: seq, Cursor: cursor}.String()
		pages = append(pages, page)
		if end >= len(states) {
			break
		}
	}
	return pages
}

func (c *Channel) sendSync(ctx context.Context, client *liveobjects.Objects) error {
	pages := c.SyncPages()
	for _, page := range pages {
		if err := c.deliver(client, page); err != nil {
			return err
		}
	}
	c.log.DebugCtx(ctx, "sync sent", "pages", len(pages))
	return nil
}

// Publish stamps ops with consecutive serials of the channel's site,
// applies them to the authority and then to every client, in order.
func (c *Channel) Publish(ops ...protocol.ObjectOperation) ([]protocol.ObjectMessage, error) {
	if len(ops) == 0 {
		return nil, ErrNoOperations
	}
	for _, op := range ops {
		if _, err := objects.KindOf(op.ObjectID); err != nil {
			return nil, errors.Wrapf(err, "channel: publish %s on %q", op.Action, op.ObjectID)
		}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	now := time.Now().UnixMilli()
	msgs := make([]protocol.ObjectMessage, len(ops))
	for i := range ops {
		op := ops[i]
		c.serial++
		msgs[i] = protocol.ObjectMessage{
			ID:        uuid.NewString(),
			Timestamp: now,
			Operation: &op,
			Serial:    fmt.Sprintf("%020d", c.serial),
			SiteCode:  c.siteCode,
		}
	}
	pm := &protocol.ProtocolMessage{
		Action:  protocol.MessageObject,
		ID:      uuid.NewString(),
		Channel: c.name,
		State:   msgs,
	}
	if err := c.deliver(c.authority, pm); err != nil {
		return nil, err
	}
	// one failing client must not keep the others behind
	var failed []string
	var first error
	c.clients.Range(func(name string, client *liveobjects.Objects) bool {
		if err := c.deliver(client, pm); err != nil {
			c.log.ErrorCtx(c.clientCtx(name), "delivery failed", "err", err)
			failed = append(failed, name)
			if first == nil {
				first = err
			}
		}
		return true
	})
	if first != nil {
		slices.Sort(failed)
		return msgs, errors.Wrapf(first, "channel: delivery to %s failed", strings.Join(failed, ", "))
	}
	c.log.DebugCtx(c.ctx, "operations published", "count", len(msgs), "lastSerial", msgs[len(msgs)-1].Serial)
	return msgs, nil
}

// deliver round-trips pm through the wire format into client.
func (c *Channel) deliver(client *liveobjects.Objects, pm *protocol.ProtocolMessage) error {
	data, err := protocol.Encode(c.format, pm)
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(c.format, data)
	if err != nil {
		return err
	}
	return client.HandleProtocolMessage(decoded)
}
