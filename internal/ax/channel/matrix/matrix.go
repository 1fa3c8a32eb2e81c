// Package matrix adapts a Matrix homeserver connection to the
// channel.Channel interface, so the router (C8) can receive and answer
// messages from admin rooms without knowing anything about mautrix.
//
// Adapted from the teacher's internal/ruriko/matrix package: same
// mautrix.Client wiring, same persistent sync store and reconnect
// backoff loop, same admin-room allowlist. The chat-command dispatch
// and natural-language layer the teacher built on top is dropped —
// spec 1 places chat-channel adapters themselves out of scope, so this
// adapter is kept thin: authentication and message plumbing only.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ax-host/ax/internal/ax/channel"
)

// Config holds the connection parameters for a Matrix adapter instance.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	AdminRooms  []string
	DB          *sql.DB
}

// Channel is a channel.Channel backed by a Matrix homeserver connection.
type Channel struct {
	cfg    Config
	client *mautrix.Client

	inbound chan channel.InboundMessage
	stopCh  chan struct{}

	mu sync.Mutex
}

var _ channel.Channel = (*Channel)(nil)

// New creates a Matrix channel. It does not connect until Start is called.
func New(cfg Config) (*Channel, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}

	if cfg.DB != nil {
		client.Store = newDBSyncStore(cfg.DB)
		slog.Info("matrix sync store: using persistent sqlite store", "component", "channel.matrix")
	} else {
		slog.Warn("matrix sync store: no db configured, history will replay on restart", "component", "channel.matrix")
	}

	return &Channel{
		cfg:     cfg,
		client:  client,
		inbound: make(chan channel.InboundMessage, 64),
		stopCh:  make(chan struct{}),
	}, nil
}

// Name implements channel.Channel.
func (c *Channel) Name() string { return "matrix" }

// Inbound implements channel.Channel.
func (c *Channel) Inbound() <-chan channel.InboundMessage { return c.inbound }

// Start joins all configured admin rooms and begins syncing in the
// background with exponential-backoff reconnection, matching the
// teacher's client loop.
func (c *Channel) Start() error {
	slog.Warn("matrix e2ee is not enabled; messages are transmitted in plaintext", "component", "channel.matrix")

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.cfg.AdminRooms {
		if err := c.joinRoom(id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join admin room %s: %w", roomID, err)
		}
	}

	go c.syncLoop()
	return nil
}

// Stop implements channel.Channel.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
		return // already stopped
	default:
		close(c.stopCh)
	}
	c.client.StopSync()
	close(c.inbound)
}

func (c *Channel) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		if err := c.client.Sync(); err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			slog.Error("matrix sync stopped; reconnecting", "component", "channel.matrix", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		return
	}
}

// Send implements channel.Channel: it posts an outbound message to the
// room named by msg.Session (the room ID), replying in-thread when
// ReplyTo names an event ID.
func (c *Channel) Send(msg channel.OutboundMessage) error {
	roomID := id.RoomID(msg.Session)
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Content,
	}
	if msg.ReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)},
		}
	}
	_, err := c.client.SendMessageEvent(context.Background(), roomID, event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("matrix: send message: %w", err)
	}
	return nil
}

// IsAdminRoom reports whether roomID is in the configured allowlist.
func (c *Channel) IsAdminRoom(roomID string) bool {
	for _, admin := range c.cfg.AdminRooms {
		if admin == roomID {
			return true
		}
	}
	return false
}

func (c *Channel) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}
	if !c.IsAdminRoom(evt.RoomID.String()) {
		return
	}

	select {
	case c.inbound <- channel.InboundMessage{
		Session:  evt.RoomID.String(),
		Sender:   evt.Sender.String(),
		Content:  msgContent.Body,
		Provider: c.Name(),
		ReplyTo:  evt.ID.String(),
	}:
	case <-c.stopCh:
	}
}

func (c *Channel) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "component", "channel.matrix", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
