package crlite

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
	"github.com/livelite/livelite/pkg/changeset"
	"github.com/livelite/livelite/pkg/engine"
)

const syncRedialDelay = 2 * time.Second

// Sync opens the continuous live-sync channel: a websocket connection to a
// relay that fans changesets out between replicas of the same database. The
// client pushes locally-originated changes whenever tables mutate and merges
// every changeset it receives. The connection is redialed until the handle is
// closed or ctx is canceled.
func (e *Engine) Sync(ctx context.Context, opts engine.SyncOptions) (engine.SyncHandle, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("crlite: sync endpoint is required")
	}
	dbName := opts.DBName
	if dbName == "" {
		dbName = e.dbName
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &syncClient{
		e:      e,
		url:    strings.TrimRight(opts.Endpoint, "/") + "/sync/" + dbName,
		token:  opts.AuthToken,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.unsub = e.OnUpdate(func(engine.ChangeOp, string, string) {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	})

	go c.run(ctx)
	return c, nil
}

type syncClient struct {
	e      *Engine
	url    string
	token  string
	cancel context.CancelFunc
	unsub  func()
	kick   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	// highest local db_version already handed to the relay
	lastPushed int64
}

func (c *syncClient) Close() error {
	c.closeOnce.Do(func() {
		c.unsub()
		c.cancel()
	})
	<-c.done
	return nil
}

func (c *syncClient) run(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.e.log.Warn("crlite: sync session ended",
				logutil.Values(zap.String("url", c.url), zap.Error(err)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(syncRedialDelay):
		}
	}
}

// session dials once and runs the read and push loops until either side
// fails or ctx is canceled.
func (c *syncClient) session(ctx context.Context) error {
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		return fmt.Errorf("crlite: dial %s: %w", c.url, err)
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn) }()

	// Full push on connect so a replica that mutated while offline catches
	// the relay up before incremental pushes resume.
	c.lastPushed = 0
	if err := c.push(ctx, conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case <-c.kick:
			if err := c.push(ctx, conn); err != nil {
				return err
			}
		}
	}
}

// push pulls every change past the last pushed version and ships the
// locally-originated ones.
func (c *syncClient) push(ctx context.Context, conn *websocket.Conn) error {
	changes, err := c.e.PullChanges(ctx, c.lastPushed)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	site := c.e.SiteID()
	mine := make([]changeset.Change, 0, len(changes))
	for _, ch := range changes {
		if v := ch.DBVersion.Int64(); v > c.lastPushed {
			c.lastPushed = v
		}
		if ch.SiteID != nil && ch.SiteID.Cmp(site) == 0 {
			mine = append(mine, ch)
		}
	}
	if len(mine) == 0 {
		return nil
	}

	payload, err := changeset.Marshal(mine)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("crlite: sync write: %w", err)
	}
	c.e.log.Debug("crlite: pushed changes",
		logutil.Values(zap.Int("count", len(mine)), zap.Int64("through", c.lastPushed)))
	return nil
}

func (c *syncClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		changes, err := changeset.Unmarshal(string(payload))
		if err != nil {
			c.e.log.Warn("crlite: dropping malformed sync payload",
				logutil.Values(zap.Error(err)))
			continue
		}
		if err := c.e.ApplyChanges(ctx, changes); err != nil {
			return err
		}
		c.e.log.Debug("crlite: merged changes",
			logutil.Values(zap.Int("count", len(changes))))
	}
}
