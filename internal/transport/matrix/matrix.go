// ABOUTME: Matrix transport on mautrix with token or password login
// ABOUTME: Keeps a sync loop alive and sends text into direct-message rooms

// Package matrix implements transport.Transport for a Matrix account.
// There is no pairing step: the account logs in from configured credentials
// and is ready once the homeserver confirms who it is. Recipients are Matrix
// user IDs; each gets a direct-message room, created on first use.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

var errNoCredentials = errors.New("no access token or password configured")

// Config holds Matrix transport settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Username    string
	Password    string
	// RetryDelay is the wait between reconnect attempts.
	RetryDelay time.Duration
	Clock      clockwork.Clock
}

// Transport is a mautrix-backed messaging client.
type Transport struct {
	cfg     Config
	clock   clockwork.Clock
	client  *mautrix.Client
	logger  *slog.Logger
	emitter *transport.Emitter

	mu      sync.Mutex
	ready   bool
	started bool
	closed  bool
	// loggedOut asks the sync loop to drop the revoked credentials.
	loggedOut bool
	rooms     map[id.UserID]id.RoomID
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// New creates the transport. No network traffic happens until Start.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Transport{
		cfg:     cfg,
		clock:   cfg.Clock,
		client:  client,
		logger:  logger.With("component", "matrix"),
		emitter: transport.NewEmitter(32),
		rooms:   make(map[id.UserID]id.RoomID),
	}, nil
}

func (t *Transport) Name() string { return "matrix" }

// Start launches the login and sync loop.
func (t *Transport) Start(ctx context.Context) (<-chan transport.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.started {
		return nil, fmt.Errorf("matrix transport already started")
	}
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)

	t.logger.Info("connecting to matrix homeserver", "homeserver", t.cfg.Homeserver)
	return t.emitter.Events(), nil
}

func (t *Transport) run(ctx context.Context) {
	defer t.wg.Done()

	for {
		err := t.session(ctx)
		t.setReady(false)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errNoCredentials) {
			t.logger.Error("matrix session cannot continue", "error", err)
			return
		}

		select {
		case <-t.clock.After(t.cfg.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// session logs in if needed, reports readiness and syncs until failure.
func (t *Transport) session(ctx context.Context) error {
	t.mu.Lock()
	if t.loggedOut {
		t.client.ClearCredentials()
		t.loggedOut = false
	}
	t.mu.Unlock()

	if t.client.AccessToken == "" {
		if t.cfg.Password == "" {
			t.emitter.Emit(transport.AuthFailure(errNoCredentials.Error()))
			return errNoCredentials
		}
		_, err := t.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: t.cfg.Username,
			},
			Password:                 t.cfg.Password,
			InitialDeviceDisplayName: "wa-gateway",
			StoreCredentials:         true,
		})
		if err != nil {
			if ctx.Err() == nil {
				t.emitter.Emit(transport.AuthFailure(fmt.Sprintf("login failed: %v", err)))
			}
			return fmt.Errorf("logging in: %w", err)
		}
	}
	t.emitter.Emit(transport.Authenticated())

	who, err := t.client.Whoami(ctx)
	if err != nil {
		return t.fail(ctx, "whoami", err)
	}

	name := ""
	if resp, err := t.client.GetOwnDisplayName(ctx); err == nil {
		name = resp.DisplayName
	}
	localpart, _, _ := who.UserID.Parse()

	t.setReady(true)
	t.emitter.Emit(transport.Ready(session.Identity{
		Address:  who.UserID.String(),
		User:     localpart,
		Name:     name,
		Platform: "matrix",
	}))
	t.logger.Info("matrix session ready", "user_id", who.UserID.String())

	err = t.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		// StopSync after a logout
		return nil
	}
	return t.fail(ctx, "sync", err)
}

func (t *Transport) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	t.setReady(false)
	if errors.Is(err, mautrix.MUnknownToken) {
		t.client.ClearCredentials()
		t.emitter.Emit(transport.AuthFailure("access token rejected"))
	} else {
		t.emitter.Emit(transport.Disconnected(fmt.Sprintf("%s: %v", op, err)))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (t *Transport) setReady(v bool) {
	t.mu.Lock()
	t.ready = v
	t.mu.Unlock()
}

// Send delivers a text to a Matrix user through a direct-message room.
func (t *Transport) Send(ctx context.Context, address, body string) (transport.Receipt, error) {
	t.mu.Lock()
	ready := t.ready && !t.closed
	t.mu.Unlock()
	if !ready {
		return transport.Receipt{}, transport.ErrNotReady
	}

	user := id.UserID(address)
	if _, _, err := user.Parse(); err != nil {
		return transport.Receipt{}, fmt.Errorf("%q is not a matrix user id: %w", address, err)
	}

	room, err := t.directRoom(ctx, user)
	if err != nil {
		return transport.Receipt{}, err
	}

	resp, err := t.client.SendText(ctx, room, body)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("sending to %s: %w", room, err)
	}
	return transport.Receipt{
		MessageID: resp.EventID.String(),
		Timestamp: t.clock.Now().Unix(),
	}, nil
}

func (t *Transport) directRoom(ctx context.Context, user id.UserID) (id.RoomID, error) {
	t.mu.Lock()
	room, ok := t.rooms[user]
	t.mu.Unlock()
	if ok {
		return room, nil
	}

	resp, err := t.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []id.UserID{user},
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room with %s: %w", user, err)
	}

	t.mu.Lock()
	t.rooms[user] = resp.RoomID
	t.mu.Unlock()
	return resp.RoomID, nil
}

// Logout invalidates the access token. With a password configured the
// session logs in again after the retry delay.
func (t *Transport) Logout(ctx context.Context) error {
	t.mu.Lock()
	ready := t.ready && !t.closed
	t.mu.Unlock()
	if !ready {
		return transport.ErrNotReady
	}

	if _, err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	t.mu.Lock()
	t.ready = false
	t.loggedOut = true
	t.rooms = make(map[id.UserID]id.RoomID)
	t.mu.Unlock()
	t.client.StopSync()

	t.emitter.Emit(transport.Disconnected("logged out"))
	return nil
}

// Close stops the sync loop and waits for it, bounded by ctx.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.ready = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.client.StopSync()
	t.emitter.Close()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync loop: %w", ctx.Err())
	}
}
