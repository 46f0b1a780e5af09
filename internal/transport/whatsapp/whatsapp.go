// ABOUTME: WhatsApp transport on whatsmeow with a sqlite credential store
// ABOUTME: Issues QR pairing codes, reports lifecycle events and re-links after logout

// Package whatsapp implements transport.Transport for a WhatsApp account
// linked as a companion device. Credentials persist in a sqlite file named
// after the client ID, so a restart resumes the session without a new scan.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

// Config holds WhatsApp transport settings.
type Config struct {
	// StorePath is the sqlite file holding the device credentials.
	StorePath string
	// Relink starts a new pairing cycle after the session is logged out.
	Relink bool
	// PairingRetry is the wait before a new QR cycle when the last one
	// expired or failed. Zero uses DefaultPairingRetry.
	PairingRetry time.Duration
	Clock        clockwork.Clock
}

// DefaultPairingRetry is the wait between QR cycles.
const DefaultPairingRetry = 5 * time.Second

// Transport is a whatsmeow-backed messaging client.
type Transport struct {
	cfg       Config
	clock     clockwork.Clock
	logger    *slog.Logger
	db        *sql.DB
	container *sqlstore.Container
	emitter   *transport.Emitter

	mu     sync.Mutex
	client *whatsmeow.Client
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	reconnecting atomic.Bool
	wg        sync.WaitGroup
}

// New opens (or creates) the credential store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp")
	if cfg.PairingRetry <= 0 {
		cfg.PairingRetry = DefaultPairingRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", cfg.StorePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", newLogger(logger.With("module", "store")))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating credential store: %w", err)
	}

	return &Transport{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logger,
		db:        db,
		container: container,
		emitter:   transport.NewEmitter(64),
	}, nil
}

func (t *Transport) Name() string { return "whatsapp" }

// Start connects with stored credentials, or begins QR pairing when there are none.
func (t *Transport) Start(ctx context.Context) (<-chan transport.Event, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if t.ctx != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("whatsapp transport already started")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	if err := t.connect(); err != nil {
		return nil, err
	}
	return t.emitter.Events(), nil
}

func (t *Transport) connect() error {
	device, err := t.container.GetFirstDevice(t.ctx)
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, newLogger(t.logger.With("module", "client")))
	client.AddEventHandler(t.handleEvent)

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(t.ctx)
		if err != nil {
			return fmt.Errorf("requesting pairing channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		t.wg.Add(1)
		go t.watchQR(qrChan)
		t.logger.Info("no stored session, waiting for QR pairing")
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	t.logger.Info("resuming stored session", "jid", client.Store.ID.String())
	return nil
}

func (t *Transport) watchQR(items <-chan whatsmeow.QRChannelItem) {
	defer t.wg.Done()
	var last whatsmeow.QRChannelItem
	for item := range items {
		last = item
		if ev, ok := translateQR(item); ok {
			t.emitter.Emit(ev)
		}
	}
	if restartsPairing(last) {
		t.restartPairing(last.Event)
	}
}

func (t *Transport) handleEvent(evt interface{}) {
	ev, ok := translate(evt, t.self)
	if !ok {
		return
	}
	t.emitter.Emit(ev)

	if _, loggedOut := evt.(*events.LoggedOut); loggedOut {
		t.relink()
	}
}

func (t *Transport) self() (session.Identity, bool) {
	client := t.current()
	if client == nil || client.Store.ID == nil {
		return session.Identity{}, false
	}
	return identityOf(*client.Store.ID, client.Store.PushName, client.Store.Platform), true
}

func (t *Transport) current() *whatsmeow.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// relink replaces the logged-out client with a fresh device and a new
// pairing cycle. It runs in the background so event handlers return promptly.
func (t *Transport) relink() {
	if !t.cfg.Relink {
		return
	}
	t.reconnect("re-link", 0)
}

// restartPairing begins a new QR cycle after the configured wait, so pairing
// stays available when codes expire unscanned.
func (t *Transport) restartPairing(ended string) {
	t.logger.Info("pairing cycle ended, starting a new one",
		"event", ended,
		"retry_in", t.cfg.PairingRetry)
	t.reconnect("pairing restart", t.cfg.PairingRetry)
}

// reconnect drops the current client and connects again after delay. At most
// one reconnect runs at a time, and none starts once the transport is closed.
func (t *Transport) reconnect(what string, delay time.Duration) {
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.reconnecting.Store(false)
		return
	}
	ctx := t.ctx
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.reconnecting.Store(false)

		if delay > 0 {
			select {
			case <-t.clock.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if old := t.current(); old != nil {
			old.Disconnect()
		}
		if err := t.connect(); err != nil {
			t.logger.Error(what+" failed", "error", err)
			t.emitter.Emit(transport.AuthFailure(fmt.Sprintf("%s failed: %v", what, err)))
			return
		}
		t.logger.Info(what + " started")
	}()
}

// Send delivers a plain text message.
func (t *Transport) Send(ctx context.Context, address, body string) (transport.Receipt, error) {
	client := t.current()
	if client == nil || !client.IsLoggedIn() {
		return transport.Receipt{}, transport.ErrNotReady
	}

	jid, err := toJID(address)
	if err != nil {
		return transport.Receipt{}, err
	}

	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("sending to %s: %w", jid, err)
	}

	return transport.Receipt{
		MessageID: string(resp.ID),
		Timestamp: resp.Timestamp.Unix(),
	}, nil
}

// Logout unlinks the device and reports the session as disconnected.
func (t *Transport) Logout(ctx context.Context) error {
	client := t.current()
	if client == nil {
		return transport.ErrNotReady
	}
	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	t.emitter.Emit(transport.Disconnected("logged out"))
	t.relink()
	return nil
}

// Close disconnects and waits for background work, bounded by ctx.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client := t.client
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	t.emitter.Close()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("background work still running at close")
	}

	if err := t.db.Close(); err != nil {
		return fmt.Errorf("closing credential store: %w", err)
	}
	return nil
}
