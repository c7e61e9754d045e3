// Package browser implements the leased browser session pool: store-backed
// session records with create/occupy/renew/release/close lifecycle
// operations, live playwright pages attached on demand, and page scraping
// for the planner.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/waypoint/pkg/artifacts"
	"github.com/entrhq/waypoint/pkg/config"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/store"
	"github.com/entrhq/waypoint/pkg/types"
)

var (
	// ErrSessionNotRenewable covers every invalid renewal: the session
	// does not exist, is closed, has not started, or has too little time
	// left. The caller must close the session and lease a new one.
	ErrSessionNotRenewable = errors.New("browser session not renewable")

	// ErrSessionClosed is returned when an operation other than Close
	// reaches a closed session.
	ErrSessionClosed = errors.New("browser session closed")

	// ErrURLNotAllowed is returned when navigation targets a host outside
	// the configured allow-list.
	ErrURLNotAllowed = errors.New("url not in navigation allow-list")
)

// Defaults for new sessions.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	navigateTimeoutMillis = 30000.0
)

// livePage bundles the playwright resources attached to one session.
type livePage struct {
	browser    playwright.Browser
	context    playwright.BrowserContext
	page       playwright.Page
	videoDir   string
	networkLog strings.Builder
	netMu      sync.Mutex
}

// Pool manages browser sessions: durable lease records in the store and the
// live playwright resources attached to them. The pool, not the caller,
// enforces the one-occupant-per-session invariant.
type Pool struct {
	mu        sync.Mutex
	sessions  store.SessionStore
	artifacts *artifacts.Store
	matcher   *config.URLMatcher
	log       *logging.Logger

	pw          *playwright.Playwright
	live        map[string]*livePage
	initialized bool

	headless       bool
	defaultTimeout int
	renewThreshold time.Duration
	renewIncrement time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithHeadless controls whether launched browsers are headless.
func WithHeadless(headless bool) PoolOption {
	return func(p *Pool) { p.headless = headless }
}

// WithDefaultTimeout sets the default session lifetime in minutes.
func WithDefaultTimeout(minutes int) PoolOption {
	return func(p *Pool) { p.defaultTimeout = minutes }
}

// WithRenewPolicy sets the renewal threshold and increment.
func WithRenewPolicy(threshold, increment time.Duration) PoolOption {
	return func(p *Pool) {
		p.renewThreshold = threshold
		p.renewIncrement = increment
	}
}

// WithURLMatcher restricts navigation to the matcher's allow-list.
func WithURLMatcher(matcher *config.URLMatcher) PoolOption {
	return func(p *Pool) { p.matcher = matcher }
}

// NewPool creates a session pool backed by the given stores.
func NewPool(sessions store.SessionStore, artifactStore *artifacts.Store, opts ...PoolOption) *Pool {
	log, _ := logging.NewLogger("browser")
	p := &Pool{
		sessions:       sessions,
		artifacts:      artifactStore,
		log:            log,
		live:           make(map[string]*livePage),
		headless:       true,
		defaultTimeout: 60,
		renewThreshold: 5 * time.Minute,
		renewIncrement: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create persists a new session record in the created state. No browser is
// launched until a page is first requested.
func (p *Pool) Create(ctx context.Context, orgID, proxy string, timeoutMinutes int) (*types.BrowserSession, error) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = p.defaultTimeout
	}

	session := &types.BrowserSession{
		OrgID:          orgID,
		Status:         types.BrowserSessionCreated,
		Proxy:          proxy,
		TimeoutMinutes: timeoutMinutes,
	}
	if err := p.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	p.log.Infof("created session %s for org %s (timeout %dm)", session.ID, orgID, timeoutMinutes)
	return session, nil
}

// Occupy exclusively binds the session to a runnable. The first occupation
// starts the session clock.
func (p *Pool) Occupy(ctx context.Context, sessionID, runnableKind, runnableID string) error {
	if err := p.sessions.OccupySession(ctx, sessionID, runnableKind, runnableID); err != nil {
		return err
	}

	session, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == types.BrowserSessionCreated {
		now := time.Now().UTC()
		session.Status = types.BrowserSessionRunning
		session.StartedAt = &now
		if err := p.sessions.UpdateSession(ctx, session); err != nil {
			return err
		}
	}
	return nil
}

// Renew extends the session's timeout by the configured increment, provided
// at least the threshold remains before the current deadline. A session
// that is missing, closed, unstarted, or too close to its deadline is not
// renewable and must be closed by the caller.
func (p *Pool) Renew(ctx context.Context, sessionID string) (*types.BrowserSession, error) {
	session, err := p.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s does not exist", ErrSessionNotRenewable, sessionID)
	}
	if err != nil {
		return nil, err
	}

	if session.Status == types.BrowserSessionClosed {
		return nil, fmt.Errorf("%w: session %s is closed", ErrSessionNotRenewable, sessionID)
	}
	deadline, started := session.Deadline()
	if !started {
		return nil, fmt.Errorf("%w: session %s has not started", ErrSessionNotRenewable, sessionID)
	}
	if remaining := time.Until(deadline); remaining < p.renewThreshold {
		return nil, fmt.Errorf("%w: session %s has %s remaining, below the %s threshold",
			ErrSessionNotRenewable, sessionID, remaining.Round(time.Second), p.renewThreshold)
	}

	session.TimeoutMinutes += int(p.renewIncrement / time.Minute)
	if err := p.sessions.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	p.log.Debugf("renewed session %s to %dm", sessionID, session.TimeoutMinutes)
	return session, nil
}

// Release clears the session's occupant without closing it, leaving the
// browser warm for reuse.
func (p *Pool) Release(ctx context.Context, sessionID string) error {
	return p.sessions.ReleaseSession(ctx, sessionID)
}

// Close terminates the session: live browser resources are torn down, video
// and network-log artifacts are flushed to durable storage, and the record
// is marked closed with its occupant freed. Closing an already-closed
// session is a logged no-op.
func (p *Pool) Close(ctx context.Context, sessionID string) error {
	session, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == types.BrowserSessionClosed {
		p.log.Debugf("session %s already closed", sessionID)
		return nil
	}

	p.mu.Lock()
	lp := p.live[sessionID]
	delete(p.live, sessionID)
	p.mu.Unlock()

	if lp != nil {
		p.teardown(lp)
		p.flushArtifacts(session, lp)
	}

	session.Status = types.BrowserSessionClosed
	if err := p.sessions.UpdateSession(ctx, session); err != nil {
		return err
	}
	if err := p.sessions.ReleaseSession(ctx, sessionID); err != nil {
		return err
	}

	p.log.Infof("closed session %s", sessionID)
	return nil
}

// EnsurePage attaches a live page to the session, launching or connecting a
// browser on first use.
func (p *Pool) EnsurePage(ctx context.Context, sessionID string) error {
	_, err := p.page(ctx, sessionID)
	return err
}

// Navigate drives the session's page to url, honoring the allow-list.
func (p *Pool) Navigate(ctx context.Context, sessionID, url string) error {
	if p.matcher != nil && !p.matcher.Allowed(url) {
		return fmt.Errorf("%w: %s", ErrURLNotAllowed, url)
	}

	page, err := p.page(ctx, sessionID)
	if err != nil {
		return err
	}

	timeout := navigateTimeoutMillis
	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   &timeout,
	})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Page returns the session's live playwright page, attaching one on demand.
func (p *Pool) Page(ctx context.Context, sessionID string) (playwright.Page, error) {
	return p.page(ctx, sessionID)
}

// Shutdown closes every live session's resources and stops playwright.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, lp := range p.live {
		p.teardown(lp)
		delete(p.live, id)
	}
	if p.initialized && p.pw != nil {
		if err := p.pw.Stop(); err != nil {
			p.log.Warnf("failed to stop playwright: %v", err)
		}
		p.initialized = false
	}
}

func (p *Pool) page(ctx context.Context, sessionID string) (playwright.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lp, ok := p.live[sessionID]; ok {
		return lp.page, nil
	}

	session, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == types.BrowserSessionClosed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}

	if err := p.initialize(); err != nil {
		return nil, err
	}

	lp, err := p.launch(session)
	if err != nil {
		return nil, err
	}
	p.live[sessionID] = lp
	return lp.page, nil
}

// initialize installs and starts playwright once. Callers must hold mu.
func (p *Pool) initialize() error {
	if p.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	p.pw = pw
	p.initialized = true
	return nil
}

// launch attaches browser resources for a session: connecting over CDP when
// the session has a live address, launching a local chromium otherwise.
func (p *Pool) launch(session *types.BrowserSession) (*livePage, error) {
	var browser playwright.Browser
	var err error

	if session.Address != "" {
		browser, err = p.pw.Chromium.ConnectOverCDP(session.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to browser at %s: %w", session.Address, err)
		}
	} else {
		launchOpts := playwright.BrowserTypeLaunchOptions{Headless: &p.headless}
		if session.Proxy != "" {
			launchOpts.Proxy = &playwright.Proxy{Server: session.Proxy}
		}
		browser, err = p.pw.Chromium.Launch(launchOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	}

	videoDir, err := os.MkdirTemp("", "waypoint-video-")
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create video directory: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:    &playwright.Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
		RecordVideo: &playwright.RecordVideo{Dir: videoDir},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	lp := &livePage{browser: browser, context: context, page: page, videoDir: videoDir}

	page.OnRequest(func(request playwright.Request) {
		lp.netMu.Lock()
		fmt.Fprintf(&lp.networkLog, "%s %s %s\n",
			time.Now().UTC().Format(time.RFC3339), request.Method(), request.URL())
		lp.netMu.Unlock()
	})

	return lp, nil
}

func (p *Pool) teardown(lp *livePage) {
	_ = lp.page.Close()
	_ = lp.context.Close()
	_ = lp.browser.Close()
}

// flushArtifacts syncs the session's video and network log into durable
// storage. Flush failures are logged, not fatal, so a close always lands.
func (p *Pool) flushArtifacts(session *types.BrowserSession, lp *livePage) {
	if p.artifacts == nil {
		return
	}

	if err := p.artifacts.Sync(session.OrgID, session.ID, lp.videoDir); err != nil {
		p.log.Warnf("failed to sync video for session %s: %v", session.ID, err)
	}

	lp.netMu.Lock()
	netLog := lp.networkLog.String()
	lp.netMu.Unlock()
	if netLog != "" {
		if err := p.artifacts.Put(session.OrgID, session.ID, "network.log", []byte(netLog)); err != nil {
			p.log.Warnf("failed to store network log for session %s: %v", session.ID, err)
		}
	}

	_ = os.RemoveAll(lp.videoDir)
}
