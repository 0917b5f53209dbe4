// Package capture images event targets through the Chrome DevTools Protocol
// of the browser being recorded.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/vincentbai/browsetrace-recorder/internal/metadata"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"go.uber.org/zap"
)

// ErrNoPage is returned when the remote browser exposes no page target.
var ErrNoPage = errors.New("no page target available")

// CDPCapturer screenshots elements of an already open tab in a remote
// browser. It implements metadata.Capturer.
type CDPCapturer struct {
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc
}

var _ metadata.Capturer = (*CDPCapturer)(nil)

// NewCDPCapturer connects to remoteURL (a DevTools websocket or http
// endpoint) and attaches to the first page tab.
func NewCDPCapturer(ctx context.Context, logger *zap.Logger, remoteURL string, connectTimeout time.Duration) (*CDPCapturer, error) {
	logger = logger.Named("capture")

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), remoteURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first call on browserCtx allocates the browser connection, which
	// lives as long as the context it was allocated under. It must not be
	// bounded by the connect timeout.
	type listing struct {
		targets []*target.Info
		err     error
	}
	listed := make(chan listing, 1)
	go func() {
		targets, err := chromedp.Targets(browserCtx)
		listed <- listing{targets: targets, err: err}
	}()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	var targets []*target.Info
	select {
	case l := <-listed:
		if l.err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("failed to list targets at %s: %w", remoteURL, l.err)
		}
		targets = l.targets
	case <-timer.C:
		browserCancel()
		allocCancel()
		<-listed
		return nil, fmt.Errorf("failed to list targets at %s: %w", remoteURL, context.DeadlineExceeded)
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		<-listed
		return nil, fmt.Errorf("failed to list targets at %s: %w", remoteURL, ctx.Err())
	}
	info := pickPage(targets)
	if info == nil {
		browserCancel()
		allocCancel()
		return nil, ErrNoPage
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))
	logger.Info("Attached to browser tab for visual capture.", zap.String("url", info.URL), zap.String("target_id", string(info.TargetID)))

	return &CDPCapturer{
		logger:        logger,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		tabCtx:        tabCtx,
		tabCancel:     tabCancel,
	}, nil
}

// pickPage prefers a real page over blank and devtools tabs.
func pickPage(targets []*target.Info) *target.Info {
	var fallback *target.Info
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if t.URL == "about:blank" || strings.HasPrefix(t.URL, "devtools://") {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		return t
	}
	return fallback
}

// Capture screenshots the element the locator points at, or the target's
// rectangle when there is no usable locator.
func (c *CDPCapturer) Capture(ctx context.Context, t metadata.CaptureTarget) (*models.Capture, error) {
	runCtx, cancel := context.WithCancel(c.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	var buf []byte
	var action chromedp.Action
	if sel, xpath := Selector(t.Locator); sel != "" {
		opt := chromedp.ByQuery
		if xpath {
			opt = chromedp.BySearch
		}
		action = chromedp.Screenshot(sel, &buf, opt, chromedp.NodeVisible)
	} else if t.Rect.Area() > 0 {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(&page.Viewport{X: t.Rect.X, Y: t.Rect.Y, Width: t.Rect.Width, Height: t.Rect.Height, Scale: 1}).
				Do(ctx)
			return err
		})
	} else {
		return nil, fmt.Errorf("target %q has neither a locator nor a visible rectangle", t.TargetID)
	}

	if err := chromedp.Run(runCtx, action); err != nil {
		return nil, fmt.Errorf("screenshot of %q failed: %w", t.TargetID, err)
	}
	return &models.Capture{Format: "png", Data: buf}, nil
}

// Close detaches from the tab and drops the browser connection. The remote
// browser itself keeps running.
func (c *CDPCapturer) Close() {
	c.tabCancel()
	c.browserCancel()
	c.allocCancel()
	c.logger.Debug("Visual capture detached.")
}

// Selector maps a locator to a query. xpath is true when the selector must be
// evaluated as an XPath expression.
func Selector(loc models.Locator) (sel string, xpath bool) {
	if loc.Value == "" {
		return "", false
	}
	switch loc.Strategy {
	case models.LocatorID:
		return attrSelector("id", loc.Value), false
	case models.LocatorTestID:
		return strings.Join([]string{
			attrSelector("data-testid", loc.Value),
			attrSelector("data-test-id", loc.Value),
			attrSelector("data-test", loc.Value),
		}, ", "), false
	case models.LocatorName:
		return attrSelector("name", loc.Value), false
	case models.LocatorPath:
		return loc.Value, true
	}
	return "", false
}

func attrSelector(attr, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`[%s="%s"]`, attr, escaped)
}
