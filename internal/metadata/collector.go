package metadata

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vincentbai/browsetrace-recorder/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const maxTextLength = 150

// tagRoles maps tags to their implicit role. Unknown tags keep the tag name.
var tagRoles = map[string]string{
	"a":        "link",
	"button":   "button",
	"input":    "textbox",
	"textarea": "textbox",
	"select":   "listbox",
	"form":     "form",
	"nav":      "navigation",
	"header":   "banner",
	"footer":   "contentinfo",
}

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true,
	"textarea": true, "option": true, "summary": true, "label": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "tab": true,
	"menuitem": true, "option": true, "switch": true, "textbox": true,
	"combobox": true, "searchbox": true, "slider": true, "listbox": true,
}

// CaptureTarget identifies what the visual capture facility should image.
type CaptureTarget struct {
	TargetID string
	Locator  models.Locator
	Rect     models.Rect
}

// Capturer is the optional visual capture facility.
type Capturer interface {
	Capture(ctx context.Context, target CaptureTarget) (*models.Capture, error)
}

// Options bound the enrichment work a Collector will do.
type Options struct {
	Concurrency   int
	RatePerSecond float64
	Timeout       time.Duration
}

// Collector turns raw events into scorable event contexts.
type Collector struct {
	logger   *zap.Logger
	capturer Capturer
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	timeout  time.Duration
}

// NewCollector builds a collector. A nil capturer disables visual capture for
// the collector's whole lifetime.
func NewCollector(logger *zap.Logger, capturer Capturer, opts Options) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Collector{
		logger:   logger.Named("metadata"),
		capturer: capturer,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		limiter:  rate.NewLimiter(limit, opts.Concurrency),
		timeout:  opts.Timeout,
	}
}

// CaptureAvailable reports whether a visual capture facility was injected.
func (c *Collector) CaptureAvailable() bool {
	return c.capturer != nil
}

// Collect builds the synchronous part of the event context.
func (c *Collector) Collect(payload models.RawEventPayload) models.EventContext {
	facts := payload.Element
	desc := Describe(payload.Event.TargetID, facts)
	return models.EventContext{
		Event:       payload.Event,
		Descriptor:  desc,
		Text:        ExtractText(facts),
		MaskedValue: MaskValue(payload.Event.Value, desc.Hints),
		Navigation:  payload.Navigation,
	}
}

// Enrich attempts the best-effort visual capture. It never fails: any problem
// leaves the capture nil and explains why in CaptureNote.
func (c *Collector) Enrich(ctx context.Context, ec models.EventContext) models.EventContext {
	if c.capturer == nil {
		ec.CaptureNote = "visual capture unavailable"
		return ec
	}
	if !c.limiter.Allow() {
		ec.CaptureNote = "visual capture skipped: capture budget exhausted"
		return ec
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		ec.CaptureNote = fmt.Sprintf("visual capture skipped: %v", err)
		return ec
	}
	defer c.sem.Release(1)

	captureCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	capture, err := c.safeCapture(captureCtx, CaptureTarget{
		TargetID: ec.Event.TargetID,
		Locator:  ec.Descriptor.Locator,
		Rect:     ec.Descriptor.Rect,
	})
	if err != nil {
		c.logger.Debug("Visual capture failed.", zap.String("target", ec.Event.TargetID), zap.Error(err))
		ec.CaptureNote = fmt.Sprintf("visual capture failed: %v", err)
		ec.CaptureErr = err
		return ec
	}
	if capture == nil {
		ec.CaptureNote = "visual capture returned no image"
		return ec
	}
	ec.Capture = capture
	ec.CaptureNote = fmt.Sprintf("captured %s %s", humanize.Bytes(uint64(len(capture.Data))), capture.Format)
	return ec
}

func (c *Collector) safeCapture(ctx context.Context, target CaptureTarget) (capture *models.Capture, err error) {
	defer func() {
		if r := recover(); r != nil {
			capture = nil
			err = fmt.Errorf("capture facility panicked: %v", r)
		}
	}()
	return c.capturer.Capture(ctx, target)
}

// Describe derives the element descriptor from inspection facts.
func Describe(targetID string, facts models.ElementFacts) models.ElementDescriptor {
	tag := strings.ToLower(strings.TrimSpace(facts.Tag))
	role := ResolveRole(tag, facts.Attr("role"))
	depth := len(facts.Path) - 1
	if depth < 0 {
		depth = 0
	}

	return models.ElementDescriptor{
		Tag:               tag,
		Role:              role,
		Interactive:       isInteractive(tag, role, facts),
		Depth:             depth,
		Rect:              facts.Rect,
		VisibilityRatio:   VisibilityRatio(facts.Rect, facts.Viewport),
		Obstructed:        Obstructed(targetID, facts),
		ParentSummary:     facts.ParentTag,
		SiblingSummary:    siblingSummary(facts.Siblings),
		Locator:           BuildLocator(facts),
		IdenticalSiblings: IdenticalSiblings(tag, facts.ClassList, facts.Siblings),
		ClassList:         facts.ClassList,
		Hints:             semanticHints(tag, role, facts),
	}
}

// ResolveRole prefers an explicit role attribute, then the tag table, then the tag itself.
func ResolveRole(tag, explicit string) string {
	if explicit = strings.ToLower(strings.TrimSpace(explicit)); explicit != "" {
		return explicit
	}
	if role, ok := tagRoles[tag]; ok {
		return role
	}
	return tag
}

// VisibilityRatio is the fraction of the element's area inside the viewport.
// A source that reports no viewport gives no basis for a penalty, so the
// element counts as fully visible.
func VisibilityRatio(r models.Rect, vp models.Viewport) float64 {
	area := r.Area()
	if area == 0 {
		return 0
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		return 1
	}
	w := math.Min(r.X+r.Width, vp.Width) - math.Max(r.X, 0)
	h := math.Min(r.Y+r.Height, vp.Height) - math.Max(r.Y, 0)
	if w <= 0 || h <= 0 {
		return 0
	}
	return math.Min(1, (w*h)/area)
}

// Obstructed reports whether something other than the target, its ancestors
// or its descendants renders at the target's visual center. Identities are
// the ones the event source uses for TargetID.
func Obstructed(targetID string, facts models.ElementFacts) bool {
	hit := facts.CenterHitID
	if hit == "" || hit == targetID {
		return false
	}
	for _, ancestor := range facts.AncestorIDs {
		if ancestor == hit {
			return false
		}
	}
	for _, ancestor := range facts.CenterHitAncestors {
		if ancestor == targetID {
			return false
		}
	}
	return true
}

// BuildLocator returns the single highest-priority locator for the element.
func BuildLocator(facts models.ElementFacts) models.Locator {
	if id := facts.Attr("id"); id != "" {
		return models.Locator{Strategy: models.LocatorID, Value: id}
	}
	for _, attr := range []string{"data-testid", "data-test-id", "data-test"} {
		if v := facts.Attr(attr); v != "" {
			return models.Locator{Strategy: models.LocatorTestID, Value: v}
		}
	}
	if name := facts.Attr("name"); name != "" {
		return models.Locator{Strategy: models.LocatorName, Value: name}
	}
	return models.Locator{Strategy: models.LocatorPath, Value: StructuralPath(facts)}
}

// StructuralPath renders the ordinal chain from the document root, e.g.
// /html[1]/body[1]/div[2]/button[1].
func StructuralPath(facts models.ElementFacts) string {
	if len(facts.Path) == 0 {
		tag := strings.ToLower(facts.Tag)
		if tag == "" {
			tag = "*"
		}
		return "//" + tag
	}
	var b strings.Builder
	for _, seg := range facts.Path {
		idx := seg.Index
		if idx <= 0 {
			idx = 1
		}
		b.WriteString("/")
		b.WriteString(strings.ToLower(seg.Tag))
		b.WriteString("[")
		b.WriteString(strconv.Itoa(idx))
		b.WriteString("]")
	}
	return b.String()
}

// IdenticalSiblings counts siblings sharing the target's tag and class signature.
func IdenticalSiblings(tag string, classes []string, siblings []models.SiblingFacts) int {
	signature := classSignature(classes)
	count := 0
	for _, s := range siblings {
		if strings.EqualFold(s.Tag, tag) && classSignature(s.ClassList) == signature {
			count++
		}
	}
	return count
}

func classSignature(classes []string) string {
	sorted := make([]string, 0, len(classes))
	for _, c := range classes {
		if c = strings.TrimSpace(c); c != "" {
			sorted = append(sorted, strings.ToLower(c))
		}
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ".")
}

func isInteractive(tag, role string, facts models.ElementFacts) bool {
	if interactiveTags[tag] || interactiveRoles[role] {
		return true
	}
	if tabindex := facts.Attr("tabindex"); tabindex != "" && !strings.HasPrefix(tabindex, "-") {
		return true
	}
	if facts.Attr("onclick") != "" {
		return true
	}
	ce := strings.ToLower(facts.Attr("contenteditable"))
	return ce == "true" || ce == "plaintext-only"
}

func siblingSummary(siblings []models.SiblingFacts) string {
	if len(siblings) == 0 {
		return ""
	}
	counts := map[string]int{}
	var order []string
	for _, s := range siblings {
		tag := strings.ToLower(s.Tag)
		if counts[tag] == 0 {
			order = append(order, tag)
		}
		counts[tag]++
	}
	parts := make([]string, 0, len(order))
	for _, tag := range order {
		parts = append(parts, fmt.Sprintf("%s×%d", tag, counts[tag]))
	}
	return strings.Join(parts, " ")
}

func semanticHints(tag, role string, facts models.ElementFacts) string {
	parts := []string{
		tag, role, facts.Label,
		facts.Attr("placeholder"), facts.Attr("name"), facts.Attr("id"),
		facts.Attr("aria-label"), facts.Attr("type"), facts.Attr("autocomplete"),
	}
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, strings.ToLower(p))
		}
	}
	return strings.Join(kept, " ")
}

// ExtractText returns a trimmed, whitespace-collapsed label for the element.
func ExtractText(facts models.ElementFacts) string {
	candidates := []string{facts.Text, facts.Attr("aria-label"), facts.Attr("title")}
	if t := strings.ToLower(facts.Attr("type")); t == "submit" || t == "button" || t == "reset" {
		candidates = append(candidates, facts.Attr("value"))
	}
	for _, c := range candidates {
		c = strings.Join(strings.Fields(c), " ")
		if c == "" {
			continue
		}
		if r := []rune(c); len(r) > maxTextLength {
			c = string(r[:maxTextLength])
		}
		return c
	}
	return ""
}

// TargetSummary renders tag#id.class "text" for logs and records.
func TargetSummary(desc models.ElementDescriptor, text string) string {
	var b strings.Builder
	b.WriteString(desc.Tag)
	if desc.Locator.Strategy == models.LocatorID {
		b.WriteString("#")
		b.WriteString(desc.Locator.Value)
	}
	for i, c := range desc.ClassList {
		if i == 3 {
			break
		}
		b.WriteString(".")
		b.WriteString(c)
	}
	if text != "" {
		excerpt := []rune(text)
		if len(excerpt) > 40 {
			excerpt = append(excerpt[:40], '…')
		}
		fmt.Fprintf(&b, " %q", string(excerpt))
	}
	return b.String()
}
