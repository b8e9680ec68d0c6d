// Package extractor pulls a monitored value out of an HTML document using CSS, XPath or attribute selectors.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// AmbiguityPolicy decides what happens when a selector matches several nodes.
type AmbiguityPolicy string

// Ambiguity policies.
const (
	// AmbiguityFirst returns the first match in document order.
	AmbiguityFirst AmbiguityPolicy = "first"
	// AmbiguityUnique fails when matches carry more than one distinct value.
	AmbiguityUnique AmbiguityPolicy = "unique"
)

// ErrUnknownPolicy is returned for an unrecognised ambiguity policy name.
var ErrUnknownPolicy = errors.New("unknown ambiguity policy")

// ParseAmbiguityPolicy converts a configuration string into a policy.
func ParseAmbiguityPolicy(raw string) (AmbiguityPolicy, error) {
	switch p := AmbiguityPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", AmbiguityFirst:
		return AmbiguityFirst, nil
	case AmbiguityUnique:
		return AmbiguityUnique, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
	}
}

// Options controls extraction behavior.
type Options struct {
	Ambiguity AmbiguityPolicy
}

// Extractor implements monitor.Extractor.
type Extractor struct {
	opts Options
}

// New builds an Extractor.
func New(opts Options) *Extractor {
	if opts.Ambiguity == "" {
		opts.Ambiguity = AmbiguityFirst
	}
	return &Extractor{opts: opts}
}

// Extract returns the value selected by (tag, selectorType, selectorValue) from content.
func (e *Extractor) Extract(
	content []byte,
	contentType string,
	tag string,
	selectorType monitor.SelectorType,
	selectorValue string,
) (string, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return "", parseFailed(selectorValue, errors.New("empty document"))
	}
	if !isMarkup(contentType) {
		return "", parseFailed(selectorValue, fmt.Errorf("unsupported content type %q", contentType))
	}
	tag = strings.TrimSpace(tag)
	selectorValue = strings.TrimSpace(selectorValue)

	var (
		values []string
		err    error
	)
	switch selectorType {
	case monitor.SelectorCSS:
		values, err = e.selectCSS(content, tag, selectorValue, "")
	case monitor.SelectorID:
		values, err = e.selectCSS(content, tag, scopedSelector(tag, "#"+selectorValue), "")
	case monitor.SelectorClass:
		values, err = e.selectCSS(content, tag, scopedSelector(tag, "."+selectorValue), "")
	case monitor.SelectorAttribute:
		sel, attr, splitErr := splitAttributeSelector(selectorValue)
		if splitErr != nil {
			return "", parseFailed(selectorValue, splitErr)
		}
		if sel == "" {
			sel = scopedSelector(tag, "")
		}
		values, err = e.selectCSS(content, tag, sel, attr)
	case monitor.SelectorXPath:
		values, err = e.selectXPath(content, tag, selectorValue)
	default:
		return "", parseFailed(selectorValue, fmt.Errorf("unsupported selector type %q", selectorType))
	}
	if err != nil {
		return "", err
	}
	return e.pick(selectorValue, values)
}

func (e *Extractor) pick(selector string, values []string) (string, error) {
	if len(values) == 0 {
		return "", &monitor.ExtractionError{Kind: monitor.ExtractionNoMatch, Selector: selector}
	}
	if e.opts.Ambiguity == AmbiguityUnique {
		for _, v := range values[1:] {
			if v != values[0] {
				return "", &monitor.ExtractionError{
					Kind:     monitor.ExtractionAmbiguousMatch,
					Selector: selector,
					Err:      fmt.Errorf("%d matches with distinct values", len(values)),
				}
			}
		}
	}
	return values[0], nil
}

// selectCSS returns the raw text (or attr value when attr is set) of every element
// matching selector whose name is tag.
func (e *Extractor) selectCSS(content []byte, tag, selector, attr string) ([]string, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, parseFailed(selector, fmt.Errorf("compile css selector: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, parseFailed(selector, fmt.Errorf("parse document: %w", err))
	}
	var values []string
	doc.FindMatcher(matcher).Each(func(_ int, s *goquery.Selection) {
		if !tagMatches(s.Nodes[0], tag) {
			return
		}
		if attr == "" {
			values = append(values, s.Text())
			return
		}
		if v, ok := s.Attr(attr); ok {
			values = append(values, v)
		}
	})
	return values, nil
}

func (e *Extractor) selectXPath(content []byte, tag, expr string) ([]string, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, parseFailed(expr, fmt.Errorf("compile xpath: %w", err))
	}
	doc, err := htmlquery.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, parseFailed(expr, fmt.Errorf("parse document: %w", err))
	}

	switch res := compiled.Evaluate(htmlquery.CreateXPathNavigator(doc)).(type) {
	case *xpath.NodeIterator:
		var values []string
		for res.MoveNext() {
			nav, ok := res.Current().(*htmlquery.NodeNavigator)
			if !ok {
				continue
			}
			owner, value := xpathValue(nav)
			if owner == nil || !tagMatches(owner, tag) {
				continue
			}
			values = append(values, value)
		}
		return values, nil
	case string:
		return nonEmpty(res), nil
	case float64:
		return []string{strconv.FormatFloat(res, 'f', -1, 64)}, nil
	case bool:
		return []string{strconv.FormatBool(res)}, nil
	default:
		return nil, parseFailed(expr, fmt.Errorf("unsupported xpath result %T", res))
	}
}

// xpathValue resolves the element owning the current node and the node's string
// value. Whitespace is kept as found in the document.
func xpathValue(nav *htmlquery.NodeNavigator) (*html.Node, string) {
	node := nav.Current()
	switch nav.NodeType() {
	case xpath.AttributeNode:
		return node, nav.Value()
	case xpath.TextNode:
		return node.Parent, node.Data
	case xpath.ElementNode:
		return node, htmlquery.InnerText(node)
	default:
		return nil, ""
	}
}

func splitAttributeSelector(raw string) (string, string, error) {
	idx := strings.LastIndex(raw, "@")
	if idx < 0 {
		return "", "", errors.New("attribute selector must look like [selector]@attribute")
	}
	sel := strings.TrimSpace(raw[:idx])
	attr := strings.TrimSpace(raw[idx+1:])
	if attr == "" {
		return "", "", errors.New("attribute name is empty")
	}
	return sel, attr, nil
}

func scopedSelector(tag, suffix string) string {
	if tag == "" || tag == "*" {
		if suffix == "" {
			return "*"
		}
		return suffix
	}
	return tag + suffix
}

func tagMatches(n *html.Node, tag string) bool {
	if tag == "" || tag == "*" {
		return true
	}
	return n != nil && n.Type == html.ElementNode && strings.EqualFold(n.Data, tag)
}

func isMarkup(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return true
	}
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml") || strings.HasPrefix(ct, "text/")
}

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func parseFailed(selector string, err error) error {
	return &monitor.ExtractionError{Kind: monitor.ExtractionParseFailed, Selector: selector, Err: err}
}
