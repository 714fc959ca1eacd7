package scraper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/listing-harvester/internal/browser"
)

// LinkSource finds candidate hrefs on the current listing page. doc may be
// nil when the snapshot could not be taken.
type LinkSource interface {
	Name() string
	Collect(ctx context.Context, sess browser.Session, doc *goquery.Document) ([]string, error)
}

func DefaultSources() []LinkSource {
	return []LinkSource{
		ScriptSource{Script: linkScript},
		ContainerSource{Selectors: containerSelectors},
		AnchorSource{},
	}
}

const linkScript = `(() => {
	const urls = new Set();
	const take = (link) => {
		const href = link.getAttribute('href');
		if (href && href.includes('/v/') && !href.includes('/s/')) urls.add(href);
	};
	document.querySelectorAll('article a[href*="/v/"]').forEach(take);
	document.querySelectorAll('a[href*="/v/"]').forEach(take);
	document.querySelectorAll('[class*="post-card"] a, [class*="PostCard"] a').forEach(take);
	return Array.from(urls);
})()`

var containerSelectors = []string{
	"article",
	`[class*="post-card"]`,
	`[class*="PostCard"]`,
	`[class*="post_card"]`,
	`[data-testid*="post"]`,
	`[class*="listing"]`,
	`[class*="item"]`,
	".kt-post-card",
	`[class*="kt-post"]`,
}

// ScriptSource evaluates an in-page script returning an array of hrefs.
type ScriptSource struct {
	Script string
}

func (ScriptSource) Name() string { return "script" }

func (s ScriptSource) Collect(ctx context.Context, sess browser.Session, _ *goquery.Document) ([]string, error) {
	res, err := sess.RunScript(ctx, s.Script)
	if err != nil {
		return nil, err
	}
	return browser.ScriptStrings(res), nil
}

// ContainerSource reads anchors inside known post-card containers.
type ContainerSource struct {
	Selectors []string
}

func (ContainerSource) Name() string { return "containers" }

func (s ContainerSource) Collect(_ context.Context, _ browser.Session, doc *goquery.Document) ([]string, error) {
	if doc == nil {
		return nil, nil
	}
	var hrefs []string
	for _, sel := range s.Selectors {
		doc.Find(sel).Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok {
				hrefs = append(hrefs, href)
			}
		})
	}
	return hrefs, nil
}

// AnchorSource reads every anchor on the page.
type AnchorSource struct{}

func (AnchorSource) Name() string { return "anchors" }

func (AnchorSource) Collect(_ context.Context, _ browser.Session, doc *goquery.Document) ([]string, error) {
	if doc == nil {
		return nil, nil
	}
	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})
	return hrefs, nil
}

var loadMoreLabels = []string{"آگهی‌های بیشتر", "نمایش بیشتر", "بیشتر"}

var loadMoreScript = buildLoadMoreScript(loadMoreLabels, "show-more-button")

func buildLoadMoreScript(labels []string, testID string) string {
	encoded, _ := json.Marshal(labels)
	return fmt.Sprintf(`(() => {
	const labels = %s;
	const buttons = Array.from(document.querySelectorAll('button'));
	const usable = (b) => b.offsetParent !== null && !b.disabled;
	for (const label of labels) {
		const hit = buttons.find((b) => usable(b) && (b.innerText || '').includes(label));
		if (hit) { hit.click(); return true; }
	}
	const tagged = buttons.find((b) => usable(b) && b.getAttribute('data-testid') === %q);
	if (tagged) { tagged.click(); return true; }
	return false;
})()`, encoded, testID)
}
