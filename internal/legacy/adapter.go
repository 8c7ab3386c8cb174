// Package legacy mirrors the library into an HTML node tree for the old
// page renderer. The adapter is one more store observer: it reads the
// same projections the primary UI reads and rebuilds its containers from
// them after every change.
package legacy

import (
	"encoding/json"
	"expvar"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"mediahub/internal/library"
	"mediahub/pkg/models"
)

const DefaultHandle = "mediahub_legacy"

// Adapter keeps one container and one badge per counted list:
//
//	<section id="library-legacy">
//	  <div class="legacy-list" data-list="watching">
//	    <span class="badge" data-count-for="watching">2</span>
//	    <ul><li data-key="movie:603">The Matrix</li>...</ul>
//	  </div>
//	  ...
//	</section>
//
// The badge and the published counts are taken from the rendered
// containers, so they agree by construction.
type Adapter struct {
	query  *library.Query
	vars   *expvar.Map
	log    *slog.Logger
	cancel func()

	mu     sync.Mutex
	root   *html.Node
	items  map[models.ListName]*html.Node
	badges map[models.ListName]*html.Node
	counts map[models.ListName]int
	ids    map[models.ListName][]string
}

// New builds the tree from the current store contents and keeps it up to
// date until Close. The counts and ids are published as an expvar map
// named handle.
func New(store *library.Store, handle string, logger *slog.Logger) *Adapter {
	if handle == "" {
		handle = DefaultHandle
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		query:  library.NewQuery(store),
		vars:   publishedMap(handle),
		log:    logger,
		items:  make(map[models.ListName]*html.Node, len(models.CountedLists)),
		badges: make(map[models.ListName]*html.Node, len(models.CountedLists)),
		counts: make(map[models.ListName]int, len(models.CountedLists)),
		ids:    make(map[models.ListName][]string, len(models.CountedLists)),
	}
	a.build()
	a.cancel = store.Subscribe(func(library.Change) { a.refresh() })
	a.refresh()
	return a
}

// expvar.Publish panics on a duplicate name; a second adapter under the
// same handle takes over the existing map.
func publishedMap(handle string) *expvar.Map {
	if v, ok := expvar.Get(handle).(*expvar.Map); ok {
		return v
	}
	return expvar.NewMap(handle)
}

func (a *Adapter) Close() {
	a.cancel()
}

func (a *Adapter) build() {
	a.root = element(atom.Section, "id", "library-legacy")
	for _, list := range models.CountedLists {
		box := element(atom.Div, "class", "legacy-list", "data-list", string(list))
		badge := element(atom.Span, "class", "badge", "data-count-for", string(list))
		badge.AppendChild(&html.Node{Type: html.TextNode, Data: "0"})
		ul := element(atom.Ul)
		box.AppendChild(badge)
		box.AppendChild(ul)
		a.root.AppendChild(box)
		a.items[list] = ul
		a.badges[list] = badge
	}
}

func (a *Adapter) refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, list := range models.CountedLists {
		ul := a.items[list]
		for c := ul.FirstChild; c != nil; c = ul.FirstChild {
			ul.RemoveChild(c)
		}
		for _, it := range a.query.Items(list, library.SortAddedDesc) {
			li := element(atom.Li, "data-key", it.Key().String())
			li.AppendChild(&html.Node{Type: html.TextNode, Data: it.Title})
			ul.AppendChild(li)
		}

		keys := renderedKeys(ul)
		n := len(keys)
		a.badges[list].FirstChild.Data = strconv.Itoa(n)
		a.counts[list] = n
		a.ids[list] = keys

		a.vars.Set(string(list), idList(keys))
		countVar := new(expvar.Int)
		countVar.Set(int64(n))
		a.vars.Set(string(list)+"_count", countVar)
	}
	a.log.Debug("legacy_view_refreshed",
		"watching", a.counts[models.ListWatching],
		"wishlist", a.counts[models.ListWishlist],
		"watched", a.counts[models.ListWatched])
}

// Counts returns the number of rendered items per counted list.
func (a *Adapter) Counts() map[models.ListName]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[models.ListName]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// IDs returns the identity keys published for list, in display order.
func (a *Adapter) IDs(list models.ListName) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids[list]...)
}

// RenderedKeys walks the container of list and returns the distinct
// data-key values found in it.
func (a *Adapter) RenderedKeys(list models.ListName) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ul, ok := a.items[list]
	if !ok {
		return nil
	}
	return renderedKeys(ul)
}

// Badge returns the number shown in the badge of list.
func (a *Adapter) Badge(list models.ListName) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.badges[list]
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(b.FirstChild.Data)
	return n
}

func (a *Adapter) Render(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return html.Render(w, a.root)
}

func renderedKeys(n *html.Node) []string {
	seen := make(map[string]bool)
	var keys []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if k := attr(n, "data-key"); k != "" && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return keys
}

func element(a atom.Atom, kv ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: kv[i], Val: kv[i+1]})
	}
	return n
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

type idList []string

func (l idList) String() string {
	if l == nil {
		return "[]"
	}
	b, _ := json.Marshal([]string(l))
	return string(b)
}
