package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blocklist holds the resource types a tab refuses to fetch.
type blocklist map[proto.NetworkResourceType]bool

// parseBlocklist maps config names to CDP resource types. Names that would
// change layout or script behaviour are ignored.
func parseBlocklist(names []string) blocklist {
	b := make(blocklist)
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "images", "image":
			b[proto.NetworkResourceTypeImage] = true
		case "fonts", "font":
			b[proto.NetworkResourceTypeFont] = true
		case "media":
			b[proto.NetworkResourceTypeMedia] = true
		}
	}
	return b
}

func (b blocklist) blocks(t proto.NetworkResourceType) bool { return b[t] }

// apply hijacks page requests and fails blocked ones. The returned func
// stops hijacking.
func (b blocklist) apply(page *rod.Page) func() error {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if b.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router.Stop
}
