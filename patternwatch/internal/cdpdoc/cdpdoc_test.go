package cdpdoc

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/visibility"
)

func TestParseBody(t *testing.T) {
	body, err := parseBody(`<body class="x"><div data-phid="1"><span data-phid="2">10:00</span></div></body>`)
	if err != nil {
		t.Fatal(err)
	}
	if body.Data != "body" {
		t.Fatalf("root: got %q, want body", body.Data)
	}
	div := body.FirstChild
	if div == nil || div.Type != html.ElementNode || phid.Of(div) != 1 {
		t.Fatalf("first child: %+v", div)
	}
	if span := div.FirstChild; span == nil || phid.Of(span) != 2 {
		t.Errorf("span not stamped")
	}
}

func TestParseBody_Empty(t *testing.T) {
	if _, err := parseBody(""); !errors.Is(err, ErrNoBody) {
		t.Errorf("got %v, want ErrNoBody", err)
	}
}

func TestDecodeTagged(t *testing.T) {
	got, err := decodeTagged(`[{"id":4,"state":{"display":"block","visibility":"visible","opacity":"1","width":120,"height":18,"rects":1}},` +
		`{"id":9,"state":{"display":"none","visibility":"visible","opacity":"1","width":0,"height":0,"rects":0}}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 9 {
		t.Fatalf("ids: %+v", got)
	}
	if !visibility.IsVisible(got[0].State) || visibility.IsVisible(got[1].State) {
		t.Errorf("visibility: %+v", got)
	}

	if _, err := decodeTagged(`{`); err == nil {
		t.Error("malformed result accepted")
	}
}

func TestDecodeLocate(t *testing.T) {
	r, found, err := decodeLocate(`{"found":true,"x":10,"y":2400.5,"width":200,"height":40}`)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if r.X != 10 || r.Y != 2400.5 || r.Width != 200 || r.Height != 40 {
		t.Errorf("rect: %+v", r)
	}

	_, found, err = decodeLocate(`{"found":false}`)
	if err != nil || found {
		t.Errorf("missing element: found=%v err=%v", found, err)
	}
}

func TestScript_DefinesEveryCall(t *testing.T) {
	for _, fn := range []string{"stamp", "tag", "clear", "tagged", "locate", "scroll", "overlay", "removeOverlays", "pause", "resume"} {
		if !strings.Contains(installJS, "pw."+fn+" =") {
			t.Errorf("script lacks pw.%s", fn)
		}
	}
	if !strings.Contains(installJS, bindingName) {
		t.Error("script does not call the change binding")
	}
}
