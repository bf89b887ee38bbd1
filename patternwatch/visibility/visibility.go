// Package visibility decides whether a live element is actually rendered.
//
// The live-tree backends gather a State (computed style plus layout box)
// and IsVisible classifies it. Elements that are visually present but have
// a zero-sized box by design (pure background-image containers) can be
// misclassified; that approximation is accepted.
package visibility

import (
	"strconv"
	"strings"
)

// State is what a backend reports about one live element.
type State struct {
	Display    string  `json:"display"`
	Visibility string  `json:"visibility"`
	Opacity    string  `json:"opacity"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Rects      int     `json:"rects"`
}

// IsVisible reports false when the computed style hides the element
// (visibility:hidden, display:none, zero opacity) or when it has no layout
// box at all. Pure and synchronous.
func IsVisible(s State) bool {
	if strings.EqualFold(s.Visibility, "hidden") || strings.EqualFold(s.Display, "none") {
		return false
	}
	if zeroOpacity(s.Opacity) {
		return false
	}
	return s.Width > 0 || s.Height > 0 || s.Rects > 0
}

func zeroOpacity(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	if strings.HasSuffix(v, "%") {
		v = strings.TrimSuffix(v, "%")
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && f == 0
}
