package builtin

import (
	"regexp"
	"strconv"

	"github.com/hazyhaar/phl/patternwatch/pattern"
	"github.com/hazyhaar/phl/patternwatch/snapshot"
)

const timeUnits = `(?:days?|hours?|minutes?|seconds?|tage?|stunden?|minuten?|sekunden?|[a-zA-Z]{1,3}\.?)`

var (
	// A clock ("05:12:09") or a spelled-out duration ("2 days 5 hours").
	countdownRe = regexp.MustCompile(`(?i)(?:\d{1,2}\s*:\s*){1,3}\d{1,2}|(?:\d{1,2}\s*` + timeUnits + `(?:\s*und)?\s*){2,4}`)
	// Sequences too long to be a timer (dates, phone numbers); removed first.
	countdownBadRe = regexp.MustCompile(`(?i)(?:\d{1,2}\s*:\s*){4,}\d{1,2}|(?:\d{1,2}\s*` + timeUnits + `(?:\s*und)?\s*){5,}`)
	digitsRe       = regexp.MustCompile(`\d+`)

	scarcityEN = regexp.MustCompile(`(?i)\d+\s*(?:%|pieces?|pcs\.?|pc\.?|ct\.?|items?)?\s*(?:available|sold|claimed|redeemed)|(?:last|final)\s*(?:article|item)`)
	scarcityDE = regexp.MustCompile(`(?i)\d+\s*(?:%|stücke?|stk\.?)?\s*(?:verfügbar|verkauft|eingelöst)|letzter\s*Artikel`)

	socialProofEN = regexp.MustCompile(`(?i)\d+\s*(?:other)?\s*(?:customers?|clients?|buyers?|users?|shoppers?|purchasers?|people)\s*(?:have\s+)?\s*(?:(?:also\s*)?(?:bought|purchased|ordered)|(?:rated|reviewed))\s*(?:this|the\s*following)\s*(?:product|article|item)s?`)
	socialProofDE = regexp.MustCompile(`(?i)\d+\s*(?:andere)?\s*(?:Kunden?|Käufer|Besteller|Nutzer|Leute|Person(?:en)?)(?:(?:\s*/\s*)?[_\-*]?innen)?\s*(?:(?:kauften|bestellten|haben)\s*(?:auch|ebenfalls)?|(?:bewerteten|rezensierten))\s*(?:diese[ns]?|(?:den|die|das)?\s*folgenden?)\s*(?:Produkte?|Artikel)`)
)

const (
	money     = `(?:(?:€|EUR|GBP|£|\$|USD)\s*\d+(?:\.\d{2})?|\d+(?:\.\d{2})?\s*(?:euros?|€|EUR|GBP|£|pounds?(?:\s*sterling)?|\$|USD|dollars?))`
	perMonth  = `(?:(?:(?:per|/|a)\s*month)|(?:p|/)m)`
	ordinal   = `\d+(?:th|nd|rd|st)?`
	euroDE    = `\d+(?:,\d{2})?\s*(?:Euro|€)`
	perMonthD = `(?:pro|im|/)\s*Monat`
)

var continuityEN = []*regexp.Regexp{
	regexp.MustCompile(`(?i)` + money + `\s*` + perMonth + `\s*(?:after|from\s*(?:month|day)\s*\d+)`),
	regexp.MustCompile(`(?i)` + money + `\s*(?:after\s*(?:the)?\s*` + ordinal + `\s*(?:months?|days?)|from\s*(?:month|day)\s*\d+)`),
	regexp.MustCompile(`(?i)(?:after\s*that|then|afterwards|subsequently)\s*` + money + `\s*` + perMonth),
	regexp.MustCompile(`(?i)after\s*(?:the)?\s*` + ordinal + `\s*months?\s*(?:only|just)?\s*` + money),
}

var continuityDE = []*regexp.Regexp{
	regexp.MustCompile(`(?i)` + euroDE + `\s*(?:` + perMonthD + `)?\s*(?:ab\s*(?:dem)?\s*\d+\.\s*Monat|nach\s*\d+\s*(?:Monaten|Tagen)|nach\s*(?:einem|1)\s*Monat)`),
	regexp.MustCompile(`(?i)(?:anschließend|danach)\s*` + euroDE + `\s*` + perMonthD),
	regexp.MustCompile(`(?i)` + euroDE + `\s*` + perMonthD + `\s*(?:anschließend|danach)`),
	regexp.MustCompile(`(?i)ab(?:\s*dem)?\s*\d+\.\s*Monat(?:\s*nur)?\s*` + euroDE),
}

// matchText builds a stateless predicate that fires when the current text
// of the node matches any of res.
func matchText(res ...*regexp.Regexp) pattern.Predicate {
	return func(current, _ *snapshot.Node) bool {
		text := current.Text()
		for _, re := range res {
			if re.MatchString(text) {
				return true
			}
		}
		return false
	}
}

// countdown fires when a node that existed in the previous snapshot shows
// the same number of timer-like groups and, in at least one of them, the
// first differing number went down.
func countdown(current, previous *snapshot.Node) bool {
	if previous == nil {
		return false
	}
	textNew, textOld := current.Text(), previous.Text()
	if textNew == textOld {
		return false
	}

	matchesNew := countdownRe.FindAllString(countdownBadRe.ReplaceAllString(textNew, ""), -1)
	matchesOld := countdownRe.FindAllString(countdownBadRe.ReplaceAllString(textOld, ""), -1)
	if len(matchesNew) == 0 || len(matchesOld) == 0 || len(matchesNew) != len(matchesOld) {
		return false
	}

	for i := range matchesNew {
		numsNew := digitsRe.FindAllString(matchesNew[i], -1)
		numsOld := digitsRe.FindAllString(matchesOld[i], -1)
		if len(numsNew) != len(numsOld) {
			continue
		}
		for x := range numsNew {
			n, _ := strconv.Atoi(numsNew[x])
			o, _ := strconv.Atoi(numsOld[x])
			if n > o {
				break
			}
			if n < o {
				return true
			}
		}
	}
	return false
}
