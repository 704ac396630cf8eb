// Package ingestion implements Stage 1: turning raw channel text into
// a normalized, deduplicated Signal row in the SSoT queue.
package ingestion

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsedSignal is the intermediate result of regex-extracting a raw
// message, before symbol/tick/step enrichment from the exchange.
type ParsedSignal struct {
	Symbol    string
	Direction string // LONG or SHORT, empty if undetermined
	Entry     decimal.Decimal
	EntryZone bool
	EntryLow  decimal.Decimal
	EntryHigh decimal.Decimal
	HasEntry  bool
	TPs       []decimal.Decimal
	SL        decimal.Decimal
	HasSL     bool
	Leverage  decimal.Decimal
	HasLeverage bool
}

var (
	symbolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)#([A-Z]{2,10})(?:USDT|/USDT)?\b`),
		regexp.MustCompile(`(?i)\b([A-Z]{2,10})USDT\b`),
		regexp.MustCompile(`(?i)\b([A-Z]{2,10})/USDT\b`),
		regexp.MustCompile(`(?i)\b([A-Z]{2,10})\(USDT\)`),
		regexp.MustCompile(`(?i)(?:Symbol|COIN NAME|Asset)[:\s]+([A-Z]{2,10})(?:USDT|/USDT)?`),
	}

	longRe  = regexp.MustCompile(`(?i)\bLONG\b`)
	shortRe = regexp.MustCompile(`(?i)\bSHORT\b`)
	buyRe   = regexp.MustCompile(`(?i)\bBUY\b`)
	sellRe  = regexp.MustCompile(`(?i)\bSELL\b`)

	entryZoneRe = regexp.MustCompile(`(?i)(?:Entry|Buy|Sell)\s*(?:zone|price)?\s*[:\-]?\s*\$?([\d.]+)\s*[-\x{2013}]\s*\$?([\d.]+)`)

	entryPricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Entry\s*(?:zone|Price|Targets?|Orders?)?\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)Entry\s*[:\-]\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)Entries?\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)Entry\s+price\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)Entry\s+Orders?\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)\bBuy\b\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)\bSell\b\s*[:\-]?\s*\$?([\d.]+)`),
	}

	tpNumberedRe = regexp.MustCompile(`(?i)(?:TP|Target)\s*(\d*)[:\-]?\s*\$?([\d.]+)`)
	tpEmojiRe    = regexp.MustCompile(`(\d+)[\x{fe0f}\x{20e3})\-]+\s*\$?([\d.]+)`)

	slPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Stop[- ]?Loss\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)\bSL\b[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)STOP\s*[:\-]?\s*\$?([\d.]+)`),
		regexp.MustCompile(`(?i)Stoploss\s*[:\-]?\s*\$?([\d.]+)`),
	}

	leveragePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Leverage[:\-]?\s*(\d+(?:\.\d+)?)x?`),
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)x\s*Leverage`),
	}
)

// ParseSignal extracts symbol, direction, entry, TP ladder, SL, and
// leverage from a raw channel message. It returns a zero-value
// ParsedSignal field-by-field; callers must check Symbol == "" and
// Direction == "" to decide whether the message carried a signal at
// all — ParseSignal itself never errors, matching the source material's
// best-effort, no-exceptions extraction style.
func ParseSignal(text string) ParsedSignal {
	var p ParsedSignal
	p.Symbol = extractSymbol(text)
	p.Direction = extractDirection(text)
	p.TPs = extractTakeProfits(text)

	if low, high, ok := extractEntryZone(text); ok {
		p.EntryZone = true
		p.HasEntry = true
		p.EntryLow = low
		p.EntryHigh = high
		p.Entry = low.Add(high).Div(decimal.NewFromInt(2))
	} else if price, ok := extractEntryPrice(text); ok {
		p.HasEntry = true
		p.Entry = price
	}

	if sl, ok := extractStopLoss(text); ok {
		p.HasSL = true
		p.SL = sl
	}
	if lev, ok := extractLeverage(text); ok {
		p.HasLeverage = true
		p.Leverage = lev
	}
	return p
}

func extractSymbol(text string) string {
	for _, re := range symbolPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		sym := m[1]
		if len(sym) < 2 || len(sym) > 10 || !isAlpha(sym) {
			continue
		}
		return strings.ToUpper(sym) + "USDT"
	}
	return ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func extractDirection(text string) string {
	switch {
	case longRe.MatchString(text):
		return "LONG"
	case shortRe.MatchString(text):
		return "SHORT"
	case buyRe.MatchString(text):
		return "LONG"
	case sellRe.MatchString(text):
		return "SHORT"
	}
	return ""
}

func extractEntryZone(text string) (low, high decimal.Decimal, ok bool) {
	m := entryZoneRe.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, decimal.Zero, false
	}
	a, err1 := decimal.NewFromString(m[1])
	b, err2 := decimal.NewFromString(m[2])
	if err1 != nil || err2 != nil {
		return decimal.Zero, decimal.Zero, false
	}
	if a.GreaterThan(b) {
		a, b = b, a
	}
	return a, b, true
}

func extractEntryPrice(text string) (decimal.Decimal, bool) {
	for _, re := range entryPricePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		d, err := decimal.NewFromString(m[1])
		if err != nil {
			continue
		}
		return d, true
	}
	return decimal.Zero, false
}

func extractTakeProfits(text string) []decimal.Decimal {
	type numbered struct {
		n     int
		price decimal.Decimal
	}
	var found []numbered

	for _, m := range tpNumberedRe.FindAllStringSubmatch(text, -1) {
		price, err := decimal.NewFromString(m[2])
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			n = len(found) + 1
		}
		found = append(found, numbered{n: n, price: price})
	}
	for _, m := range tpEmojiRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(m[2])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, price: price})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].n < found[j].n })

	out := make([]decimal.Decimal, 0, len(found))
	for _, f := range found {
		out = append(out, f.price)
	}
	return out
}

func extractStopLoss(text string) (decimal.Decimal, bool) {
	for _, re := range slPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		d, err := decimal.NewFromString(m[1])
		if err != nil {
			continue
		}
		return d, true
	}
	return decimal.Zero, false
}

func extractLeverage(text string) (decimal.Decimal, bool) {
	for _, re := range leveragePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		d, err := decimal.NewFromString(m[1])
		if err != nil {
			continue
		}
		return d, true
	}
	return decimal.Zero, false
}
