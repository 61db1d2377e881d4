package ticker

import (
	"sort"
	"strings"
)

// companyTickers maps common company and index names to symbols.
var companyTickers = map[string]string{
	"apple":             "AAPL",
	"microsoft":         "MSFT",
	"google":            "GOOGL",
	"alphabet":          "GOOGL",
	"amazon":            "AMZN",
	"tesla":             "TSLA",
	"meta":              "META",
	"facebook":          "META",
	"nvidia":            "NVDA",
	"netflix":           "NFLX",
	"berkshire":         "BRK.B",
	"jpmorgan":          "JPM",
	"jp morgan":         "JPM",
	"walmart":           "WMT",
	"coca cola":         "KO",
	"coca-cola":         "KO",
	"disney":            "DIS",
	"intel":             "INTC",
	"amd":               "AMD",
	"advanced micro":    "AMD",
	"s&p 500":           "SPY",
	"s&p":               "SPY",
	"sp500":             "SPY",
	"nasdaq":            "QQQ",
	"nasdaq 100":        "QQQ",
	"dow jones":         "DIA",
	"russell 2000":      "IWM",
	"gold":              "GLD",
	"bitcoin":           "IBIT",
	"visa":              "V",
	"mastercard":        "MA",
	"exxon":             "XOM",
	"johnson & johnson": "JNJ",
}

// names ordered longest first so "nasdaq 100" wins over "nasdaq".
var companyNames = func() []string {
	names := make([]string, 0, len(companyTickers))
	for n := range companyTickers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}()

// SuggestFromName maps free text that names a company or index to its
// ticker, or returns "".
func SuggestFromName(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ""
	}
	for _, name := range companyNames {
		if containsWord(lower, name) {
			return companyTickers[name]
		}
	}
	return ""
}

func containsWord(text, word string) bool {
	idx := strings.Index(text, word)
	for idx >= 0 {
		before := idx == 0 || !isLetter(text[idx-1])
		end := idx + len(word)
		after := end == len(text) || !isLetter(text[end])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
