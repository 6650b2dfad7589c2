// Package tokenizer splits text into a stream of classified tokens. Words are
// NFKC-normalised and lower-cased, optionally stemmed, and flagged as stop
// words when they belong to the configured set. Everything between words is
// reported as a hard separator (sentence-like boundaries), a soft separator
// (whitespace and light punctuation) or an unknown token.
package tokenizer

import (
	"iter"
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Kind classifies a token.
type Kind uint8

const (
	KindWord Kind = iota
	KindStopWord
	KindUnknown
	KindHardSeparator
	KindSoftSeparator
)

func (k Kind) String() string {
	switch k {
	case KindWord:
		return "word"
	case KindStopWord:
		return "stop-word"
	case KindUnknown:
		return "unknown"
	case KindHardSeparator:
		return "hard-separator"
	case KindSoftSeparator:
		return "soft-separator"
	default:
		return "invalid"
	}
}

// IsWordClass reports whether tokens of this kind occupy a position.
func (k Kind) IsWordClass() bool {
	return k == KindWord || k == KindStopWord || k == KindUnknown
}

// IsSeparator reports whether k is a hard or soft separator.
func (k Kind) IsSeparator() bool {
	return k == KindHardSeparator || k == KindSoftSeparator
}

// Token is one segment of the analysed text. Start and End are byte offsets
// into the original text; Text is the normalised form.
type Token struct {
	Kind  Kind
	Text  string
	Start int
	End   int
}

// IsWord reports whether the token is an indexable word.
func (t Token) IsWord() bool { return t.Kind == KindWord }

// IsSeparator reports whether the token is a separator.
func (t Token) IsSeparator() bool { return t.Kind.IsSeparator() }

// Config controls an Analyzer.
type Config struct {
	StopWords *StopWords
	Stemming  bool
}

// Analyzer produces token streams. It keeps a case mapper with internal
// state, so each goroutine needs its own Analyzer.
type Analyzer struct {
	stopWords *StopWords
	stemming  bool
	lower     cases.Caser
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{
		stopWords: cfg.StopWords,
		stemming:  cfg.Stemming,
		lower:     cases.Lower(language.Und),
	}
}

// Analyze returns the tokens of text in order. Segments are produced lazily
// as the sequence is ranged over.
func (a *Analyzer) Analyze(text string) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		segments := words.FromString(text)
		start := 0
		for segments.Next() {
			segment := segments.Value()
			tok := a.classify(segment)
			tok.Start = start
			tok.End = start + len(segment)
			start = tok.End
			if !yield(tok) {
				return
			}
		}
	}
}


func (a *Analyzer) classify(segment string) Token {
	if hasLetterOrDigit(segment) {
		normalized := a.normalize(segment)
		if a.stopWords.Contains(normalized) {
			return Token{Kind: KindStopWord, Text: normalized}
		}
		if a.stemming {
			normalized = stem(normalized)
		}
		return Token{Kind: KindWord, Text: normalized}
	}
	if kind, ok := separatorKind(segment); ok {
		return Token{Kind: kind, Text: segment}
	}
	return Token{Kind: KindUnknown, Text: segment}
}

func (a *Analyzer) normalize(s string) string {
	return a.lower.String(norm.NFKC.String(s))
}

// Normalize applies the word normalisation used by Analyze.
func Normalize(s string) string {
	return cases.Lower(language.Und).String(norm.NFKC.String(s))
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

const (
	softSeparators = "-_'\":/\\@+~=^*#,、，"
	hardSeparators = ".;!?()[]{}|…¡¿。；！？（）"
)

// separatorKind classifies a segment made only of separator characters. A
// single hard character makes the whole segment hard.
func separatorKind(segment string) (Kind, bool) {
	kind := KindSoftSeparator
	for _, r := range segment {
		switch {
		case strings.ContainsRune(hardSeparators, r):
			kind = KindHardSeparator
		case unicode.IsSpace(r), strings.ContainsRune(softSeparators, r):
		default:
			return 0, false
		}
	}
	return kind, segment != ""
}

// stem applies a simple suffix-stripping stemmer to the given word.
func stem(word string) string {
	for _, rule := range stemRules {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}

var stemRules = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}
