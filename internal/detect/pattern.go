package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"legal-pii-handshake/internal/pii"
)

// Rule is one regular expression that yields spans of a fixed type.
type Rule struct {
	Name       string
	Type       pii.Type
	Re         *regexp.Regexp
	Group      int     // capture group holding the value; 0 is the whole match
	Confidence float64 // defaults to 0.9

	// Accept, when set, inspects the matched value and returns how many of
	// its leading bytes form a valid value. Zero rejects the match.
	Accept func(value string) int

	// Classify, when set, may change the span type based on the text that
	// precedes the match.
	Classify func(text string, start int) pii.Type
}

// PatternStrategy runs a fixed list of rules. It is deterministic and never
// blocks, so it only fails when the context is already done.
type PatternStrategy struct {
	id    string
	rules []Rule
}

// NewPatternStrategy returns a strategy over rules. Rules with a nil regexp
// are rejected.
func NewPatternStrategy(id string, rules []Rule) (*PatternStrategy, error) {
	for i, r := range rules {
		if r.Re == nil {
			return nil, fmt.Errorf("pattern strategy %s: rule %d (%s) has no expression", id, i, r.Name)
		}
		if r.Group < 0 || r.Group > r.Re.NumSubexp() {
			return nil, fmt.Errorf("pattern strategy %s: rule %s: group %d out of range", id, r.Name, r.Group)
		}
		if !r.Type.Valid() {
			return nil, fmt.Errorf("pattern strategy %s: rule %s: unknown type %q", id, r.Name, r.Type)
		}
	}
	return &PatternStrategy{id: id, rules: append([]Rule(nil), rules...)}, nil
}

func mustPattern(id string, rules []Rule) *PatternStrategy {
	s, err := NewPatternStrategy(id, rules)
	if err != nil {
		panic(err)
	}
	return s
}

// ID implements Strategy.
func (s *PatternStrategy) ID() string { return s.id }

// Provenance implements Strategy.
func (s *PatternStrategy) Provenance() pii.Provenance { return pii.ProvenancePattern }

// Rules returns the rule names in evaluation order.
func (s *PatternStrategy) Rules() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name
	}
	return names
}

// Detect implements Strategy.
func (s *PatternStrategy) Detect(ctx context.Context, text string) ([]pii.Span, error) {
	var spans []pii.Span
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range r.Re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*r.Group], loc[2*r.Group+1]
			if start < 0 || end <= start {
				continue
			}
			if r.Accept != nil {
				n := r.Accept(text[start:end])
				if n <= 0 {
					continue
				}
				end = start + min(n, end-start)
			}
			typ := r.Type
			if r.Classify != nil {
				typ = r.Classify(text, start)
			}
			conf := r.Confidence
			if conf == 0 {
				conf = 0.9
			}
			spans = append(spans, pii.Span{
				Type:       typ,
				Start:      start,
				End:        end,
				Text:       text[start:end],
				Confidence: conf,
			})
		}
	}
	return spans, nil
}

// --- built-in rules ---

var (
	emailRe   = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	websiteRe = regexp.MustCompile(`\b(?:https?://|www\.)[A-Za-z0-9\-._~:/?#@!$&*+,;=%]*[A-Za-z0-9/#=_\-]`)

	// International, trunk-prefixed or bracketed numbers.
	phoneRe = regexp.MustCompile(`(?:\+|\b0|\(0?)\d[\d \t/()\-]{5,}\d`)
	// North American 3-3-4.
	phoneUSRe = regexp.MustCompile(`(?:\(\d{3}\) ?|\b\d{3}[ .\-])\d{3}[ .\-]\d{4}\b`)

	ibanRe = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)
	bicRe  = regexp.MustCompile(`\b(?:BIC|SWIFT|Swift)(?:-Code)?:?\s+([A-Z]{6}[A-Z0-9]{2}(?:[A-Z0-9]{3})?)\b`)

	ssnRe     = regexp.MustCompile(`\b(\d{3})-(\d{2})-(\d{4})\b`)
	idNoteRe  = regexp.MustCompile(`(?i:steuer-?id(?:entifikationsnummer)?|steuernummer|personalausweis(?:nummer)?|ausweisnummer|reisepass(?:nummer)?|passport(?:\s+(?:no\.?|number))?|id\s+number|sozialversicherungsnummer)[\s:.#-]*(?:(?i:nr)\.?\s*)?([A-Z0-9][A-Z0-9 /]{5,18}[A-Z0-9])`)
	germanMon = `(?:Januar|Jänner|Februar|März|Maerz|April|Mai|Juni|Juli|August|September|Oktober|November|Dezember)`
	englMon   = `(?:January|February|March|April|May|June|July|August|September|October|November|December|Jan\.?|Feb\.?|Mar\.?|Apr\.?|Jun\.?|Jul\.?|Aug\.?|Sep\.?|Sept\.?|Oct\.?|Nov\.?|Dec\.?)`
	dayNum    = `(?:0?[1-9]|[12]\d|3[01])`
	year      = `(?:19|20)\d{2}`

	dateNumericRe = regexp.MustCompile(`\b` + dayNum + `\.(?:0?[1-9]|1[0-2])\.` + year + `\b`)
	dateUSRe      = regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/` + dayNum + `/` + year + `\b`)
	dateISORe     = regexp.MustCompile(`\b` + year + `-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`)
	dateGermanRe  = regexp.MustCompile(`\b` + dayNum + `\.?\s+` + germanMon + `\s+` + year + `\b`)
	dateEnglishRe = regexp.MustCompile(`\b(?:` + englMon + `\s+\d{1,2}(?:st|nd|rd|th)?,?\s+` + year + `|\d{1,2}(?:st|nd|rd|th)?\s+` + englMon + `,?\s+` + year + `)\b`)

	birthCueRe = regexp.MustCompile(`(?i)(?:geboren(?:\s+am)?|geb\.|born(?:\s+on)?|date\s+of\s+birth|d\.?o\.?b\.?|geburtsdatum|geburtstag|birthday)\s*[:,]?\s*$`)

	nameWord     = `\p{Lu}[\p{Ll}']+(?:-\p{Lu}[\p{Ll}']+)?`
	salutationRe = regexp.MustCompile(`\b(?:Herrn?|Frau|Mrs\.?|Mr\.?|Ms\.?|Dr\.)\s+(?:(?:Dr|Prof)\.\s+)*(` + nameWord + `(?:\s+` + nameWord + `)?)`)
)

// birthCueWindow is how far back the date classifier looks for a cue.
const birthCueWindow = 40

// ClassifyDate upgrades a date to a birth date when a birth cue such as
// "geboren am" or "date of birth" immediately precedes it.
func ClassifyDate(text string, start int) pii.Type {
	from := max(0, start-birthCueWindow)
	if birthCueRe.MatchString(text[from:start]) {
		return pii.BirthDate
	}
	return pii.GenericDate
}

func acceptPhone(v string) int {
	digits := countDigits(v)
	if digits < 7 || digits > 15 {
		return 0
	}
	return len(v)
}

func acceptSSN(v string) int {
	m := ssnRe.FindStringSubmatch(v)
	if m == nil || m[1] == "000" || m[1] == "666" || m[1][0] == '9' || m[2] == "00" || m[3] == "0000" {
		return 0
	}
	return len(v)
}

func acceptIDNumber(v string) int {
	if countDigits(v) < 4 {
		return 0
	}
	return len(v)
}

// acceptIBAN returns the longest prefix of v, cut at a group separator,
// whose compacted form passes the ISO 13616 checksum.
func acceptIBAN(v string) int {
	for n := len(v); n > 0; {
		if ValidIBAN(v[:n]) {
			return n
		}
		n = strings.LastIndexByte(v[:n], ' ')
	}
	return 0
}

// ValidIBAN checks length and the mod-97 checksum of an IBAN. Spaces are
// ignored.
func ValidIBAN(s string) bool {
	compact := strings.ReplaceAll(s, " ", "")
	if len(compact) < 15 || len(compact) > 34 {
		return false
	}
	rearranged := compact[4:] + compact[:4]
	rem := 0
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

// ContactRules covers e-mail addresses, phone numbers and websites.
func ContactRules() []Rule {
	return []Rule{
		{Name: "email", Type: pii.Email, Re: emailRe, Confidence: 0.99},
		{Name: "website", Type: pii.Website, Re: websiteRe, Confidence: 0.95},
		{Name: "phone", Type: pii.PhoneNumber, Re: phoneRe, Confidence: 0.7, Accept: acceptPhone},
		{Name: "phone-us", Type: pii.PhoneNumber, Re: phoneUSRe, Confidence: 0.7, Accept: acceptPhone},
	}
}

// FinancialRules covers IBANs and keyword-introduced BICs.
func FinancialRules() []Rule {
	return []Rule{
		{Name: "iban", Type: pii.Iban, Re: ibanRe, Confidence: 0.99, Accept: acceptIBAN},
		{Name: "bic", Type: pii.Iban, Re: bicRe, Group: 1, Confidence: 0.9},
	}
}

// IdentityRules covers social security numbers and keyword-introduced
// identity or tax numbers.
func IdentityRules() []Rule {
	return []Rule{
		{Name: "ssn", Type: pii.NationalID, Re: ssnRe, Confidence: 0.9, Accept: acceptSSN},
		{Name: "id-number", Type: pii.NationalID, Re: idNoteRe, Group: 1, Confidence: 0.9, Accept: acceptIDNumber},
	}
}

// DateRules covers numeric, ISO and spelled-out dates in German and English.
// Dates preceded by a birth cue are typed as birth dates.
func DateRules() []Rule {
	rules := []Rule{
		{Name: "date-numeric", Re: dateNumericRe},
		{Name: "date-us", Re: dateUSRe},
		{Name: "date-iso", Re: dateISORe},
		{Name: "date-german", Re: dateGermanRe},
		{Name: "date-english", Re: dateEnglishRe},
	}
	for i := range rules {
		rules[i].Type = pii.GenericDate
		rules[i].Confidence = 0.85
		rules[i].Classify = ClassifyDate
	}
	return rules
}

// SalutationRules recognise one or two capitalised words after a form of
// address such as "Herr" or "Mrs.".
func SalutationRules() []Rule {
	return []Rule{
		{Name: "salutation", Type: pii.Person, Re: salutationRe, Group: 1, Confidence: 0.6},
	}
}

// DefaultPatternStrategies returns the built-in pattern strategies, one per
// rule family.
func DefaultPatternStrategies() []Strategy {
	return []Strategy{
		mustPattern("pattern.contact", ContactRules()),
		mustPattern("pattern.financial", FinancialRules()),
		mustPattern("pattern.identity", IdentityRules()),
		mustPattern("pattern.date", DateRules()),
		mustPattern("pattern.salutation", SalutationRules()),
	}
}
