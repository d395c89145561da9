package raids

import (
	"strings"

	"golang.org/x/net/html"
)

const (
	raidPathPrefix  = "/raids/"
	pokemonAssetTag = "assets/pokemon"
	pokemonIconTag  = "pokemon_icon"
)

// rowState accumulates what one table row says about a raid boss.
type rowState struct {
	slug          string
	title         string
	text          []string
	image         string
	imagePriority int
	difficulty    string
}

type displayScanner struct {
	row               *rowState
	insideAnchor      bool
	captureDifficulty bool
	results           map[string]DisplayRecord
}

// ScanDisplay walks the page markup row by row and returns display metadata keyed
// by slug. Rows without a raid link are ignored. Records for a slug seen in several
// rows are merged with MergeDisplay.
func ScanDisplay(markup string) map[string]DisplayRecord {
	s := &displayScanner{results: make(map[string]DisplayRecord)}
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return s.results
		case html.StartTagToken:
			s.open(z.Token())
		case html.SelfClosingTagToken:
			tok := z.Token()
			s.open(tok)
			s.close(tok.Data)
		case html.EndTagToken:
			name, _ := z.TagName()
			s.close(string(name))
		case html.TextToken:
			s.text(string(z.Text()))
		}
	}
}

// MergeDisplay fills the empty image and difficulty of existing from incoming.
// Values already present are never overwritten.
func MergeDisplay(existing, incoming DisplayRecord) DisplayRecord {
	if existing.Image == "" {
		existing.Image = incoming.Image
	}
	if existing.Difficulty == "" {
		existing.Difficulty = incoming.Difficulty
	}
	return existing
}

func (s *displayScanner) open(tok html.Token) {
	if tok.Data == "tr" {
		s.row = &rowState{}
		s.insideAnchor = false
		s.captureDifficulty = false
		return
	}
	if s.row == nil {
		return
	}

	attrs := make(map[string]string, len(tok.Attr))
	for _, a := range tok.Attr {
		key := a.Key
		if a.Namespace != "" {
			key = a.Namespace + ":" + a.Key
		}
		attrs[key] = a.Val
	}

	switch tok.Data {
	case "a":
		slug, ok := raidSlug(attrs["href"])
		if !ok {
			return
		}
		s.row.slug = slug
		s.row.title = attrs["title"]
		s.insideAnchor = true
	case "img", "image":
		s.offerImage(firstNonEmpty(attrs["xlink:href"], attrs["href"], attrs["src"]))
	case "span":
		class := attrs["class"]
		if s.row.difficulty == "" &&
			(strings.Contains(class, "easyDifficulty") || strings.Contains(class, "veryEasyDifficulty")) {
			s.captureDifficulty = true
		}
	}
}

func (s *displayScanner) offerImage(src string) {
	if src == "" || !strings.Contains(src, pokemonAssetTag) {
		return
	}
	priority := 1
	if strings.Contains(src, pokemonIconTag) {
		priority = 2
	}
	if priority > s.row.imagePriority {
		s.row.image = normalizeAssetURL(src)
		s.row.imagePriority = priority
	}
}

func (s *displayScanner) text(data string) {
	if s.row == nil {
		return
	}
	text := strings.TrimSpace(data)
	if text == "" {
		return
	}
	if s.captureDifficulty && s.row.difficulty == "" {
		s.row.difficulty = text
		s.captureDifficulty = false
		return
	}
	if s.insideAnchor {
		s.row.text = append(s.row.text, text)
	}
}

func (s *displayScanner) close(tag string) {
	switch {
	case tag == "a" && s.insideAnchor:
		s.insideAnchor = false
	case tag == "span" && s.captureDifficulty:
		s.captureDifficulty = false
	case tag == "tr" && s.row != nil:
		s.commit()
		s.row = nil
		s.insideAnchor = false
		s.captureDifficulty = false
	}
}

func (s *displayScanner) commit() {
	row := s.row
	if row.slug == "" {
		return
	}

	name := strings.TrimSpace(strings.Join(row.text, " "))
	if name == "" {
		if trimmed, ok := strings.CutSuffix(row.title, "Counters"); ok {
			name = strings.TrimSpace(trimmed)
		}
	}
	if name == "" {
		name = SlugTitle(row.slug)
	}

	record := DisplayRecord{
		Slug:       row.slug,
		Name:       name,
		Image:      row.image,
		Difficulty: row.difficulty,
	}
	if existing, ok := s.results[row.slug]; ok {
		record = MergeDisplay(existing, record)
	}
	s.results[row.slug] = record
}

// raidSlug extracts the boss slug from a /raids/ link. For defender links of the
// form /raids/defenders/<SLUG>/<variant> the slug is the segment before the last.
func raidSlug(href string) (string, bool) {
	rest, ok := strings.CutPrefix(href, raidPathPrefix)
	if !ok {
		return "", false
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}

	segments := strings.Split(rest, "/")
	if segments[0] == "defenders" {
		switch len(segments) {
		case 1:
			return "", false
		case 2:
			return segments[1], segments[1] != ""
		default:
			slug := segments[len(segments)-2]
			return slug, slug != ""
		}
	}
	slug := segments[len(segments)-1]
	return slug, slug != ""
}

// normalizeAssetURL gives protocol-relative asset URLs an https scheme.
func normalizeAssetURL(src string) string {
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	return src
}
