package raids

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TitleCase upper-cases the first letter of each word and lower-cases the rest.
func TitleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// SlugTitle renders a slug such as MR_MIME as "Mr Mime".
func SlugTitle(slug string) string {
	return TitleCase(strings.ReplaceAll(slug, "_", " "))
}
