package raids

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

var rehydratePattern = regexp.MustCompile(`(?s)window\.REHYDRATE=JSON\.parse\(decodeURIComponent\("(.*?)"\)\)`)

// ExtractPayload locates the rehydration blob in the page, percent-decodes it and
// parses the raid store out of it. A document without a raid store yields an
// empty payload.
func ExtractPayload(markup string) (Payload, error) {
	match := rehydratePattern.FindStringSubmatch(markup)
	if match == nil {
		return Payload{}, &PayloadNotFoundError{Size: len(markup)}
	}

	decoded, err := url.PathUnescape(match[1])
	if err != nil {
		return Payload{}, &PayloadDecodeError{Stage: "unescape", Err: err}
	}

	var doc struct {
		RaidsStore tierStore `json:"raidsStore"`
	}
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return Payload{}, &PayloadDecodeError{Stage: "json", Err: err}
	}
	return Payload{Tiers: doc.RaidsStore}, nil
}

// tierStore decodes the raidsStore object while keeping its key order, so that
// first-seen deduplication downstream follows the page.
type tierStore []TierGroup

func (s *tierStore) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("raidsStore: expected object")
	}

	var groups []TierGroup
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var group struct {
			Raids []RawRaid `json:"raids"`
		}
		if err := dec.Decode(&group); err != nil {
			return fmt.Errorf("raidsStore[%s]: %w", key, err)
		}
		groups = append(groups, TierGroup{ID: key, Raids: group.Raids})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = groups
	return nil
}
