package raids

import (
	"regexp"
	"strings"
)

var raidLevelPattern = regexp.MustCompile(`RAID_LEVEL_(\d)`)

// HumanizeTier maps a raw tier code such as RAID_LEVEL_5 to a display label.
// Matching is case-insensitive and checked in order: mega, ultra beast, elite,
// shadow, numbered level. Anything else is title-cased.
func HumanizeTier(tier string) string {
	upper := strings.ToUpper(tier)
	level := ""
	if m := raidLevelPattern.FindStringSubmatch(upper); m != nil {
		level = m[1]
	}

	switch {
	case strings.Contains(upper, "MEGA"):
		return "Mega Raid"
	case strings.Contains(upper, "ULTRA_BEAST"):
		return "Ultra Beast Raid"
	case strings.Contains(upper, "ELITE"):
		return "Elite Raid"
	case strings.Contains(upper, "SHADOW"):
		if level != "" {
			return "Shadow Tier " + level + " Raid"
		}
		return "Shadow Raid"
	case level != "":
		return "Tier " + level + " Raid"
	case tier == "":
		return "Unknown"
	}
	return SlugTitle(tier)
}
