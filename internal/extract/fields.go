package extract

import "regexp"

var (
	nameRe    = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)
	phoneRe   = regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b|\(\d{3}\)\s*\d{3}-\d{4}`)
	addressRe = regexp.MustCompile(`(?i)\d+\s+[A-Za-z\s]+(?:Street|St|Avenue|Ave|Road|Rd)\b`)
	dateRe    = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b\d{4}-\d{1,2}-\d{1,2}\b`)
)

// ScanFields pulls structured items out of free text: capitalized full names,
// US-style phone numbers, street addresses, and dates. Categories with no
// matches are omitted.
func ScanFields(text string) map[string][]string {
	if text == "" {
		return nil
	}
	fields := make(map[string][]string)
	for category, re := range map[string]*regexp.Regexp{
		"names":         nameRe,
		"phone_numbers": phoneRe,
		"addresses":     addressRe,
		"dates":         dateRe,
	} {
		if matches := re.FindAllString(text, -1); len(matches) > 0 {
			fields[category] = dedupe(matches)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
