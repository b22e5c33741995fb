package bot

import (
	"fmt"
	"strconv"
	"strings"

	"arcanabot/pkg/domain"
)

var facetLabels = map[domain.Facet]string{
	domain.FacetLove:    "Love",
	domain.FacetCareer:  "Career",
	domain.FacetHealth:  "Health",
	domain.FacetFinance: "Finance",
	domain.FacetFamily:  "Family",
	domain.FacetDestiny: "Destiny",
	domain.FacetAll:     "Full reading",
}

// FacetKeyboard offers every topic plus the full reading for a fresh photo.
func FacetKeyboard() [][]Button {
	rows := make([][]Button, 0, 4)
	row := make([]Button, 0, 2)
	for _, f := range domain.TopicFacets {
		row = append(row, Button{Label: facetLabels[f], Data: "facet:" + string(f)})
		if len(row) == 2 {
			rows = append(rows, row)
			row = make([]Button, 0, 2)
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []Button{{Label: facetLabels[domain.FacetAll], Data: "facet:" + string(domain.FacetAll)}})
	return rows
}

// RetopicKeyboard offers the facets not yet covered for a completed reading.
// Returns nil when nothing remains, so the caller can skip the prompt.
func RetopicKeyboard(recordID string, done []domain.Facet) [][]Button {
	covered := make(map[domain.Facet]bool, len(done))
	for _, f := range done {
		covered[f] = true
	}
	var rows [][]Button
	row := make([]Button, 0, 2)
	for _, f := range domain.TopicFacets {
		if covered[f] {
			continue
		}
		row = append(row, Button{
			Label: facetLabels[f],
			Data:  fmt.Sprintf("retopic:%s:%s", recordID, f),
		})
		if len(row) == 2 {
			rows = append(rows, row)
			row = make([]Button, 0, 2)
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

// ParseRetopic splits callback data of the form retopic:<recordID>:<facet>.
func ParseRetopic(data string) (recordID string, facet domain.Facet, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "retopic" {
		return "", "", false
	}
	facet = domain.Facet(parts[2])
	if parts[1] == "" || !facet.Valid() || facet == domain.FacetAll {
		return "", "", false
	}
	return parts[1], facet, true
}

// ParseFacet splits callback data of the form facet:<facet>.
func ParseFacet(data string) (domain.Facet, bool) {
	raw, found := strings.CutPrefix(data, "facet:")
	if !found {
		return "", false
	}
	f := domain.Facet(raw)
	if !f.Valid() {
		return "", false
	}
	return f, true
}

var personaLabels = map[domain.Persona]string{
	domain.PersonaMystic:  "Mystic",
	domain.PersonaScholar: "Scholar",
	domain.PersonaFriend:  "Friend",
}

// PersonaKeyboard lets the user pick the narration voice.
func PersonaKeyboard() [][]Button {
	row := make([]Button, 0, len(domain.Personas))
	for _, p := range domain.Personas {
		row = append(row, Button{Label: personaLabels[p], Data: "persona:" + string(p)})
	}
	return [][]Button{row}
}

// ParsePersona splits callback data of the form persona:<persona>.
func ParsePersona(data string) (domain.Persona, bool) {
	raw, found := strings.CutPrefix(data, "persona:")
	if !found {
		return "", false
	}
	p := domain.Persona(raw)
	for _, known := range domain.Personas {
		if p == known {
			return p, true
		}
	}
	return "", false
}

func formatBalance(basic, full int64) string {
	var b strings.Builder
	b.WriteString("Your credits: ")
	b.WriteString(strconv.FormatInt(basic, 10))
	b.WriteString(" single-topic, ")
	b.WriteString(strconv.FormatInt(full, 10))
	b.WriteString(" full-reading.")
	return b.String()
}
