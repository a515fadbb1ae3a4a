package extraction

import (
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Entity is one parsed candidate entity with a confidence in [0,1].
type Entity struct {
	Kind         string
	Data         map[string]interface{}
	Confidence   float64
	SourceOffset int
}

// Link is one parsed candidate relationship. From/To index into the
// ParseResult's entity slice; the engine resolves them to content hashes.
type Link struct {
	From       int
	To         int
	RelType    string
	Data       map[string]interface{}
	Confidence float64
}

// ParseResult is everything a parser produced from one file.
type ParseResult struct {
	Entities []Entity
	Links    []Link
	Metadata map[string]interface{}
}

// ParseFunc is a pure parsing function over file text.
type ParseFunc func(text string, metadata map[string]interface{}) (ParseResult, error)

type parserKey struct {
	name     string
	mimeType string
}

// Registry maps (parser name, mime type) to a parse function.
type Registry struct {
	mu      sync.RWMutex
	parsers map[parserKey]ParseFunc
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[parserKey]ParseFunc)}
}

// Register binds a parse function to (name, mimeType).
func (r *Registry) Register(name, mimeType string, fn ParseFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("parser name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := parserKey{name: name, mimeType: mimeType}
	if _, exists := r.parsers[key]; exists {
		return fmt.Errorf("parser %s already registered for %s", name, mimeType)
	}
	r.parsers[key] = fn
	return nil
}

// Lookup resolves the parse function for (name, mimeType).
func (r *Registry) Lookup(name, mimeType string) (ParseFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.parsers[parserKey{name: name, mimeType: mimeType}]
	return fn, ok
}

// DefaultRegistry returns a registry with the built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("script-parser", "text/plain", ParseScript)
	_ = r.Register("vendor-roster", "text/csv", ParseVendorRoster)
	return r
}

// Confidence levels of the built-in parsers. Scene headings follow a rigid
// format; character cues are inferred from layout and carry more doubt.
const (
	sceneConfidence      = 0.9
	characterConfidence  = 0.8
	vendorConfidence     = 0.95
	departmentConfidence = 0.9
)

var sceneHeadingRe = regexp.MustCompile(`^(INT|EXT|INT/EXT|I/E)[.\s]`)
var characterCueRe = regexp.MustCompile(`^[A-Z][A-Z .'\-]{0,28}[A-Z.]$`)

// ParseScript extracts Scene and Character entities from screenplay text.
// Every scene heading (INT./EXT.) starts a scene; an all-caps cue line
// followed by dialogue names a character appearing in the current scene.
func ParseScript(text string, _ map[string]interface{}) (ParseResult, error) {
	lines := strings.Split(text, "\n")

	var res ParseResult
	sceneIndex := -1
	sceneNumber := 0
	characterIndex := make(map[string]int)
	appeared := make(map[string]bool)

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if sceneHeadingRe.MatchString(line) {
			sceneNumber++
			res.Entities = append(res.Entities, Entity{
				Kind: "scene",
				Data: map[string]interface{}{
					"number":  sceneNumber,
					"heading": line,
				},
				Confidence:   sceneConfidence,
				SourceOffset: i,
			})
			sceneIndex = len(res.Entities) - 1
			continue
		}

		if sceneIndex < 0 {
			continue
		}
		if !characterCueRe.MatchString(line) || sceneHeadingRe.MatchString(line) {
			continue
		}
		// a cue needs dialogue under it
		if i+1 >= len(lines) || strings.TrimSpace(lines[i+1]) == "" {
			continue
		}

		name := strings.TrimSuffix(line, ".")
		idx, seen := characterIndex[name]
		if !seen {
			res.Entities = append(res.Entities, Entity{
				Kind:         "character",
				Data:         map[string]interface{}{"name": name},
				Confidence:   characterConfidence,
				SourceOffset: i,
			})
			idx = len(res.Entities) - 1
			characterIndex[name] = idx
		}
		pairKey := fmt.Sprintf("%d:%d", idx, sceneIndex)
		if !appeared[pairKey] {
			appeared[pairKey] = true
			res.Links = append(res.Links, Link{
				From:       idx,
				To:         sceneIndex,
				RelType:    "APPEARS_IN",
				Confidence: characterConfidence,
			})
		}
	}

	res.Metadata = map[string]interface{}{
		"scenes":     sceneNumber,
		"characters": len(characterIndex),
	}
	return res, nil
}

// ParseVendorRoster extracts Vendor and Department entities from a roster
// CSV with a name,category,department header, linking vendors to the
// departments they supply.
func ParseVendorRoster(text string, _ map[string]interface{}) (ParseResult, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return ParseResult{}, fmt.Errorf("read roster csv: %w", err)
	}
	if len(records) == 0 {
		return ParseResult{Metadata: map[string]interface{}{"vendors": 0}}, nil
	}

	col := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	nameCol, ok := col["name"]
	if !ok {
		return ParseResult{}, fmt.Errorf("roster csv missing name column")
	}
	categoryCol, hasCategory := col["category"]
	departmentCol, hasDepartment := col["department"]

	var res ParseResult
	departmentIndex := make(map[string]int)
	for rowNum, row := range records[1:] {
		name := strings.TrimSpace(row[nameCol])
		if name == "" {
			continue
		}
		data := map[string]interface{}{"name": name}
		if hasCategory && categoryCol < len(row) {
			if cat := strings.TrimSpace(row[categoryCol]); cat != "" {
				data["category"] = cat
			}
		}
		res.Entities = append(res.Entities, Entity{
			Kind:         "vendor",
			Data:         data,
			Confidence:   vendorConfidence,
			SourceOffset: rowNum + 1,
		})
		vendorIdx := len(res.Entities) - 1

		if !hasDepartment || departmentCol >= len(row) {
			continue
		}
		dept := strings.TrimSpace(row[departmentCol])
		if dept == "" {
			continue
		}
		deptIdx, seen := departmentIndex[dept]
		if !seen {
			res.Entities = append(res.Entities, Entity{
				Kind:         "department",
				Data:         map[string]interface{}{"name": dept},
				Confidence:   departmentConfidence,
				SourceOffset: rowNum + 1,
			})
			deptIdx = len(res.Entities) - 1
			departmentIndex[dept] = deptIdx
		}
		res.Links = append(res.Links, Link{
			From:       vendorIdx,
			To:         deptIdx,
			RelType:    "SUPPLIES",
			Confidence: vendorConfidence,
		})
	}

	res.Metadata = map[string]interface{}{
		"vendors":     len(res.Entities) - len(departmentIndex),
		"departments": len(departmentIndex),
	}
	return res, nil
}
