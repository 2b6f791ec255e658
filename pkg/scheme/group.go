// Package scheme designs OSCE grading checklists with File Search and groups their items
// into ordered categories for display.
package scheme

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Canonical categories, in display order. OtherCategory must stay last.
const (
	CategoryIntroduction  = "appropriate introduction"
	CategoryPresenting    = "presenting complaint"
	CategoryOtherHistory  = "other relevant history"
	CategoryCommunication = "communication skills"
	CategoryDiagnosis     = "diagnosis"
	CategoryManagement    = "management"
	OtherCategory         = "other"
)

const (
	defaultItemName  = "未提供項目"
	defaultGuidance  = "-"
	defaultFullScore = 1
)

// CategoryOrder is the canonical order used by Group.
//
//nolint:gochecknoglobals // read-only table
var CategoryOrder = []string{
	CategoryIntroduction,
	CategoryPresenting,
	CategoryOtherHistory,
	CategoryCommunication,
	CategoryDiagnosis,
	CategoryManagement,
	OtherCategory,
}

//nolint:gochecknoglobals // read-only table
var categoryTitles = map[string]string{
	CategoryIntroduction:  "Appropriate Introduction",
	CategoryPresenting:    "Presenting Complaint",
	CategoryOtherHistory:  "Other Relevant History",
	CategoryCommunication: "Communication Skills",
	CategoryDiagnosis:     "Diagnosis",
	CategoryManagement:    "Management",
	OtherCategory:         "Other",
}

// ChecklistItem is one item as the model returns it. Every field may be missing.
type ChecklistItem struct {
	ID        any       `json:"id"`
	Category  string    `json:"category"`
	Item      *string   `json:"item"`
	Guidance  *string   `json:"guidance"`
	FullScore *flexInt  `json:"full_score"`
	Required  *flexBool `json:"required"`
}

// Item is a checklist item with defaults applied.
type Item struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Guidance  string `json:"guidance"`
	FullScore int    `json:"full_score"`
	Required  bool   `json:"required"`
}

// Bucket holds the items of one category.
type Bucket struct {
	Category string `json:"category"`
	Items    []Item `json:"items"`
}

// Title is the display name of the bucket's category.
func (b Bucket) Title() string {
	if t, ok := categoryTitles[b.Category]; ok {
		return t
	}
	return b.Category
}

// TotalScore sums the full scores of the bucket's items.
func (b Bucket) TotalScore() int {
	total := 0
	for _, it := range b.Items {
		total += it.FullScore
	}
	return total
}

// Classify returns the first category in order whose name is contained in the lower-cased
// label, or OtherCategory.
func Classify(label string, order []string) string {
	if label == "" {
		label = OtherCategory
	}
	lower := strings.ToLower(label)
	for _, c := range order {
		if strings.Contains(lower, c) {
			return c
		}
	}
	return OtherCategory
}

// Group buckets items by category. Buckets follow order; empty ones are dropped.
// Items without an id are numbered by their 1-based position in the bucket.
func Group(items []ChecklistItem, order []string) []Bucket {
	if len(order) == 0 {
		order = CategoryOrder
	}

	byCategory := make(map[string][]Item, len(order)+1)
	for _, raw := range items {
		key := Classify(raw.Category, order)
		bucket := byCategory[key]
		byCategory[key] = append(bucket, withDefaults(raw, len(bucket)+1))
	}

	buckets := make([]Bucket, 0, len(byCategory))
	seen := make(map[string]bool, len(order)+1)
	for _, c := range order {
		if seen[c] {
			continue
		}
		seen[c] = true
		if len(byCategory[c]) > 0 {
			buckets = append(buckets, Bucket{Category: c, Items: byCategory[c]})
		}
	}
	// "other" is always a valid destination even when order omits it
	if !seen[OtherCategory] && len(byCategory[OtherCategory]) > 0 {
		buckets = append(buckets, Bucket{Category: OtherCategory, Items: byCategory[OtherCategory]})
	}
	return buckets
}

func withDefaults(raw ChecklistItem, position int) Item {
	it := Item{
		ID:        formatID(raw.ID, position),
		Name:      defaultItemName,
		Guidance:  defaultGuidance,
		FullScore: defaultFullScore,
	}
	if raw.Item != nil {
		it.Name = *raw.Item
	}
	if raw.Guidance != nil {
		it.Guidance = *raw.Guidance
	}
	if raw.FullScore != nil {
		it.FullScore = int(*raw.FullScore)
	}
	if raw.Required != nil {
		it.Required = bool(*raw.Required)
	}
	return it
}

func formatID(id any, position int) string {
	switch v := id.(type) {
	case nil:
		return strconv.Itoa(position)
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = defaultFullScore
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("full_score %q is not a number: %w", data, err)
	}
	*f = flexInt(math.Round(v))
	return nil
}

// flexBool accepts a JSON boolean or "true"/"false" strings.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("required is not a boolean: %w", err)
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("required %q is not a boolean: %w", s, err)
	}
	*f = flexBool(parsed)
	return nil
}
