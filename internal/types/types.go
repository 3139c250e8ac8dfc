// Package types holds the telemetry data model shared by the HTTP surface,
// the orchestrator, and the AI client.
package types

import (
	"encoding/json"
	"fmt"
)

// ItemType enumerates the telemetry record kinds the sidecar accepts.
type ItemType string

const (
	ItemTrace  ItemType = "trace"
	ItemMetric ItemType = "metric"
	ItemLog    ItemType = "log"
	ItemError  ItemType = "error"
	ItemEvent  ItemType = "event"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTrace, ItemMetric, ItemLog, ItemError, ItemEvent:
		return true
	}
	return false
}

// Item is one telemetry record submitted for classification. Content is
// intentionally schemaless: any JSON object the collector hands us.
type Item struct {
	Type    ItemType               `json:"type"`
	Content map[string]interface{} `json:"content"`
}

// Validate enforces the item invariants: known type, non-null content.
func (i Item) Validate() error {
	if i.Type == "" {
		return fmt.Errorf("item type must not be empty")
	}
	if !i.Type.Valid() {
		return fmt.Errorf("unknown item type %q", i.Type)
	}
	if i.Content == nil {
		return fmt.Errorf("item content must not be null")
	}
	return nil
}

// Batch is the /sort request payload.
type Batch struct {
	Items []Item `json:"items"`
}

// Category is the classification assigned to an item.
type Category string

const (
	CategoryCritical Category = "critical"
	CategoryWarning  Category = "warning"
	CategoryInfo     Category = "info"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCritical, CategoryWarning, CategoryInfo:
		return true
	}
	return false
}

// Destination is the downstream sink an item is routed to.
type Destination string

const (
	DestAlerting Destination = "alerting"
	DestStorage  Destination = "storage"
	DestArchive  Destination = "archive"
)

// RouteFor returns the destination for a category. The mapping is total:
// critical→alerting, warning→storage, info→archive. Unknown categories map
// to archive so nothing is ever dropped.
func RouteFor(c Category) Destination {
	switch c {
	case CategoryCritical:
		return DestAlerting
	case CategoryWarning:
		return DestStorage
	default:
		return DestArchive
	}
}

// CategoryFor is the inverse mapping, used when the upstream returns only a
// destination.
func CategoryFor(d Destination) Category {
	switch d {
	case DestAlerting:
		return CategoryCritical
	case DestStorage:
		return CategoryWarning
	default:
		return CategoryInfo
	}
}

// Classification is the (category, forward_to) pair for one item.
type Classification struct {
	Category  Category    `json:"category"`
	ForwardTo Destination `json:"forward_to"`
}

// Normalize enforces the category→forward_to mapping, overriding any
// inconsistent pairing and filling in whichever of the two fields is
// missing. Normalizing an already-normalized value is a no-op.
func (c Classification) Normalize() Classification {
	if c.Category.Valid() {
		return Classification{Category: c.Category, ForwardTo: RouteFor(c.Category)}
	}
	if c.ForwardTo != "" {
		cat := CategoryFor(c.ForwardTo)
		return Classification{Category: cat, ForwardTo: RouteFor(cat)}
	}
	return Fallback()
}

// Fallback is the info/archive assignment used when the upstream is
// unreachable or misbehaves.
func Fallback() Classification {
	return Classification{Category: CategoryInfo, ForwardTo: DestArchive}
}

// SortedItem is one element of the /sort response: the original item plus
// its classification.
type SortedItem struct {
	Item      Item        `json:"item"`
	Category  Category    `json:"category"`
	ForwardTo Destination `json:"forward_to"`
}

// MarshalContent renders an item's content for prompt embedding.
func (i Item) MarshalContent() (string, error) {
	data, err := json.Marshal(i.Content)
	if err != nil {
		return "", fmt.Errorf("encoding item content: %w", err)
	}
	return string(data), nil
}
