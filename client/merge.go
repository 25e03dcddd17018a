package client

import "github.com/petal-labs/livepipe/protocol"

const (
	// EventCap is how many event records a viewer keeps.
	EventCap = 100

	// GalleryCap is how many gallery items a viewer keeps.
	GalleryCap = 50
)

// MergeEvents folds a pulled snapshot into the held events. Held events
// whose key is absent from the snapshot were delivered live after the
// snapshot was taken; they are kept, deduplicated, ahead of the snapshot.
// The result is truncated to EventCap. Applying the same snapshot twice
// yields the same result.
func MergeEvents(held, snapshot []protocol.EventRecord) []protocol.EventRecord {
	inSnapshot := make(map[protocol.RecordKey]struct{}, len(snapshot))
	for _, rec := range snapshot {
		inSnapshot[rec.Key()] = struct{}{}
	}

	out := make([]protocol.EventRecord, 0, min(len(held)+len(snapshot), EventCap))
	seen := make(map[protocol.RecordKey]struct{}, len(held))
	for _, rec := range held {
		k := rec.Key()
		if _, ok := inSnapshot[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	out = append(out, snapshot...)
	if len(out) > EventCap {
		out = out[:EventCap]
	}
	return out
}

// prependEvent adds a live record at the front, dropping the oldest beyond
// EventCap.
func prependEvent(events []protocol.EventRecord, rec protocol.EventRecord) []protocol.EventRecord {
	out := make([]protocol.EventRecord, 0, min(len(events)+1, EventCap))
	out = append(out, rec)
	out = append(out, events...)
	if len(out) > EventCap {
		out = out[:EventCap]
	}
	return out
}

// PrependGallery inserts item at the front unless an item with the same id
// is already present, dropping the oldest beyond GalleryCap.
func PrependGallery(items []protocol.GalleryItem, item protocol.GalleryItem) []protocol.GalleryItem {
	for _, it := range items {
		if it.ID == item.ID {
			return items
		}
	}
	out := make([]protocol.GalleryItem, 0, min(len(items)+1, GalleryCap))
	out = append(out, item)
	out = append(out, items...)
	if len(out) > GalleryCap {
		out = out[:GalleryCap]
	}
	return out
}

// replaceGallery adopts a pulled gallery, keeping the first occurrence of
// each id.
func replaceGallery(items []protocol.GalleryItem) []protocol.GalleryItem {
	out := make([]protocol.GalleryItem, 0, min(len(items), GalleryCap))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
		if len(out) == GalleryCap {
			break
		}
	}
	return out
}
