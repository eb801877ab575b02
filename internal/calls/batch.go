package calls

import "strings"

// DefaultBatchSize is the number of contacts submitted per provider request.
const DefaultBatchSize = 50

// Batch is a contiguous, order-preserving slice of the contact list.
type Batch struct {
	Index    int
	Contacts []Contact
}

// Split cuts contacts into batches of size. The last batch may be smaller.
// size <= 0 falls back to DefaultBatchSize. Empty input yields no batches.
func Split(contacts []Contact, size int) []Batch {
	if len(contacts) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([]Batch, 0, (len(contacts)+size-1)/size)
	for start := 0; start < len(contacts); start += size {
		end := start + size
		if end > len(contacts) {
			end = len(contacts)
		}
		out = append(out, Batch{Index: len(out), Contacts: contacts[start:end:end]})
	}
	return out
}

// FilterDialable drops contacts without a phone number, keeping order.
// It returns the dialable contacts and the number skipped.
func FilterDialable(contacts []Contact) ([]Contact, int) {
	out := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if strings.TrimSpace(c.Phone) == "" {
			continue
		}
		out = append(out, c)
	}
	return out, len(contacts) - len(out)
}
