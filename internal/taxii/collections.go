package taxii

import "iocbridge/internal/models"

const highConfidenceThreshold = 80

// DefaultCollections builds the two static collections:
// all-indicators and high-confidence. Static for the process lifetime.
func DefaultCollections() []models.Collection {
	return []models.Collection{
		{
			ID:          "all-indicators",
			Title:       "All Indicators",
			Description: "Every indicator produced by the most recent rebuild cycle.",
			Predicate:   models.AllIndicators(),
		},
		{
			ID:          "high-confidence",
			Title:       "High Confidence Indicators",
			Description: "Indicators with final_confidence >= 80.",
			Predicate:   models.HighConfidence(highConfidenceThreshold),
		},
	}
}

func findCollection(collections []models.Collection, id string) (models.Collection, bool) {
	for _, c := range collections {
		if c.ID == id {
			return c, true
		}
	}
	return models.Collection{}, false
}

// CollectionDescriptor is the wire shape for collections list/detail,
// mirroring the common TAXII 2.1 collection resource fields.
type CollectionDescriptor struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CanRead     bool     `json:"can_read"`
	CanWrite    bool     `json:"can_write"`
	MediaTypes  []string `json:"media_types"`
}

func toDescriptor(c models.Collection) CollectionDescriptor {
	return CollectionDescriptor{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		CanRead:     true,
		CanWrite:    false,
		MediaTypes:  []string{mediaType},
	}
}
