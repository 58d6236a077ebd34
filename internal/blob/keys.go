// Package blob stores original and processed item images in an S3
// compatible bucket.
package blob

import (
	"fmt"

	"github.com/google/uuid"

	"item-image-pipeline/internal/models"
)

const ContentTypeJPEG = "image/jpeg"

// ItemKeys returns the deterministic artifact paths for an item. Reruns
// write to the same keys.
func ItemKeys(userID, itemID uuid.UUID) models.ImageKeys {
	prefix := fmt.Sprintf("user/%s/items/%s", userID, itemID)
	return models.ImageKeys{
		Clean: prefix + "/clean.jpg",
		Thumb: prefix + "/thumb.jpg",
	}
}
