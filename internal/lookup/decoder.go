package lookup

import (
	"context"
	"regexp"
)

// VehicleDescriptor is what the backend knows about a registered plate.
type VehicleDescriptor struct {
	ID       string `json:"id"`
	VIN      string `json:"vin"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	FuelType string `json:"fuel_type"`
	ImageURL string `json:"image_url"`
	Year     string `json:"year"`
}

// PlateDecoder resolves a validated plate to at most one vehicle. A nil descriptor
// with a nil error means the plate is unknown.
type PlateDecoder interface {
	Decode(ctx context.Context, plate, country string) (*VehicleDescriptor, error)
}

var imageExt = regexp.MustCompile(`\.\w+$`)

// PNGImageURL points a vehicle render URL at its PNG variant.
func PNGImageURL(u string) string {
	if u == "" {
		return u
	}
	return imageExt.ReplaceAllString(u, ".png")
}
