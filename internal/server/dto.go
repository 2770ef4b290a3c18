package server

type DevLoginRequest struct {
	SlackID string `json:"slack_id" example:"U0123456789"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateJobRequest struct {
	ItemName        string `json:"item_name" example:"prosthetic hand"`
	ItemDescription string `json:"item_description" example:"PLA, size M, see linked model"`
	PartCount       int    `json:"part_count,omitempty" minimum:"1"`
	Topic           string `json:"topic,omitempty" example:"medical"`
	RefURL          string `json:"ref_url,omitempty" format:"uri"`
	MainImageID     string `json:"main_image_id,omitempty"`
	MainModelID     string `json:"main_model_id,omitempty"`
}

type UpdateJobRequest struct {
	ItemName        *string `json:"item_name,omitempty"`
	ItemDescription *string `json:"item_description,omitempty"`
	PartCount       *int    `json:"part_count,omitempty"`
	Topic           *string `json:"topic,omitempty"`
	RefURL          *string `json:"ref_url,omitempty"`
	MainImageID     *string `json:"main_image_id,omitempty"`
	MainModelID     *string `json:"main_model_id,omitempty"`
}

type SettingsRequest struct {
	HasPrinter        *bool     `json:"has_printer,omitempty"`
	PrinterType       *string   `json:"printer_type,omitempty"`
	PrinterDetails    *string   `json:"printer_details,omitempty"`
	RegionCoordinates *string   `json:"region_coordinates,omitempty" example:"48.8566,2.3522"`
	RegionName        *string   `json:"region_name,omitempty"`
	PreferredRadius   *string   `json:"preferred_radius,omitempty" enum:"5km_city,10km_neighbourhood,25km_nearby_town,50km_day_trip,400km_cross_state,infinitekm_global"`
	PreferredTopics   *[]string `json:"preferred_topics,omitempty"`
	Onboarded         *bool     `json:"onboarded,omitempty"`
}

type CompletePrintingRequest struct {
	FilamentUsedGrams float64 `json:"filament_used_grams" minimum:"0" example:"42.5"`
	PrintingNotes     *string `json:"printing_notes,omitempty"`
}

type FulfilRequest struct {
	FulfilmentNotes   *string `json:"fulfilment_notes,omitempty"`
	FulfilmentPhotoID *string `json:"fulfilment_photo_id,omitempty"`
}
