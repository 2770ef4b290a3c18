package domain

import "printlegion/internal/lifecycle"

// Job is one print request, tracked through the lifecycle state machine.
type Job struct {
	ID                string           `json:"id"`
	CreatorID         string           `json:"creator_id"`
	AssignedPrinterID *string          `json:"assigned_printer_id,omitempty"`
	Status            lifecycle.Status `json:"status" enum:"needs_printer,claimed,printing_in_progress,completed_printing,fulfilled_awaiting_confirmation,finished,cancelled"`
	ItemName          string           `json:"item_name"`
	ItemDescription   string           `json:"item_description,omitempty"`
	PartCount         int              `json:"part_count"`
	Topic             string           `json:"topic,omitempty"`
	RefURL            string           `json:"ref_url,omitempty"`
	FilamentUsedGrams *float64         `json:"filament_used_grams,omitempty"`
	PrintingNotes     *string          `json:"printing_notes,omitempty"`
	FulfilmentNotes   *string          `json:"fulfilment_notes,omitempty"`
	FulfilmentPhotoID *string          `json:"fulfilment_photo_id,omitempty"`
	MainImageID       *string          `json:"main_image_id,omitempty"`
	MainModelID       *string          `json:"main_model_id,omitempty"`
	CreatedAt         string           `json:"created_at" format:"date-time"`
	UpdatedAt         string           `json:"updated_at" format:"date-time"`
}

// User is one participant. SlackID is the stable identity from the chat
// platform; the record itself is created explicitly (EnsureUser), never as a
// side effect of a read.
type User struct {
	SlackID           string   `json:"slack_id"`
	HasPrinter        bool     `json:"has_printer"`
	PrinterType       string   `json:"printer_type,omitempty"`
	PrinterDetails    string   `json:"printer_details,omitempty"`
	RegionCoordinates string   `json:"region_coordinates,omitempty"`
	RegionName        string   `json:"region_name,omitempty"`
	PreferredRadius   string   `json:"preferred_radius,omitempty" enum:"5km_city,10km_neighbourhood,25km_nearby_town,50km_day_trip,400km_cross_state,infinitekm_global"`
	PreferredTopics   []string `json:"preferred_topics,omitempty"`
	Onboarded         bool     `json:"onboarded"`
	HasEverSubmitted  bool     `json:"has_ever_submitted"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// Event is one append-only log entry written in the same transaction as the
// job mutation it describes.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// StatsSnapshot is the cached global aggregation refreshed by the stats cron.
type StatsSnapshot struct {
	LastUpdated       string         `json:"last_updated" format:"date-time"`
	Calculating       bool           `json:"calculating"`
	TotalUsers        int            `json:"total_users"`
	TotalPrinters     int            `json:"total_printers"`
	TotalJobs         int            `json:"total_jobs"`
	TotalFilamentUsed float64        `json:"total_filament_used_grams"`
	JobsByStatus      map[string]int `json:"jobs_by_status"`
}

// NearbyPrinters counts located printer owners within fixed rings of the
// viewer's region. Only computed for viewers with a location on file.
type NearbyPrinters struct {
	Within5Km  int `json:"within_5km"`
	Within25Km int `json:"within_25km"`
	Within50Km int `json:"within_50km"`
}

// GeocodeResult is a single hit from the geocoding service.
type GeocodeResult struct {
	PlaceID     int64  `json:"place_id"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}
