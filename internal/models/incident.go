package models

import (
	"strings"
	"time"
)

// Severity grades an incident.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IncidentStatus is mutated only by admin collaborators after creation.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentInProgress IncidentStatus = "in-progress"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentFalseAlarm IncidentStatus = "false-alarm"
)

// ContentType classifies an inbound message body.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
)

// MediaType of an incident attachment.
type MediaType string

const (
	MediaNone  MediaType = "none"
	MediaImage MediaType = "image"
	MediaAudio MediaType = "audio"
)

// MediaTypeFor maps an inbound content type to an incident media type.
func MediaTypeFor(ct ContentType, mediaRef string) MediaType {
	if mediaRef == "" {
		return MediaNone
	}
	switch ct {
	case ContentImage:
		return MediaImage
	case ContentAudio:
		return MediaAudio
	}
	if strings.Contains(mediaRef, "image") {
		return MediaImage
	}
	return MediaAudio
}

// Incident is a danger report. UserID is empty for anonymous reporters.
type Incident struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id,omitempty"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	MediaRef    string         `json:"media_ref,omitempty"`
	MediaType   MediaType      `json:"media_type"`
	Location    string         `json:"location,omitempty"`
	Severity    Severity       `json:"severity"`
	Status      IncidentStatus `json:"status"`
	Notified    bool           `json:"notified"`
	ReportedAt  time.Time      `json:"reported_at"`
}

// IncidentTypeDanger is the type recorded for chat danger reports.
const IncidentTypeDanger = "danger"

// Reference returns the short user-facing reference of the incident.
func (i *Incident) Reference() string {
	id := i.ID
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return strings.ToUpper(id)
}

// IncidentNotice is the payload handed to supervisor-facing notifiers.
type IncidentNotice struct {
	Phone      string     `json:"phone"`
	IncidentID string     `json:"incidentId"`
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	MediaURLs  []string   `json:"mediaUrls"`
	Location   string     `json:"location,omitempty"`
	Severity   Severity   `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	User       NoticeUser `json:"user"`
}

// NoticeUser describes the reporter; Name is AnonymousName when unknown.
type NoticeUser struct {
	Name       string   `json:"name"`
	Profession string   `json:"profession,omitempty"`
	Language   Language `json:"language,omitempty"`
}
