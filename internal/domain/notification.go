package domain

import "github.com/google/uuid"

type NotificationStatus string

const (
	NotificationExecuted NotificationStatus = "EXECUTED"
	NotificationFailed   NotificationStatus = "FAILED"
)

// StatusUpdate is reported upstream to the notification service after each
// processing attempt.
type StatusUpdate struct {
	Status  NotificationStatus `json:"status"`
	Message string             `json:"message"`
}

// WeatherNotification is the payload published to the SSE delivery queue.
type WeatherNotification struct {
	UserID         uuid.UUID `json:"userId"`
	NotificationID uuid.UUID `json:"notificationId"`
	CityName       string    `json:"cityName"`
	UF             string    `json:"uf"`
	Date           string    `json:"date"` // forecast day, YYYY-MM-DD
	MinTemp        int       `json:"minTemp"`
	MaxTemp        int       `json:"maxTemp"`
	Message        string    `json:"message"`
}
