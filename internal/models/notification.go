package models

type Notification struct {
	Title   string
	Message string
	URL     string
	Success bool
}
