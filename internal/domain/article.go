package domain

import "time"

// Article is the raw item produced by the source boundary before embedding.
type Article struct {
	ID          string
	Title       string
	Lead        string
	URL         string
	Source      string
	PublishedAt time.Time
}
