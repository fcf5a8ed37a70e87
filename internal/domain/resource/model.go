package resource

import (
	"strconv"
	"time"
)

// Resource is one hosted representation, addressed by its request path.
type Resource struct {
	Path        string
	ContentType string
	Body        string
	Version     int64
	UpdatedAt   time.Time
}

// ETag returns the strong validator for the current version.
func (r *Resource) ETag() string {
	return `"` + strconv.FormatInt(r.Version, 10) + `"`
}
