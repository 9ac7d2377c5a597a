package files

import (
	"context"
	"time"
)

// Record represents the metadata of one file waiting to be relayed.
type Record struct {
	ID          string    `json:"id" cbor:"id"`
	Name        string    `json:"name" cbor:"name"`
	Size        int64     `json:"size" cbor:"size"`
	ContentType string    `json:"content_type" cbor:"content_type"`
	CreatedAt   time.Time `json:"created_at" cbor:"created_at"`
	Password    string    `json:"password,omitempty" cbor:"password,omitempty"`
	Owner       Device    `json:"owner" cbor:"owner"`
	Devices     []Device  `json:"devices,omitempty" cbor:"devices,omitempty"`
}

// Info is the public view of a record. It never carries the password.
type Info struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	Owner       Device    `json:"owner"`
	Protected   bool      `json:"protected"`
}

// Info returns the public view of r.
func (r *Record) Info() Info {
	return Info{
		Name:        r.Name,
		Size:        r.Size,
		ContentType: r.ContentType,
		CreatedAt:   r.CreatedAt,
		Owner:       r.Owner,
		Protected:   r.Password != "",
	}
}

// Registry defines the durable snapshot of file records. Replace must be
// atomic with respect to Load: a reader sees either the old or the new
// snapshot, never a mix.
type Registry interface {
	// Load returns the full ordered snapshot
	Load(ctx context.Context) ([]Record, error)

	// Replace overwrites the snapshot with records
	Replace(ctx context.Context, records []Record) error
}

// Notifier receives every snapshot written by the service.
type Notifier interface {
	Publish(records []Record)
}
