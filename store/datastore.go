// datastore.go - image index backed by Cloud Datastore.

package store

import (
	"context"
	"time"

	"cloud.google.com/go/datastore"
)

// Kinds used in datastore. Every image is a child of its project so a
// project's images share an entity group.
const (
	ProjectKind = "Project"
	ImageKind   = "Image"
)

// DatastoreClient is an interface for interacting with Datastore.
type DatastoreClient interface {
	Put(ctx context.Context, key *datastore.Key, src any) (*datastore.Key, error)
}

// DatastoreIndex maintains image metadata in Datastore.
type DatastoreIndex struct {
	client    DatastoreClient
	namespace string
	now       func() time.Time
}

// NewDatastoreIndex creates a new [*DatastoreIndex] instance.
func NewDatastoreIndex(client DatastoreClient, ns string) *DatastoreIndex {
	return &DatastoreIndex{
		client:    client,
		namespace: ns,
		now:       time.Now,
	}
}

func (d *DatastoreIndex) imageKey(project, key string) *datastore.Key {
	parent := datastore.NameKey(ProjectKind, project, nil)
	parent.Namespace = d.namespace
	k := datastore.NameKey(ImageKind, key, parent)
	k.Namespace = d.namespace
	return k
}

// Upsert stores img. Datastore Put overwrites, so this is an upsert.
func (d *DatastoreIndex) Upsert(ctx context.Context, img *Image) error {
	entity := *img
	entity.UpdatedAt = d.now().UTC()
	_, err := d.client.Put(ctx, d.imageKey(img.Project, img.Key), &entity)
	return err
}
