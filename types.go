package mediaserve

import (
	"time"

	"github.com/eringen/mediaserve/upload"
)

// Asset is one row of the asset index: the metadata of a stored upload.
type Asset struct {
	UUID         string
	Collection   string
	Kind         upload.Kind
	StoredName   string
	OriginalName string
	AspectRatio  *float64
	SizeBytes    int64
	CreatedAt    time.Time
}

// URLPath is the request path of the canonical file.
func (a Asset) URLPath() string {
	if a.Collection == "/" {
		return "/" + a.StoredName
	}
	return a.Collection + "/" + a.StoredName
}

func assetFromDescriptor(d upload.Descriptor, now time.Time) Asset {
	return Asset{
		UUID:         d.UUID,
		Collection:   d.Path,
		Kind:         d.Kind,
		StoredName:   d.StoredName,
		OriginalName: d.OriginalName,
		AspectRatio:  d.AspectRatio,
		SizeBytes:    d.SizeBytes,
		CreatedAt:    now.UTC(),
	}
}
