// Package grid is the key-value data grid the generator reads its
// collections from. Documents are JSON; selected attributes are indexed so
// that keys can be looked up by value.
package grid

import "context"

const (
	ResolverConfigurations = "resolver_configuration"
	EndUserConfigurations  = "end_user_configuration"
	Blacklist              = "blacklist"
)

// ClientIDField is the indexed attribute of resolver configurations.
const ClientIDField = "clientId"

// Grid is the capability the generator depends on.
type Grid interface {
	Keys(ctx context.Context, collection string) ([]string, error)
	// GetAll returns the documents of the given keys. Missing keys are
	// absent from the result.
	GetAll(ctx context.Context, collection string, keys []string) (map[string][]byte, error)
	// Query returns the keys whose indexed field equals any of values.
	Query(ctx context.Context, collection, field string, values []string) ([]string, error)
	Put(ctx context.Context, collection, key string, doc []byte, index map[string]string) error
	Delete(ctx context.Context, collection, key string) error
}

func indexKey(collection, field, value string) string {
	return collection + ":idx:" + field + ":" + value
}

// backrefKey holds, per document, the index entries it is listed under.
func backrefKey(collection, key string) string {
	return collection + ":ref:" + key
}
